// Package wordcloud renders word-cloud PNGs through the QuickChart API.
package wordcloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/imrishuroy/go-idempotent-submissionflow/internal/apperr"
)

// DefaultBaseURL is the public QuickChart endpoint.
const DefaultBaseURL = "https://quickchart.io"

// Client calls the QuickChart /wordcloud endpoint. Rendering is always
// best-effort for callers; the client itself reports failures normally.
type Client struct {
	http    *http.Client
	baseURL string
}

// NewClient returns a Client for baseURL (DefaultBaseURL when empty).
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

type renderRequest struct {
	Format string `json:"format"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Text   string `json:"text"`
}

// Render returns PNG bytes for text. It POSTs first and falls back to the
// GET form when the POST is rejected, matching QuickChart's two surfaces.
func (c *Client) Render(ctx context.Context, text string, width, height int) ([]byte, error) {
	body, err := json.Marshal(renderRequest{Format: "png", Width: width, Height: height, Text: text})
	if err != nil {
		return nil, fmt.Errorf("marshal render request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/wordcloud", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "renderer_unavailable", "word-cloud renderer unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return io.ReadAll(resp.Body)
	}
	io.Copy(io.Discard, resp.Body)

	return c.renderGet(ctx, text, width, height)
}

func (c *Client) renderGet(ctx context.Context, text string, width, height int) ([]byte, error) {
	params := url.Values{}
	params.Set("format", "png")
	params.Set("width", strconv.Itoa(width))
	params.Set("height", strconv.Itoa(height))
	params.Set("text", text)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/wordcloud?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build render request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "renderer_unavailable", "word-cloud renderer unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperr.E(apperr.KindUnavailable, "renderer_error", fmt.Sprintf("word-cloud renderer returned %d", resp.StatusCode))
	}
	return io.ReadAll(resp.Body)
}
