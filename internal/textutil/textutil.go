// Package textutil prepares submission text for the word-cloud renderer:
// bounded extraction, word frequencies and token expansion.
package textutil

import (
	"io"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "or": {}, "a": {}, "an": {}, "to": {}, "of": {},
	"in": {}, "on": {}, "for": {}, "with": {},
	"и": {}, "а": {}, "но": {}, "или": {}, "что": {}, "это": {}, "как": {},
	"на": {}, "в": {}, "к": {}, "по": {}, "за": {}, "от": {}, "до": {},
	"из": {}, "у": {}, "мы": {}, "вы": {}, "они": {}, "он": {}, "она": {}, "оно": {},
}

// WordCount is one entry of a frequency ranking.
type WordCount struct {
	Word  string `json:"word"`
	Count int    `json:"count"`
}

// ExtractText reads at most maxBytes from r and returns it as a string when
// it is valid UTF-8, empty otherwise (binary uploads produce no word cloud).
func ExtractText(r io.Reader, maxBytes int) (string, error) {
	buf, err := io.ReadAll(io.LimitReader(r, int64(maxBytes)))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(buf) {
		return "", nil
	}
	return string(buf), nil
}

// BuildWordFreq tokenizes text into lowercase words (letters, digits, '_',
// '-'), drops single-character tokens and stop words, and returns the top
// maxWords entries ordered by descending count. Equal counts order
// alphabetically so the ranking is stable.
func BuildWordFreq(text string, maxWords int) []WordCount {
	freq := map[string]int{}
	var b strings.Builder

	flush := func() {
		if b.Len() == 0 {
			return
		}
		token := b.String()
		b.Reset()
		if utf8.RuneCountInString(token) <= 1 {
			return
		}
		if _, stop := stopWords[token]; stop {
			return
		}
		freq[token]++
	}

	for _, ch := range text {
		if unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' || ch == '-' {
			b.WriteRune(unicode.ToLower(ch))
		} else {
			flush()
		}
	}
	flush()

	ranked := make([]WordCount, 0, len(freq))
	for w, c := range freq {
		ranked = append(ranked, WordCount{Word: w, Count: c})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].Word < ranked[j].Word
	})
	if len(ranked) > maxWords {
		ranked = ranked[:maxWords]
	}
	return ranked
}

// ExpandForWordCloud repeats each word proportionally to its count (clamped
// to 30) so the renderer sizes words by frequency, capped at maxTotalTokens.
func ExpandForWordCloud(ranked []WordCount, maxTotalTokens int) string {
	tokens := make([]string, 0, maxTotalTokens)
	for _, wc := range ranked {
		repeats := wc.Count
		if repeats < 1 {
			repeats = 1
		}
		if repeats > 30 {
			repeats = 30
		}
		for i := 0; i < repeats && len(tokens) < maxTotalTokens; i++ {
			tokens = append(tokens, wc.Word)
		}
		if len(tokens) >= maxTotalTokens {
			break
		}
	}
	return strings.Join(tokens, " ")
}

// TopWords returns the first n entries of a ranking.
func TopWords(ranked []WordCount, n int) []WordCount {
	if len(ranked) <= n {
		return ranked
	}
	return ranked[:n]
}
