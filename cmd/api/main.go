package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-idempotent-submissionflow/internal/analysis"
	"github.com/imrishuroy/go-idempotent-submissionflow/internal/aws"
	"github.com/imrishuroy/go-idempotent-submissionflow/internal/filestore"
	"github.com/imrishuroy/go-idempotent-submissionflow/internal/gateway"
	"github.com/imrishuroy/go-idempotent-submissionflow/internal/idempotency"
	"github.com/imrishuroy/go-idempotent-submissionflow/internal/wordcloud"
	"github.com/imrishuroy/go-idempotent-submissionflow/internal/works"
)

func setupRouter(cfg gateway.HandlerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	gateway.RegisterRoutes(r, cfg)

	return r
}

func main() {
	// local development convenience; no-op when the file is absent
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	clients, err := aws.NewAWSClients(context.Background())
	if err != nil {
		logger.Fatal("failed to init aws clients", zap.Error(err))
	}

	files, err := filestore.NewMinIO(filestore.MinIOConfig{
		Endpoint:  os.Getenv("MINIO_ENDPOINT"),
		AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("MINIO_SECRET_KEY"),
		Bucket:    os.Getenv("MINIO_BUCKET"),
		UseSSL:    os.Getenv("MINIO_USE_SSL") == "true",
	})
	if err != nil {
		logger.Fatal("failed to init content store", zap.Error(err))
	}

	orch := analysis.NewOrchestrator(analysis.Config{
		Ledger:          idempotency.NewStore(clients.DynamoDB, os.Getenv("IDEMPOTENCY_TABLE"), 48*time.Hour),
		Works:           works.NewStore(clients.DynamoDB, os.Getenv("WORKS_TABLE"), os.Getenv("REPORTS_TABLE")),
		Files:           files,
		Renderer:        wordcloud.NewClient(os.Getenv("QUICKCHART_URL"), 15*time.Second),
		Events:          aws.NewPublisher(clients.SQS, os.Getenv("SUBMISSION_EVENTS_QUEUE_URL")),
		Log:             logger,
		EnableWordCloud: os.Getenv("ENABLE_WORDCLOUD") != "false",
	})

	r := setupRouter(gateway.HandlerConfig{
		Analysis: orch,
		Files:    files,
		Log:      logger,
	})

	// if environment variable RUN_LOCAL is set to "true", run local HTTP server for development.
	if os.Getenv("RUN_LOCAL") == "true" {
		addr := ":8080"
		logger.Info("running local server", zap.String("addr", addr))
		if err := r.Run(addr); err != nil {
			logger.Fatal("failed to run local server", zap.Error(err))
		}
		return
	}

	// lambda adapter
	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (interface{}, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}
