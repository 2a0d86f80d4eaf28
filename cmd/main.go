package main

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/subosito/gotenv"
	"go.uber.org/zap"

	"thread-agent/handler"
	"thread-agent/internal/integrations/openai"
	"thread-agent/internal/integrations/paramstore"
	"thread-agent/internal/repository"
	"thread-agent/internal/usecase"
)

func main() {
	gotenv.Load()

	logger, err := newLogger()
	if err != nil {
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	// ---- Configuration (read only here) ----
	threadTable := mustEnv(logger, "THREAD_TABLE")
	paramPrefix := mustEnv(logger, "PARAM_PREFIX")
	modelTimeout := time.Duration(envInt("MODEL_TIMEOUT_SECONDS", 30)) * time.Second
	maxHistoryTurns := envInt("MAX_HISTORY_TURNS", 0)
	maxMessageLen := envInt("MAX_MESSAGE_LENGTH", 4000)
	singleQuestion := envBool("SINGLE_QUESTION_MODE", false)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Fatal("failed to load AWS config", zap.Error(err))
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		logger.Fatal("failed to create SSM client", zap.Error(err))
	}
	store, err := repository.New(awsdynamodb.NewFromConfig(cfg), threadTable)
	if err != nil {
		logger.Fatal("failed to create thread store", zap.Error(err))
	}
	llmClient, err := openai.NewClient(ssmClient, paramPrefix)
	if err != nil {
		logger.Fatal("failed to create OpenAI client", zap.Error(err))
	}

	// ---- Use cases ----
	engine, err := usecase.NewEngine(llmClient, ssmClient, paramPrefix, modelTimeout, maxHistoryTurns)
	if err != nil {
		logger.Fatal("failed to create conversation engine", zap.Error(err))
	}
	threads, err := usecase.NewThreadService(store, engine, maxMessageLen, singleQuestion)
	if err != nil {
		logger.Fatal("failed to create thread service", zap.Error(err))
	}

	// ---- Handler ----
	h, err := handler.NewHandler(threads, logger)
	if err != nil {
		logger.Fatal("failed to create handler", zap.Error(err))
	}

	lambda.Start(h.Handle)
}

func newLogger() (*zap.Logger, error) {
	if os.Getenv("DEBUG") == "true" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func mustEnv(logger *zap.Logger, key string) string {
	v := os.Getenv(key)
	if v == "" {
		logger.Fatal("required environment variable is not set", zap.String("key", key))
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
