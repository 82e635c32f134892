package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"studio-chat/handler"
	"studio-chat/internal/auth"
	"studio-chat/internal/chat"
	"studio-chat/internal/chat/ephemeral"
	"studio-chat/internal/chat/persistent"
	"studio-chat/internal/integrations/paramstore"
	"studio-chat/internal/repository"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// ---- Configuration (read only here) ----
	appCfg, err := loadConfig(os.Getenv)
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	opts := append(appCfg.chatOptions(), chat.WithLogger(logger))

	// ---- Backend ----
	var (
		svc   chat.Service
		creds auth.CredentialSource
	)
	switch appCfg.Backend {
	case backendDynamoDB:
		svc, creds = mustPersistent(ctx, appCfg, opts)
	default:
		mem := ephemeral.New(opts...)
		if appCfg.SeedDemo {
			slog.Info("seeded demo conversations", "count", mem.Seed())
		}
		svc = mem
		creds = auth.StaticCredentials{Username: appCfg.OperatorUsername, Password: appCfg.OperatorPassword}
	}
	slog.Info("chat backend selected", "backend", appCfg.Backend)

	// ---- Handler ----
	operators, err := auth.NewOperators(creds)
	if err != nil {
		slog.Error("failed to create operator auth", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(svc, operators,
		handler.WithMaxMessageLength(appCfg.MaxMessageLength),
		handler.WithLogger(logger),
	)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustPersistent(ctx context.Context, appCfg appConfig, opts []chat.Option) (chat.Service, auth.CredentialSource) {
	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg), paramstore.WithDecryption(appCfg.ParamDecrypt))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	creds, err := auth.NewParamStoreCredentials(ssmClient, appCfg.ParamPrefix)
	if err != nil {
		slog.Error("failed to create credential source", "err", err)
		os.Exit(1)
	}

	store, err := repository.New(awsdynamodb.NewFromConfig(cfg), appCfg.ConversationsTable, appCfg.MessagesTable)
	if err != nil {
		slog.Error("failed to create conversation store", "err", err)
		os.Exit(1)
	}
	svc, err := persistent.New(store, opts...)
	if err != nil {
		slog.Error("failed to create chat backend", "err", err)
		os.Exit(1)
	}
	return svc, creds
}
