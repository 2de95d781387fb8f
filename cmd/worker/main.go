package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/imrishuroy/tablepay/internal/aws"
	"github.com/imrishuroy/tablepay/internal/config"
	"github.com/imrishuroy/tablepay/internal/credentials"
	"github.com/imrishuroy/tablepay/internal/gateway"
	"github.com/imrishuroy/tablepay/internal/logger"
	"github.com/imrishuroy/tablepay/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	zl := logger.NewForEnvironment(cfg.App.Env, cfg.Log.Level).With(zap.String("component", "credential-refresh"))
	defer func() { _ = zl.Sync() }()

	ctx := context.Background()
	clients, err := aws.NewClients(ctx, cfg.AWS.Region, cfg.AWS.EndpointOverride)
	if err != nil {
		zl.Fatal("failed to init aws clients", zap.Error(err))
	}

	cache, closeCache, err := credentials.OpenCache(ctx, cfg.Redis.URL, cfg.IsProduction(), zl)
	if err != nil {
		zl.Fatal("failed to open credential cache", zap.Error(err))
	}
	defer func() { _ = closeCache() }()

	client := gateway.NewClient(gateway.Config{
		BaseURL:      cfg.Gateway.BaseURL,
		ClientID:     cfg.Gateway.ClientID,
		ClientSecret: cfg.Gateway.ClientSecret,
		RedirectURI:  cfg.Gateway.RedirectURI,
		Timeout:      cfg.Gateway.Timeout,
	})
	// no refresher: the worker is the consumer of refresh requests
	dir := credentials.NewDirectory(
		credentials.NewStore(clients.DynamoDB, cfg.Tables.Credentials),
		cache, client, nil,
		credentials.DirectoryConfig{CacheTTL: cfg.Credentials.CacheTTL, RefreshWindow: cfg.Credentials.RefreshWindow},
		zl,
	)

	var rec metrics.Recorder = metrics.Nop{}
	if cfg.Metrics.Enabled {
		rec = metrics.NewCloudWatch(clients.CloudWatch, cfg.Metrics.Namespace, zl)
	}

	p := NewProcessor(dir, rec, zl)
	lambda.Start(p.Handle)
}
