package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/tablepay/internal/aws"
	"github.com/imrishuroy/tablepay/internal/config"
	"github.com/imrishuroy/tablepay/internal/credentials"
	orderevents "github.com/imrishuroy/tablepay/internal/events"
	"github.com/imrishuroy/tablepay/internal/fees"
	"github.com/imrishuroy/tablepay/internal/gateway"
	"github.com/imrishuroy/tablepay/internal/handlers"
	"github.com/imrishuroy/tablepay/internal/idempotency"
	"github.com/imrishuroy/tablepay/internal/logger"
	"github.com/imrishuroy/tablepay/internal/metrics"
	"github.com/imrishuroy/tablepay/internal/orders"
	"github.com/imrishuroy/tablepay/internal/payments"
	"github.com/imrishuroy/tablepay/internal/reconcile"
	"github.com/imrishuroy/tablepay/internal/validation"
)

func setupRouter(ctx context.Context, cfg *config.Config, zl *zap.Logger) (*gin.Engine, func(), error) {
	clients, err := aws.NewClients(ctx, cfg.AWS.Region, cfg.AWS.EndpointOverride)
	if err != nil {
		return nil, nil, err
	}

	cache, closeCache, err := credentials.OpenCache(ctx, cfg.Redis.URL, cfg.IsProduction(), zl)
	if err != nil {
		return nil, nil, err
	}

	client := gateway.NewClient(gateway.Config{
		BaseURL:      cfg.Gateway.BaseURL,
		ClientID:     cfg.Gateway.ClientID,
		ClientSecret: cfg.Gateway.ClientSecret,
		RedirectURI:  cfg.Gateway.RedirectURI,
		Timeout:      cfg.Gateway.Timeout,
	})

	var refresher credentials.RefreshRequester
	if cfg.Queues.CredentialRefresh != "" {
		refresher = credentials.NewRefreshQueue(aws.NewPublisher(clients.SQS, cfg.Queues.CredentialRefresh))
	}
	dir := credentials.NewDirectory(
		credentials.NewStore(clients.DynamoDB, cfg.Tables.Credentials),
		cache, client, refresher,
		credentials.DirectoryConfig{CacheTTL: cfg.Credentials.CacheTTL, RefreshWindow: cfg.Credentials.RefreshWindow},
		zl,
	)
	index := credentials.NewPaymentIndex(clients.DynamoDB, cfg.Tables.PaymentIndex)

	var brokerOpts []orderevents.Option
	if cfg.Queues.OrderEvents != "" {
		brokerOpts = append(brokerOpts, orderevents.WithSink(orderevents.NewQueueForwarder(aws.NewPublisher(clients.SQS, cfg.Queues.OrderEvents))))
	}
	broker := orderevents.NewBroker(zl, brokerOpts...)

	var rec metrics.Recorder = metrics.Nop{}
	if cfg.Metrics.Enabled {
		rec = metrics.NewCloudWatch(clients.CloudWatch, cfg.Metrics.Namespace, zl)
	}

	calc, err := fees.NewCalculator(cfg.Payments.FeeRate)
	if err != nil {
		_ = closeCache()
		return nil, nil, err
	}
	store := orders.NewStore(clients.DynamoDB, cfg.Tables.Orders, cfg.Tables.Transactions)

	svc := payments.NewService(store, dir, client, index, calc, broker, rec, payments.Config{
		WebhookURL: cfg.Gateway.WebhookURL,
		StaleClaim: cfg.Payments.StaleClaim,
	}, zl.Named("payments"))
	engine := reconcile.NewEngine(store, dir, index, client, calc, broker, rec, zl.Named("reconcile"))

	r := handlers.NewRouter(handlers.HandlerConfig{
		Orders:      store,
		Payments:    svc,
		Reconciler:  engine,
		Credentials: dir,
		OAuth:       client,
		Idempotency: idempotency.NewStore(clients.DynamoDB, cfg.Tables.Idempotency, cfg.Idempotency.TTL),
		Broker:      broker,
		Validator:   validation.New(),
		Logger:      zl,
	})

	cleanup := func() {
		broker.Close()
		_ = closeCache()
	}
	return r, cleanup, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	zl := logger.NewForEnvironment(cfg.App.Env, cfg.Log.Level)
	defer func() { _ = zl.Sync() }()

	r, cleanup, err := setupRouter(context.Background(), cfg, zl)
	if err != nil {
		zl.Fatal("failed to set up api", zap.Error(err))
	}
	defer cleanup()

	// RUN_LOCAL=true runs a local HTTP server for development.
	if cfg.App.RunLocal {
		addr := ":" + cfg.App.Port
		zl.Info("running local server", zap.String("addr", addr))
		if err := r.Run(addr); err != nil {
			zl.Error("local server stopped", zap.Error(err))
		}
		return
	}

	adapter := ginadapter.New(r)
	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}
