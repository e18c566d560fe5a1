package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"storefront/internal/config"
	"storefront/internal/handler"
	"storefront/internal/infra/cache"
	"storefront/internal/infra/db"
	"storefront/internal/infra/payment"
	infraRepo "storefront/internal/infra/repository"
	"storefront/internal/logger"
	"storefront/internal/metrics"
	"storefront/internal/repository"
	"storefront/internal/server"
	"storefront/internal/usecase"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const serviceName = "storefront"

type app struct {
	cfg    config.Config
	log    *zap.Logger
	db     *gorm.DB
	redis  *redis.Client
	reg    *prometheus.Registry
	m      *metrics.Metrics
	cache  repository.CacheStore
	orders *usecase.OrderUsecase

	products   *usecase.ProductUsecase
	categories *usecase.CategoryUsecase
	payments   *usecase.PaymentUsecase
	admin      *usecase.AdminOrderUsecase
}

// 設定・ロガー・DB・キャッシュ・usecaseを組み立てる
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	log, err := logger.Init(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.GoEnv,
		ServiceName: serviceName,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	gdb, err := db.Connect(cfg)
	if err != nil {
		return nil, err
	}
	log.Info("database connected", zap.String("dsn", cfg.RedactedDSN()))

	a := &app{cfg: cfg, log: log, db: gdb}

	//REDIS_URLがなければプロセス内キャッシュ
	if cfg.RedisURL != "" {
		client, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			_ = db.Close(gdb)
			return nil, err
		}
		a.redis = client
		a.cache = cache.NewRedisStore(client)
		log.Info("category cache: redis")
	} else {
		a.cache = cache.NewMemoryStore()
		log.Info("category cache: memory")
	}

	a.reg = prometheus.NewRegistry()
	a.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.m = metrics.New("storefront", a.reg)

	//Repository（GORM実装）
	txManager := infraRepo.NewTxManagerGorm(gdb)
	productRepo := infraRepo.NewProductGormRepository(gdb)
	categoryRepo := infraRepo.NewCategoryGormRepository(gdb)
	auditRepo := infraRepo.NewAuditLogGormRepository(gdb)

	//決済プロバイダ
	providers := payment.NewFactory(
		payment.NewCardProvider(payment.CardConfig{
			BaseURL:            cfg.Card.BaseURL,
			SecretKey:          cfg.Card.SecretKey,
			WebhookSecret:      cfg.Card.WebhookSecret,
			SignatureTolerance: cfg.Card.SignatureTolerance,
			Timeout:            cfg.ProviderTimeout,
		}, nil),
		payment.NewWalletProvider(payment.WalletConfig{
			BaseURL:     cfg.Wallet.BaseURL,
			AppKey:      cfg.Wallet.AppKey,
			AppSecret:   cfg.Wallet.AppSecret,
			Username:    cfg.Wallet.Username,
			Password:    cfg.Wallet.Password,
			CallbackURL: cfg.Wallet.CallbackURL,
			Timeout:     cfg.ProviderTimeout,
		}, nil),
	)

	//Usecase生成
	a.orders = usecase.NewOrderUsecase(txManager, cfg.Currency, a.m)
	a.payments = usecase.NewPaymentUsecase(txManager, providers, a.orders, a.m, cfg.ProviderTimeout)
	a.products = usecase.NewProductUsecase(productRepo, categoryRepo, txManager)
	a.categories = usecase.NewCategoryUsecase(categoryRepo, productRepo, auditRepo, a.cache, cfg.CategoryCacheTTL, a.m)
	a.admin = usecase.NewAdminOrderUsecase(txManager, auditRepo)

	return a, nil
}

func (a *app) migrate() error {
	if err := db.Migrate(a.db); err != nil {
		return err
	}
	a.log.Info("migration completed")
	return nil
}

func (a *app) close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if err := db.Close(a.db); err != nil {
		a.log.Warn("close database", zap.Error(err))
	}
	_ = a.log.Sync()
}

func (a *app) handlers() server.Handlers {
	return server.Handlers{
		Products:      handler.NewProductHandler(a.products),
		AdminProducts: handler.NewAdminProductHandler(a.products),
		Categories:    handler.NewCategoryHandler(a.categories),
		AdminCategory: handler.NewAdminCategoryHandler(a.categories),
		Orders:        handler.NewOrderHandler(a.orders),
		AdminOrders:   handler.NewAdminOrderHandler(a.admin, a.payments),
		Payments:      handler.NewPaymentHandler(a.payments),
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.migrate(); err != nil {
		return err
	}

	e := server.New(server.Deps{
		Config:   a.cfg,
		Logger:   a.log,
		Metrics:  a.m,
		Gatherer: a.reg,
		Ping: func(ctx context.Context) error {
			sqlDB, err := a.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		Handlers: a.handlers(),
	})

	return server.Start(ctx, e, ":"+a.cfg.Port, a.log)
}
