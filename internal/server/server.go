package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"storefront/internal/config"
	"storefront/internal/handler"
	"storefront/internal/metrics"
	"storefront/internal/middleware"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// Handlers はルート登録に使うハンドラ一式
type Handlers struct {
	Products      *handler.ProductHandler
	AdminProducts *handler.AdminProductHandler
	Categories    *handler.CategoryHandler
	AdminCategory *handler.AdminCategoryHandler
	Orders        *handler.OrderHandler
	AdminOrders   *handler.AdminOrderHandler
	Payments      *handler.PaymentHandler
}

type Deps struct {
	Config   config.Config
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	// DBの疎通確認（nilならスキップ）
	Ping     func(ctx context.Context) error
	Handlers Handlers
}

type HealthResponse struct {
	Status string `json:"status"`
}

// New はミドルウェアとルートを登録したechoを返す
func New(d Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(d.Logger))
	e.Use(d.Metrics.Middleware())

	e.GET("/health", func(c echo.Context) error {
		if d.Ping != nil {
			if err := d.Ping(c.Request().Context()); err != nil {
				return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "db unavailable"})
			}
		}
		return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
	})
	if d.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	RegisterRoutes(e, d.Config, d.Handlers)
	return e
}

func RegisterRoutes(e *echo.Echo, cfg config.Config, h Handlers) {
	if h.Products != nil {
		h.Products.RegisterRoutes(e)
	}
	if h.Categories != nil {
		h.Categories.RegisterRoutes(e)
	}
	if h.Orders != nil {
		h.Orders.RegisterRoutes(e, cfg)
	}
	if h.Payments != nil {
		h.Payments.RegisterRoutes(e, cfg)
	}
	if h.AdminProducts != nil {
		h.AdminProducts.RegisterRoutes(e, cfg)
	}
	if h.AdminCategory != nil {
		h.AdminCategory.RegisterRoutes(e, cfg)
	}
	if h.AdminOrders != nil {
		h.AdminOrders.RegisterRoutes(e, cfg)
	}
}

// Start はctxがキャンセルされるまで待ち受け、その後graceful shutdownする
func Start(ctx context.Context, e *echo.Echo, addr string, log *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info("server started", zap.String("addr", addr))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
