// Package httpapi exposes the read-only observer API, the optional signal
// webhook, and the prometheus scrape endpoint.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"talon/internal/logger"
	"talon/internal/risk"
	"talon/internal/signal"
	"talon/internal/store/tradelog"
	"talon/internal/types"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StateProvider is the engine surface the API reads. Every call returns a
// point-in-time copy; the API never holds the trading loop's lock across a
// response.
type StateProvider interface {
	Snapshot() risk.Snapshot
	RiskMetrics() risk.Metrics
}

// TradeReader is the ledger surface the API reads.
type TradeReader interface {
	ListAll(ctx context.Context) ([]types.TradeRecord, error)
	Stats(ctx context.Context) (tradelog.Stats, error)
}

type ServerConfig struct {
	Addr   string
	Symbol string
	State  StateProvider
	Trades TradeReader
	// Signals enables POST /api/signal. Nil when signals come from a file.
	Signals *signal.Holder
}

type Server struct {
	addr   string
	router *gin.Engine
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.State == nil {
		return nil, errors.New("http server requires a state provider")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8086"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.GET("/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, cfg.State.RiskMetrics())
	})
	api.GET("/positions", func(c *gin.Context) {
		c.JSON(http.StatusOK, cfg.State.Snapshot().OpenPositions)
	})

	if cfg.Trades != nil {
		api.GET("/trades", func(c *gin.Context) {
			recs, err := cfg.Trades.ListAll(c.Request.Context())
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, recs)
		})
		api.GET("/stats", func(c *gin.Context) {
			st, err := cfg.Trades.Stats(c.Request.Context())
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, st)
		})
		router.GET("/equity", equityHandler(cfg.Symbol, cfg.State, cfg.Trades))
	}

	if cfg.Signals != nil {
		api.POST("/signal", signalHandler(cfg.Signals))
	}

	return &Server{addr: cfg.Addr, router: router}, nil
}

// signalHandler validates the payload and hands it to the loop's source.
func signalHandler(holder *signal.Holder) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sig, err := signal.Parse(body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		holder.Push(sig)
		logger.Infof("http: accepted signal %s conf=%.2f", sig.Direction, sig.Confidence)
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s",
			method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Infof("http: listening on %s", s.addr)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
