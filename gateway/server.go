// Package gateway exposes the control plane's observability surface over
// HTTP: session state and counters, metadata store statistics, and the
// connection-health window. It is read-only; control stays on the meta
// connection.
package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bhyvex/qfs/detector"
	"github.com/bhyvex/qfs/metasession"
	"github.com/bhyvex/qfs/metastore"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
)

// SessionStatus is the point-in-time session view served over HTTP.
type SessionStatus struct {
	IsUp          bool                         `json:"is_up"`
	HandshakeDone bool                         `json:"handshake_done"`
	UptimeSeconds float64                      `json:"uptime_seconds"`
	Generation    uint64                       `json:"generation"`
	Counters      metasession.CountersSnapshot `json:"counters"`
}

// Config defines the HTTP status server options.
type Config struct {
	ServerName     string
	Port           int
	Logger         io.Writer
	MaxHeaderBytes int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
}

// DefaultConfig returns sensible default configuration values.
func DefaultConfig() Config {
	return Config{
		ServerName:     "qfs-status",
		Port:           8610,
		Logger:         zerolog.Nop(),
		MaxHeaderBytes: 1 << 20,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
	}
}

// Providers are the data sources behind the endpoints. SessionStatus
// must be safe to call from HTTP goroutines (it snapshots through the
// event loop); StoreStats and Health may be nil when the component is
// not running in this process.
type Providers struct {
	SessionStatus func(ctx context.Context) (SessionStatus, error)
	StoreStats    func() metastore.Stats
	Health        *detector.HealthWindow
}

type Server struct {
	cfg       Config
	providers Providers
	server    *http.Server
	logger    zerolog.Logger
	mu        sync.Mutex
}

func New(cfg Config, providers Providers) (*Server, error) {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("port must be between 1-65535, got %d", cfg.Port)
	}
	if providers.SessionStatus == nil {
		return nil, fmt.Errorf("session status provider is required")
	}
	s := &Server{cfg: cfg}
	s.providers = providers
	if cfg.Logger != nil {
		s.logger = zerolog.New(cfg.Logger).With().Timestamp().Logger()
	} else {
		s.logger = zerolog.Nop()
	}

	router := gin.New(func(e *gin.Engine) {
		e.Use(gin.Recovery())
		e.Use(cors.New(cors.Config{
			AllowOrigins: []string{"*"},
			AllowMethods: []string{"GET", "OPTIONS"},
			AllowHeaders: []string{
				"Content-Type", "Content-Length",
				"accept", "origin", "Cache-Control",
			},
			ExposeHeaders: []string{"Content-Length"},
			MaxAge:        12 * time.Hour,
		}))
		e.RemoveExtraSlash = true
	})
	s.registerRoutes(router)

	s.server = &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Port),
		Handler:        router,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
	}
	return s, nil
}

func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/healthz", s.handleHealthz)
	router.GET("/api/v1/session/counters", s.handleSessionCounters)
	router.GET("/api/v1/session/report", s.handleSessionReport)
	router.GET("/api/v1/session/health", s.handleSessionHealth)
	router.GET("/api/v1/store/stats", s.handleStoreStats)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start begins serving in the background.
func (s *Server) Start() {
	s.logger.Info().
		Str("addr", s.server.Addr).
		Str("server_name", s.cfg.ServerName).
		Msg("starting status server")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("status server terminated")
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info().Msg("shutting down status server")
	return s.server.Shutdown(ctx)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "server": s.cfg.ServerName})
}

func (s *Server) handleSessionCounters(c *gin.Context) {
	status, err := s.providers.SessionStatus(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("session status unavailable")
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleSessionReport(c *gin.Context) {
	status, err := s.providers.SessionStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	var sb strings.Builder
	table := tablewriter.NewWriter(&sb)
	table.Header([]string{"Counter", "Value"})
	table.Append([]string{"ConnectCount", fmt.Sprintf("%d", status.Counters.ConnectCount)})
	table.Append([]string{"HelloCount", fmt.Sprintf("%d", status.Counters.HelloCount)})
	table.Append([]string{"HelloDoneCount", fmt.Sprintf("%d", status.Counters.HelloDoneCount)})
	table.Append([]string{"HelloErrorCount", fmt.Sprintf("%d", status.Counters.HelloErrorCount)})
	table.Append([]string{"AllocCount", fmt.Sprintf("%d", status.Counters.AllocCount)})
	table.Append([]string{"AllocErrorCount", fmt.Sprintf("%d", status.Counters.AllocErrorCount)})
	if err := table.Render(); err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	c.String(http.StatusOK, sb.String())
}

func (s *Server) handleSessionHealth(c *gin.Context) {
	if s.providers.Health == nil {
		c.JSON(http.StatusNotFound, errorResponse{Error: "health window not configured"})
		return
	}
	sum, err := s.providers.Health.Summarize(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (s *Server) handleStoreStats(c *gin.Context) {
	if s.providers.StoreStats == nil {
		c.JSON(http.StatusNotFound, errorResponse{Error: "metadata store not running"})
		return
	}
	c.JSON(http.StatusOK, s.providers.StoreStats())
}
