package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/thread"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/vm"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/middleware"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/monitoring"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/proc"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/shared/id"
	"github.com/bytedance/sonic"
	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Source is the read-only view of a booted kernel the server exposes.
type Source interface {
	BootID() id.BootID
	Uptime() time.Duration
	Halted() bool
	Processes() []proc.Record
	Threads() []thread.Info
	Programs() []string
	Memory() (free, total int)
	Metrics() *monitoring.Metrics
	Gatherer() prometheus.Gatherer
}

// Config holds the debug server settings.
type Config struct {
	Addr            string
	Development     bool
	CORS            middleware.CORSConfig
	RateLimit       middleware.RateLimitConfig
	// EventsRateLimit caps new event stream connections across all clients.
	EventsRateLimit middleware.RateLimitConfig
	EventBuffer     int
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the settings used by cmd/kcore.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:            addr,
		CORS:            middleware.DefaultCORSConfig(),
		RateLimit:       middleware.DefaultRateLimitConfig(),
		EventsRateLimit: middleware.RateLimitConfig{RequestsPerSecond: 5, Burst: 10},
		EventBuffer:     64,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Server is the kcore debug server.
type Server struct {
	cfg      Config
	src      Source
	hub      *Hub
	logger   *zap.Logger
	router   *gin.Engine
	upgrader websocket.Upgrader
}

// New builds the router. hub may be nil, in which case /api/events is not
// served.
func New(cfg Config, src Source, hub *Hub, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.EventsRateLimit.RequestsPerSecond <= 0 {
		cfg.EventsRateLimit = DefaultConfig(cfg.Addr).EventsRateLimit
	}
	if !cfg.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:    cfg,
		src:    src,
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			// dashboards are served from anywhere; the stream is read-only
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if hub != nil {
		hub.metrics.Store(src.Metrics())
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(monitoring.Middleware(s.src.Metrics()))
	router.Use(middleware.CORS(s.cfg.CORS))

	router.GET("/healthz", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.src.Gatherer(), promhttp.HandlerOpts{})))

	api := router.Group("/api")
	api.Use(middleware.RateLimit(s.cfg.RateLimit))
	{
		api.GET("/info", s.info)
		api.GET("/procs", s.procs)
		api.GET("/threads", s.threads)
		api.GET("/stats", s.stats)
		if s.hub != nil {
			api.GET("/events", middleware.GlobalRateLimit(s.cfg.EventsRateLimit), s.events)
		}
	}
	return router
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on cfg.Addr until ctx is cancelled, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.logger.Info("debug server listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	// hijacked websocket connections are not tracked by Shutdown
	if s.hub != nil {
		s.hub.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errc
	return nil
}

func (s *Server) health(c *gin.Context) {
	status := "ok"
	if s.src.Halted() {
		status = "halted"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  status,
		"boot_id": s.src.BootID(),
	})
}

func (s *Server) info(c *gin.Context) {
	free, total := s.src.Memory()
	uptime := s.src.Uptime()
	c.JSON(http.StatusOK, gin.H{
		"boot_id":        s.src.BootID(),
		"booted":         humanize.Time(time.Now().Add(-uptime)),
		"uptime_seconds": uptime.Seconds(),
		"halted":         s.src.Halted(),
		"programs":       s.src.Programs(),
		"memory": gin.H{
			"free_pages":  free,
			"total_pages": total,
			"free":        humanize.IBytes(uint64(free) * vm.PageSize),
			"total":       humanize.IBytes(uint64(total) * vm.PageSize),
		},
	})
}

func (s *Server) procs(c *gin.Context) {
	procs := s.src.Processes()
	c.JSON(http.StatusOK, gin.H{
		"processes": procs,
		"count":     len(procs),
	})
}

func (s *Server) threads(c *gin.Context) {
	threads := s.src.Threads()
	c.JSON(http.StatusOK, gin.H{
		"threads": threads,
		"count":   len(threads),
	})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.src.Metrics().Snapshot())
}

type hello struct {
	Type      string        `json:"type"`
	BootID    id.BootID     `json:"boot_id"`
	Processes []proc.Record `json:"processes"`
}

// events streams lifecycle events, one JSON object per text message. The
// first message is a snapshot of the table.
func (s *Server) events(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub, ok := s.hub.subscribe(s.cfg.EventBuffer)
	if !ok {
		s.close(conn, websocket.CloseGoingAway, "shutting down")
		return
	}
	defer s.hub.unsubscribe(sub)

	data, err := sonic.Marshal(hello{Type: "hello", BootID: s.src.BootID(), Processes: s.src.Processes()})
	if err != nil {
		s.logger.Error("encode hello", zap.Error(err))
		return
	}
	if err := s.write(conn, data); err != nil {
		return
	}

	// The reader only notices the peer going away and answers pings.
	gone := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case data := <-sub.send:
			if err := s.write(conn, data); err != nil {
				s.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
			s.hub.delivered()
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-s.hub.done:
			s.close(conn, websocket.CloseGoingAway, "shutting down")
			return
		case <-gone:
			return
		}
	}
}

func (s *Server) write(conn *websocket.Conn, data []byte) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) close(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
