package relay

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/LeonardoBeccarini/irrigation_relay/internal/model"
	"github.com/LeonardoBeccarini/irrigation_relay/internal/model/messages"
)

// HistoryStore serves history from durable storage.
type HistoryStore interface {
	QueryRecent(ctx context.Context, limit int) ([]model.HistoryEntry, error)
}

// Check reports a dependency problem, or nil when healthy.
type Check func() error

// RouterConfig wires the HTTP surface.
type RouterConfig struct {
	WSPath         string
	AllowedOrigins []string
	Gatherer       prometheus.Gatherer // nil disables /metrics
	History        HistoryStore        // nil disables ?source=influx
	Checks         map[string]Check
	Logger         zerolog.Logger
}

// ErrorResponse is the body of every non-2xx JSON reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Router holds the Gin engine and its dependencies.
type Router struct {
	engine *gin.Engine
	hub    *Hub
	ws     http.Handler
	cfg    RouterConfig
	start  time.Time
}

func NewRouter(hub *Hub, ws http.Handler, cfg RouterConfig) *Router {
	gin.SetMode(gin.ReleaseMode)
	if cfg.WSPath == "" {
		cfg.WSPath = "/"
	}

	engine := gin.New()
	setupMiddleware(engine, cfg)

	r := &Router{engine: engine, hub: hub, ws: ws, cfg: cfg, start: time.Now()}
	r.setupRoutes()
	return r
}

func setupMiddleware(e *gin.Engine, cfg RouterConfig) {
	e.Use(gin.Recovery())
	e.Use(requestLogger(cfg.Logger))

	cc := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 0 || (len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*") {
		cc.AllowAllOrigins = true
		cc.AllowCredentials = false
	} else {
		cc.AllowOrigins = cfg.AllowedOrigins
	}
	e.Use(cors.New(cc))
}

// requestLogger logs every request except WebSocket upgrades, which live
// for the whole connection.
func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if c.IsWebsocket() {
			return
		}
		status := c.Writer.Status()
		if raw != "" {
			path = path + "?" + raw
		}

		ev := log.Debug()
		if status >= 400 {
			ev = log.Warn()
		}
		if status >= 500 {
			ev = log.Error()
		}
		ev.Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}

func (r *Router) setupRoutes() {
	r.engine.GET("/healthz", r.healthz)
	r.engine.GET("/readyz", r.readyz)
	if r.cfg.Gatherer != nil {
		r.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(r.cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.engine.Group("/api/v1")
	{
		v1.GET("/state", r.getState)
		v1.GET("/history", r.getHistory)
		v1.GET("/decision", r.getDecision)
		v1.GET("/peers", r.getPeers)
	}

	if r.ws != nil {
		r.engine.GET(r.cfg.WSPath, gin.WrapH(r.ws))
	}
}

// Handler exposes the engine for http.Server and tests.
func (r *Router) Handler() http.Handler { return r.engine }

func (r *Router) runChecks() map[string]string {
	out := make(map[string]string, len(r.cfg.Checks))
	for name, check := range r.cfg.Checks {
		if err := check(); err != nil {
			out[name] = err.Error()
		} else {
			out[name] = "ok"
		}
	}
	return out
}

func (r *Router) healthz(c *gin.Context) {
	checks := r.runChecks()
	status := "ok"
	for _, v := range checks {
		if v != "ok" {
			status = "degraded"
		}
	}
	state, _ := r.hub.Snapshot()
	counts := r.hub.registry.CountByRole()
	c.JSON(http.StatusOK, gin.H{
		"status":            status,
		"uptime_sec":        int(time.Since(r.start).Seconds()),
		"producerConnected": state.ProducerConnected,
		"consumers":         counts[model.RoleConsumer],
		"peers":             r.hub.registry.Count(),
		"checks":            checks,
	})
}

func (r *Router) readyz(c *gin.Context) {
	checks := r.runChecks()
	ready := true
	for _, v := range checks {
		if v != "ok" {
			ready = false
		}
	}
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"ready": ready, "checks": checks})
}

func (r *Router) getState(c *gin.Context) {
	state, decision := r.hub.Snapshot()
	c.JSON(http.StatusOK, messages.NewStateFrame(state, decision))
}

func (r *Router) getDecision(c *gin.Context) {
	_, decision := r.hub.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"score":          decision.Score,
		"recommendation": decision.Recommendation,
		"policy":         r.hub.Policy(),
	})
}

func (r *Router) getPeers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"count":  r.hub.registry.Count(),
		"byRole": r.hub.registry.CountByRole(),
		"peers":  r.hub.Peers(),
	})
}

// getHistory serves the in-memory buffer, or durable history with ?source=influx.
func (r *Router) getHistory(c *gin.Context) {
	limit := 0
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_limit", Message: "limit must be a positive integer"})
			return
		}
		limit = n
	}

	var (
		entries []model.HistoryEntry
		source  = "memory"
	)
	if c.Query("source") == "influx" {
		if r.cfg.History == nil {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_configured", Message: "durable history is not configured"})
			return
		}
		if limit == 0 {
			limit = r.hub.reconciler.HistoryCap()
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		var err error
		entries, err = r.cfg.History.QueryRecent(ctx, limit)
		if err != nil {
			c.JSON(http.StatusBadGateway, ErrorResponse{Error: "history_unavailable", Message: err.Error()})
			return
		}
		source = "influx"
	} else {
		entries = r.hub.History()
		if limit > 0 && len(entries) > limit {
			entries = entries[len(entries)-limit:]
		}
	}

	c.Header("X-Data-Source", source)
	c.JSON(http.StatusOK, gin.H{"count": len(entries), "entries": entries})
}
