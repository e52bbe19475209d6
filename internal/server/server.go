package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/avelsher/portalpilot/config"
	"github.com/avelsher/portalpilot/internal/agent/core"
	"github.com/avelsher/portalpilot/internal/agent/telemetry"
	"github.com/avelsher/portalpilot/internal/browser"
	"github.com/avelsher/portalpilot/internal/capability"
	"github.com/avelsher/portalpilot/internal/store"
)

// Run wires the full stack and serves the HTTP API.
func Run(cfg *config.Config) error {
	e := newEcho()

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/api/status", statusHandler)

	ctx := context.Background()

	if err := Migrate("file://migrations", cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
		return fmt.Errorf("migrating: %w", err)
	}
	st, err := store.New(ctx, cfg.Storage.Postgres)
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
	}

	tele := telemetry.NewTelemetry(cfg.Telemetry)

	registry, err := BuildRegistry(cfg.Capability)
	if err != nil {
		return err
	}

	llm, err := core.NewReasoningProvider(cfg.LLM)
	if err != nil {
		return err
	}

	automation, err := browser.New(cfg.Browser)
	if err != nil {
		return fmt.Errorf("starting browser: %w", err)
	}
	defer automation.Close()

	orch := core.NewOrchestrator(cfg, tele, registry, llm, automation)
	orch.SetStatusNotifier(func(status core.RunStatus) {
		raw, err := json.Marshal(status)
		if err != nil {
			return
		}
		_ = rdb.Set(ctx, statusKey(status.RunID), raw, time.Hour).Err()
	})

	secret := cfg.Server.JWTSecret
	if secret == "" {
		return fmt.Errorf("jwt secret not configured (server.jwt_secret)")
	}

	api := e.Group("/api")

	auth := &AuthHandler{Store: st, Secret: []byte(secret)}
	auth.Register(api.Group("/auth"))

	run := &runner{orch: orch, store: st}

	rh := &RunsHandler{Config: cfg, Store: st, Runner: run, Orch: orch, Rdb: rdb}
	rh.Register(api.Group("/runs"), auth.Secret)

	resh := &ResearchHandler{Orch: orch}
	resh.Register(api.Group("/research"), auth.Secret)

	sh := &SchedulesHandler{Store: st}
	sh.Register(api.Group("/schedules"), auth.Secret)

	if cfg.Server.SchedulerEnabled {
		sched := &Scheduler{Store: st, Runner: run, Rdb: rdb, Stop: make(chan struct{})}
		sched.Start()
	}

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":10080"
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

// newEcho builds the echo instance with the unified error handler and
// middleware. Split out so handler tests can reuse it.
func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}

	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))
	return e
}

// statusHandler reports the recognized configuration sections, the
// agent roster and the automation vocabulary.
func statusHandler(c echo.Context) error {
	agents := make([]string, 0, len(core.Roles()))
	for _, r := range core.Roles() {
		agents = append(agents, string(r))
	}
	actions := make([]string, 0, len(core.Actions()))
	for _, a := range core.Actions() {
		actions = append(actions, string(a))
	}
	return c.JSON(http.StatusOK, StatusResponse{
		Status:         "ok",
		RecognizedKeys: config.RecognizedKeys(),
		Agents:         agents,
		Actions:        actions,
	})
}

// BuildRegistry signs the default ToolCards when a signing secret is
// configured and validates the result.
func BuildRegistry(cfg config.CapabilityConfig) (*capability.Registry, error) {
	cards := capability.DefaultToolCards()
	if cfg.SigningSecret != "" {
		for i := range cards {
			checksum, err := capability.ComputeChecksum(cards[i])
			if err != nil {
				return nil, err
			}
			cards[i].Checksum = checksum
			sig, err := capability.SignToolCard(cards[i], cfg.SigningSecret)
			if err != nil {
				return nil, err
			}
			cards[i].Signature = sig
		}
	}
	return capability.NewRegistry(cards, cfg.SigningSecret, cfg.RequiredActions)
}
