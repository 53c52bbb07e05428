package main

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/embedlib/internal/apperr"
	"github.com/raaihank/embedlib/internal/cache"
	"github.com/raaihank/embedlib/internal/config"
	"github.com/raaihank/embedlib/internal/embeddings"
	"github.com/raaihank/embedlib/internal/engine"
	"github.com/raaihank/embedlib/internal/logger"
	"github.com/raaihank/embedlib/internal/model"
	"github.com/raaihank/embedlib/internal/websocket"
)

// app holds the long-lived services behind the HTTP server.
type app struct {
	engine  *engine.Engine
	service *embeddings.Service
	hub     *websocket.Hub
	logger  *zap.Logger
	started time.Time

	mu    sync.Mutex
	model config.ModelConfig
}

func newApp(cfg *config.Config, log *logger.Logger) (*app, error) {
	a := &app{
		engine:  engine.New(log.Logger),
		logger:  log.Logger,
		started: time.Now(),
		model:   cfg.Model,
	}

	if cfg.WebSocket.Enabled {
		a.hub = websocket.NewHub(hubConfig(cfg.WebSocket), log.Logger)
		a.engine.AddListener(a.hub.EngineListener())
	}

	ec, err := cache.New(&cfg.Cache, log.Logger)
	if err != nil {
		return nil, err
	}
	a.service = embeddings.NewService(a.engine, ec, cfg.Service, log.Logger)
	return a, nil
}

func hubConfig(ws config.WebSocketConfig) websocket.HubConfig {
	return websocket.HubConfig{
		BroadcastModel:       ws.Events.BroadcastModel,
		BroadcastSystem:      ws.Events.BroadcastSystem,
		BroadcastConnections: ws.Events.BroadcastConnections,
		Username:             ws.Username,
		Password:             ws.Password,
		MaxConnections:       ws.MaxConnections,
		ReadBufferSize:       ws.ReadBufferSize,
		WriteBufferSize:      ws.WriteBufferSize,
		PingInterval:         ws.PingInterval,
		PongTimeout:          ws.PongTimeout,
		WriteTimeout:         ws.WriteTimeout,
		MaxMessageSize:       ws.MaxMessageSize,
		AllowedOrigins:       ws.AllowedOrigins,
	}
}

// reload initializes the engine from paths, or from the configured model
// when paths is nil. A failed reload keeps the previous model serving.
func (a *app) reload(_ context.Context, paths *model.Paths) error {
	a.mu.Lock()
	mc := a.model
	a.mu.Unlock()

	p := mc.Paths
	if paths != nil {
		p = *paths
	}
	if p.Config == "" || p.Tokenizer == "" || p.Weights == "" {
		return apperr.Errorf(apperr.ErrInvalidInput, "model paths are not configured")
	}
	return a.engine.Init(p, mc.EngineOptions())
}

// applyConfig reloads the engine when the model section of a watched
// configuration file changes.
func (a *app) applyConfig(cfg *config.Config) {
	a.mu.Lock()
	changed := a.model != cfg.Model
	a.model = cfg.Model
	a.mu.Unlock()

	if !changed {
		return
	}
	if err := a.reload(context.Background(), nil); err != nil {
		a.logger.Error("Model reload after configuration change failed", zap.Error(err))
	}
}

func (a *app) status() websocket.SystemStatusEvent {
	stats := a.engine.Stats()
	ready := a.engine.Ready()
	status := "healthy"
	if !ready {
		status = "not_ready"
	}
	return websocket.SystemStatusEvent{
		Status:         status,
		Uptime:         time.Since(a.started).Round(time.Second).String(),
		Ready:          ready,
		Generation:     stats.Generation,
		TotalRequests:  stats.TotalRequests,
		FailedRequests: stats.FailedRuns,
		AvgLatencyMS:   float64(stats.AvgInferenceTime) / float64(time.Millisecond),
	}
}

// close shuts down the service, which owns the cache, and then the engine.
func (a *app) close() {
	if err := a.service.Close(); err != nil {
		a.logger.Warn("Failed to close embedding service", zap.Error(err))
	}
	if err := a.engine.Close(); err != nil {
		a.logger.Warn("Failed to close engine", zap.Error(err))
	}
}
