package pkg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/WeedGo-Platform/ai-engine-service-sub001/internal/deployapi"
	"github.com/WeedGo-Platform/ai-engine-service-sub001/internal/health"
	"github.com/WeedGo-Platform/ai-engine-service-sub001/internal/orchestrator"
	"github.com/WeedGo-Platform/ai-engine-service-sub001/internal/statuscache"
	"github.com/WeedGo-Platform/ai-engine-service-sub001/internal/transport"
	"github.com/WeedGo-Platform/ai-engine-service-sub001/pkg/api"
	"github.com/WeedGo-Platform/ai-engine-service-sub001/pkg/config"
	"github.com/WeedGo-Platform/ai-engine-service-sub001/pkg/models"
	"github.com/WeedGo-Platform/ai-engine-service-sub001/pkg/utils"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"k8s.io/utils/keymutex"
)

// Server exposes the engine's view of deployments to observers over REST and
// a WebSocket relay of the status cache fan-out.
type Server struct {
	orch     *orchestrator.Orchestrator
	cache    *statuscache.Cache
	health   *health.Monitor
	confProv config.Provider
	kmu      keymutex.KeyMutex
	upgrader websocket.Upgrader
	wg       sync.WaitGroup
}

// ServerOpts holds the dependencies needed to construct a Server.
type ServerOpts struct {
	Orchestrator   *orchestrator.Orchestrator
	Cache          *statuscache.Cache
	HealthMonitor  *health.Monitor
	ConfigProvider config.Provider
	KeyMutex       keymutex.KeyMutex
}

// NewServerWithOpts creates a Server from explicitly provided dependencies.
// KeyMutex defaults to a hashed key mutex if not provided.
func NewServerWithOpts(opts ServerOpts) *Server {
	kmu := opts.KeyMutex
	if kmu == nil {
		kmu = keymutex.NewHashed(20)
	}
	return &Server{
		orch:     opts.Orchestrator,
		cache:    opts.Cache,
		health:   opts.HealthMonitor,
		confProv: opts.ConfigProvider,
		kmu:      kmu,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// RegisterRoutes wires all handlers onto e.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", s.GetHealth)
	e.POST("/deployments", s.DeployModel)
	e.GET("/deployments", s.ListDeployments)
	e.GET("/deployments/:id", s.GetDeployment)
	e.POST("/deployments/:id/retry", s.RetryDeployment)
	e.POST("/deployments/:id/rollback", s.RollbackDeployment)
	e.GET("/deployments/:id/logs", s.GetDeploymentLogs)
	e.GET("/deployments/:id/watch", s.WatchDeployment)
	e.DELETE("/models/:id", s.DeleteModel)
	e.GET("/models/:id/health", s.GetModelHealth)
	e.POST("/models/:id/test", s.TestModel)
}

// Wait blocks until all background goroutines have completed.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) GetHealth(ctx echo.Context) error {
	return ctx.JSON(200, map[string]string{"status": "ok"})
}

func (s *Server) DeployModel(ctx echo.Context) error {
	var req api.DeployRequest
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(400, api.Error{Message: utils.Ptr("Invalid request")})
	}
	zap.S().Infof("Deploy request received for model %s", req.ModelID)

	d, err := s.orch.DeployModel(orchestrator.DeployConfig{ModelID: req.ModelID, Config: req.Config})
	if err != nil {
		if errors.Is(err, orchestrator.ErrMissingModelID) {
			return ctx.JSON(400, api.Error{Message: utils.Ptr(err.Error())})
		}
		zap.S().Errorf("Deploy failed: %v", err)
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Deploy failed: %v", err))})
	}
	return ctx.JSON(201, d)
}

func (s *Server) ListDeployments(ctx echo.Context) error {
	return ctx.JSON(200, s.orch.ListDeployments())
}

func (s *Server) GetDeployment(ctx echo.Context) error {
	d, err := s.orch.GetDeployment(ctx.Param("id"))
	if err != nil {
		return ctx.JSON(404, api.Error{Message: utils.Ptr("No deployment found")})
	}
	return ctx.JSON(200, d)
}

func (s *Server) RetryDeployment(ctx echo.Context) error {
	id := ctx.Param("id")
	s.kmu.LockKey(id)
	defer func() { _ = s.kmu.UnlockKey(id) }()

	d, err := s.orch.RetryDeployment(id)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrNotFound):
			return ctx.JSON(404, api.Error{Message: utils.Ptr("No deployment found")})
		case errors.Is(err, orchestrator.ErrMaxRetries),
			errors.Is(err, orchestrator.ErrInvalidTransition):
			return ctx.JSON(409, api.Error{Message: utils.Ptr(err.Error())})
		}
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Retry failed: %v", err))})
	}
	return ctx.JSON(200, d)
}

func (s *Server) RollbackDeployment(ctx echo.Context) error {
	id := ctx.Param("id")
	s.kmu.LockKey(id)
	defer func() { _ = s.kmu.UnlockKey(id) }()

	d, err := s.orch.RollbackDeployment(ctx.Request().Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrNotFound):
			return ctx.JSON(404, api.Error{Message: utils.Ptr("No deployment found")})
		case errors.Is(err, orchestrator.ErrInvalidTransition):
			return ctx.JSON(409, api.Error{Message: utils.Ptr(err.Error())})
		}
		zap.S().Errorf("Rollback of deployment %s failed: %v", id, err)
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Rollback failed: %v", err))})
	}
	return ctx.JSON(200, d)
}

func (s *Server) DeleteModel(ctx echo.Context) error {
	modelID := ctx.Param("id")
	cleanup := true
	if raw := ctx.QueryParam("cleanup"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return ctx.JSON(400, api.Error{Message: utils.Ptr("Invalid cleanup flag")})
		}
		cleanup = parsed
	}

	if err := s.orch.DeleteModel(ctx.Request().Context(), modelID, cleanup); err != nil {
		zap.S().Errorf("Delete of model %s failed: %v", modelID, err)
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Delete failed: %v", err))})
	}
	return ctx.NoContent(200)
}

func (s *Server) GetDeploymentLogs(ctx echo.Context) error {
	id := ctx.Param("id")
	opts := deployapi.LogOptions{Level: ctx.QueryParam("level")}
	if raw := ctx.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return ctx.JSON(400, api.Error{Message: utils.Ptr("Invalid limit")})
		}
		opts.Limit = limit
	}
	if raw := ctx.QueryParam("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return ctx.JSON(400, api.Error{Message: utils.Ptr("Invalid since timestamp")})
		}
		opts.Since = since
	}

	logs, err := s.orch.GetDeploymentLogs(ctx.Request().Context(), id, opts)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return ctx.JSON(404, api.Error{Message: utils.Ptr("No deployment found")})
		}
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Log fetch failed: %v", err))})
	}
	return ctx.JSON(200, logs)
}

func (s *Server) GetModelHealth(ctx echo.Context) error {
	modelID := ctx.Param("id")
	h, err := s.orch.GetModelHealth(ctx.Request().Context(), modelID)
	if err != nil {
		// Observability read: degrade to the monitor's latest snapshot
		// rather than propagating.
		if latest := s.health.Latest(); latest != nil && latest.ModelID == modelID {
			zap.S().Warnf("Health fetch for model %s failed, serving cached snapshot: %v", modelID, err)
			return ctx.JSON(200, latest)
		}
		return ctx.JSON(502, api.Error{Message: utils.Ptr("Model health unavailable")})
	}
	return ctx.JSON(200, h)
}

func (s *Server) TestModel(ctx echo.Context) error {
	var req api.TestRequest
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(400, api.Error{Message: utils.Ptr("Invalid request")})
	}
	result, err := s.orch.TestModel(ctx.Request().Context(), ctx.Param("id"), req.Prompt)
	if err != nil {
		return ctx.JSON(502, api.Error{Message: utils.Ptr(fmt.Sprintf("Model test failed: %v", err))})
	}
	return ctx.JSON(200, result)
}

// WatchDeployment upgrades to WebSocket and relays every status update for
// one deployment, starting with the current snapshot.
func (s *Server) WatchDeployment(ctx echo.Context) error {
	id := ctx.Param("id")
	if _, ok := s.cache.Get(id); !ok {
		return ctx.JSON(404, api.Error{Message: utils.Ptr("No deployment found")})
	}

	conn, err := s.upgrader.Upgrade(ctx.Response(), ctx.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	updates := make(chan *models.Deployment, 64)
	unsub := s.cache.OnStatusUpdate(id, func(d *models.Deployment) {
		select {
		case updates <- d:
		default:
			// Slow consumer: drop rather than stall the notifier.
		}
	})
	defer unsub()

	if d, ok := s.cache.Get(id); ok {
		if err := writeSnapshot(conn, d); err != nil {
			return nil
		}
	}

	done := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return nil
		case d := <-updates:
			if err := writeSnapshot(conn, d); err != nil {
				return nil
			}
		}
	}
}

func writeSnapshot(conn *websocket.Conn, d *models.Deployment) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return conn.WriteJSON(transport.Envelope{
		Type:      transport.MsgDeploymentStatus,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
}
