package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/WeedGo-Platform/ai-engine-service-sub001/internal/deployapi"
	"github.com/WeedGo-Platform/ai-engine-service-sub001/internal/health"
	"github.com/WeedGo-Platform/ai-engine-service-sub001/internal/monitor"
	"github.com/WeedGo-Platform/ai-engine-service-sub001/internal/orchestrator"
	"github.com/WeedGo-Platform/ai-engine-service-sub001/internal/statuscache"
	"github.com/WeedGo-Platform/ai-engine-service-sub001/internal/transport"
	server "github.com/WeedGo-Platform/ai-engine-service-sub001/pkg"
	"github.com/WeedGo-Platform/ai-engine-service-sub001/pkg/config"
	"github.com/WeedGo-Platform/ai-engine-service-sub001/pkg/metrics"
	"github.com/WeedGo-Platform/ai-engine-service-sub001/pkg/worker"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve [port]",
	Short: "Start the AI Engine deployment synchronizer",
	Long:  "Starts the deployment-status synchronization engine and its observer API.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		portStr := args[0]
		if !validatePort(portStr) {
			fmt.Fprintf(os.Stderr, "Invalid port: %s\n", portStr)
			os.Exit(1)
		}

		e := echo.New()
		e.HideBanner = true
		e.HidePort = true

		skipper := func(c echo.Context) bool {
			// Skip health check endpoint
			return c.Request().URL.Path == "/health"
		}
		e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
			LogStatus:   true,
			LogMethod:   true,
			LogRemoteIP: true,
			LogURI:      true,
			Skipper:     skipper,
			LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
				zap.S().Infof("| %v | %v | %v | %v", v.RemoteIP, v.Method, v.URI, v.Status)
				return nil
			},
		}))
		e.Use(middleware.CORS())

		e.Use(echoprometheus.NewMiddleware("aiengine"))
		e.GET("/metrics", echoprometheus.NewHandler())

		cfg := config.Get()
		eng := cfg.Engine
		if eng.DeploymentAPIURL == "" {
			zap.S().Fatal("engine.deployment_api_url is required")
		}
		if eng.WebsocketURL == "" {
			zap.S().Fatal("engine.websocket_url is required")
		}

		db, err := server.InitDB(eng.DBPath)
		if err != nil {
			zap.S().Fatalf("Failed to open deployment journal: %v", err)
		}
		prometheus.MustRegister(metrics.NewDeploymentCollector(db))

		cache := statuscache.New(zap.S())
		apiClient := deployapi.NewHTTPClient(eng.DeploymentAPIURL, eng.RequestTimeout)
		channel := transport.NewChannel(transport.Options{
			URL:                  eng.WebsocketURL,
			HeartbeatInterval:    eng.HeartbeatInterval,
			ReconnectBaseDelay:   eng.ReconnectBaseDelay,
			ReconnectMaxDelay:    eng.ReconnectMaxDelay,
			ReconnectMaxAttempts: eng.ReconnectMaxAttempts,
			Logger:               zap.S(),
		})

		orch := orchestrator.New(orchestrator.Options{
			API:        apiClient,
			Cache:      cache,
			Journal:    db,
			MaxRetries: eng.MaxDeployRetries,
			Logger:     zap.S(),
		})
		push := monitor.NewPushMonitor(channel, orch, zap.S())
		poll := monitor.NewPoller(apiClient, orch, eng.PollInterval, zap.S())
		selector := monitor.NewSelector(channel, push, poll, zap.S())
		orch.SetMonitors(selector)
		unwatch := channel.Watch(selector.HandleEvent)
		defer unwatch()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Optional Redis-backed dispatch queue; without it remote calls run
		// on plain goroutines.
		var pool *worker.Pool
		if eng.Redis.Addr != "" {
			queue, err := worker.NewQueue(worker.QueueConfig{
				Addr:     eng.Redis.Addr,
				Password: eng.Redis.Password,
				DB:       eng.Redis.DB,
			}, zap.S())
			if err != nil {
				zap.S().Fatalf("Failed to connect dispatch queue: %v", err)
			}
			defer queue.Close()
			prometheus.MustRegister(metrics.NewQueueCollector(queue))

			pool = worker.NewPool(worker.PoolConfig{
				NumWorkers: eng.NumWorkers,
				Queue:      queue,
				Executor:   orch,
				Logger:     zap.S(),
			})
			pool.Start(ctx)
			orch.SetDispatcher(func(job *worker.Job) {
				if err := queue.Enqueue(context.Background(), job); err != nil {
					zap.S().Errorf("Failed to enqueue job %s: %v", job.ID, err)
					orch.DispatchFailed(job, err)
				}
			})
		}

		healthMon := health.New(apiClient, func() string {
			return config.Get().Engine.ActiveModelID
		}, eng.HealthInterval, zap.S())
		unwatchHealth := healthMon.WatchChannel(channel)
		defer unwatchHealth()
		go healthMon.Start(ctx)

		srv := server.NewServerWithOpts(server.ServerOpts{
			Orchestrator:   orch,
			Cache:          cache,
			HealthMonitor:  healthMon,
			ConfigProvider: config.GlobalProvider{},
		})
		srv.RegisterRoutes(e)

		// The channel drives its own reconnection; a failed first attempt is
		// just the poller's cue.
		go func() {
			if err := channel.Connect(ctx); err != nil {
				zap.S().Warnf("Initial push channel connect failed: %v", err)
			}
		}()

		go func() {
			zap.S().Infof("Starting server on port %s", portStr)
			if err := e.Start(":" + portStr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zap.S().Fatalf("shutting down the server: %v", err)
			}
		}()

		<-ctx.Done()
		zap.S().Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			zap.S().Errorf("Failed to shutdown server: %v", err)
		}
		orch.StopAll()
		if pool != nil {
			pool.Stop()
		}
		if err := channel.Close(); err != nil {
			zap.S().Errorf("Failed to close push channel: %v", err)
		}
		if err := srv.Wait(shutdownCtx); err != nil {
			zap.S().Errorf("Failed to wait for server shutdown: %v", err)
		}
	},
}

func validatePort(port string) bool {
	if port == "" {
		return false
	}
	portInt, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	if portInt < 1 || portInt > 65535 {
		return false
	}
	return true
}
