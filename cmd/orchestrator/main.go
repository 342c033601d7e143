// Command orchestrator is the mesh's process entry point: it brings up
// observability, the Event Broker, and the Orchestrator Agent
// (internal/orchestratoragent), then serves health and metrics over HTTP
// until asked to stop.
//
// HTTP health/metrics bring-up and shutdown follow a signal-driven
// lifecycle: SIGINT/SIGTERM cancels the root context, which unwinds the
// health server, the orchestrator agent, and the broker in that order.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amcp-mesh/orchestrator/internal/broker"
	"github.com/amcp-mesh/orchestrator/internal/config"
	"github.com/amcp-mesh/orchestrator/internal/llm"
	"github.com/amcp-mesh/orchestrator/internal/llm/vertexai"
	"github.com/amcp-mesh/orchestrator/internal/observability"
	"github.com/amcp-mesh/orchestrator/internal/orchestratoragent"
)

func main() {
	if err := run(); err != nil {
		slog.Error("orchestrator: fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	appConfig := config.Load()

	obs, err := observability.NewObservability(observability.DefaultConfig(appConfig.Observability.ServiceName))
	if err != nil {
		return fmt.Errorf("observability setup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			obs.Logger.Error("observability shutdown failed", "error", err)
		}
	}()
	logger := obs.Logger

	metricsManager, err := observability.NewMetricsManager(obs.Meter)
	if err != nil {
		return fmt.Errorf("metrics setup: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	br := broker.NewMemoryBroker(broker.Config{
		QueueDepth:       64,
		DropPolicy:       broker.DropOldest,
		StrictValidation: appConfig.Broker.StrictValidation,
		DeliveryGrace:    5 * time.Second,
	}, logger, obs.Tracer)
	if err := br.Start(ctx); err != nil {
		return fmt.Errorf("broker start: %w", err)
	}
	defer br.Stop(context.Background())

	llmClient := newLLMClient(ctx, logger)
	orch := orchestratoragent.New(br, appConfig, llmClient, logger)
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("orchestrator agent start: %w", err)
	}
	defer orch.Stop(context.Background())

	if path := os.Getenv("AMCP_CAPABILITY_FILE"); path != "" {
		if _, seeds, err := config.LoadFile(path, appConfig); err != nil {
			logger.WarnContext(ctx, "failed to load capability catalogue seed file", "path", path, "error", err)
		} else {
			orchestratoragent.SeedRegistry(orch.Registry(), seeds, logger)
		}
	}

	go metricsTick(ctx, metricsManager)

	healthServer := observability.NewHealthServer(appConfig.Observability.HealthPort, appConfig.Observability.ServiceName, appConfig.Observability.ServiceVersion)
	healthServer.AddChecker("broker", observability.NewBrokerHealthChecker("broker", br, 0.5))
	healthServer.AddChecker("registry", observability.NewBasicHealthChecker("registry", func(ctx context.Context) error {
		if orch.Registry().HealthyCount() == 0 && len(orch.Registry().Snapshot()) > 0 {
			return errors.New("no healthy agents registered")
		}
		return nil
	}))
	go func() {
		if err := healthServer.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server stopped unexpectedly", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		healthServer.Shutdown(shutdownCtx)
	}()

	logger.InfoContext(ctx, "orchestrator started",
		"service", appConfig.Observability.ServiceName,
		"health_port", appConfig.Observability.HealthPort,
		"broker_type", appConfig.Broker.Type,
	)

	<-ctx.Done()
	logger.Info("orchestrator shutting down")
	return nil
}

// metricsTick samples process-wide gauges on a fixed interval. Registry
// and correlation sweeps run on internal/sweeper's cron scheduler inside
// orchestratoragent; this one lives here because it has no natural owner
// besides the process itself.
func metricsTick(ctx context.Context, mm *observability.MetricsManager) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mm.UpdateSystemMetrics(ctx)
		}
	}
}

// newLLMClient picks a concrete llm.Client: Vertex AI when GCP_PROJECT is
// configured, a deterministic mock otherwise so the mesh runs fully
// offline by default.
func newLLMClient(ctx context.Context, logger *slog.Logger) llm.Client {
	if os.Getenv("GCP_PROJECT") == "" {
		logger.InfoContext(ctx, "GCP_PROJECT not set, using mock LLM client")
		return llm.NewMockClient()
	}

	client, err := vertexai.NewClient(ctx, vertexai.NewConfigFromEnv(), logger)
	if err != nil {
		logger.WarnContext(ctx, "failed to create vertex ai client, falling back to mock", "error", err)
		return llm.NewMockClient()
	}
	return client
}
