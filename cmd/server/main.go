package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexiqai/flow-engine/internal/config"
	"github.com/lexiqai/flow-engine/internal/flow"
	"github.com/lexiqai/flow-engine/internal/gateway"
	"github.com/lexiqai/flow-engine/internal/llm"
	"github.com/lexiqai/flow-engine/internal/observability"
	"github.com/lexiqai/flow-engine/internal/stt"
	"github.com/lexiqai/flow-engine/internal/tts"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// fmt for fatal errors before the logger exists
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("flow_path", cfg.FlowPath).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Flow Engine Service starting")

	registry := flow.NewRegistry()
	if err := registerBuiltins(registry); err != nil {
		logger.Fatal().Err(err).Msg("Failed to register built-in functions")
	}

	def, err := flow.Load(cfg.FlowPath, registry)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.FlowPath).Msg("Failed to load flow definition")
	}
	logger.Info().
		Str("flow_id", def.ID).
		Str("version", def.Version).
		Int("nodes", len(def.Nodes)).
		Msg("Flow definition loaded")

	llmClient, err := llm.NewClient(llm.Config{
		APIKey:              cfg.OpenAIAPIKey,
		Model:               cfg.OpenAIModel,
		BreakerMaxFailures:  cfg.CircuitBreakerMaxFailures,
		BreakerResetTimeout: cfg.CircuitBreakerResetTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create OpenAI client")
	}

	sttClient, err := stt.NewClient(stt.Config{
		APIKey:              cfg.DeepgramAPIKey,
		Model:               cfg.DeepgramModel,
		Language:            cfg.DeepgramLanguage,
		BreakerMaxFailures:  cfg.CircuitBreakerMaxFailures,
		BreakerResetTimeout: cfg.CircuitBreakerResetTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Deepgram client")
	}

	ttsClient, err := tts.NewClient(tts.Config{
		APIKey:              cfg.CartesiaAPIKey,
		VoiceID:             cfg.CartesiaVoiceID,
		ModelID:             cfg.CartesiaModelID,
		BreakerMaxFailures:  cfg.CircuitBreakerMaxFailures,
		BreakerResetTimeout: cfg.CircuitBreakerResetTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Cartesia client")
	}

	engine := flow.NewEngine(def, llmClient, sttClient, ttsClient, registry, flow.Options{
		TranscribeTimeout:  time.Duration(cfg.TranscribeTimeout) * time.Second,
		LLMTimeout:         time.Duration(cfg.LLMTimeout) * time.Second,
		SynthesizeTimeout:  time.Duration(cfg.SynthesizeTimeout) * time.Second,
		FunctionTimeout:    time.Duration(cfg.FunctionTimeout) * time.Second,
		SilenceThreshold:   time.Duration(cfg.SilenceThresholdMs) * time.Millisecond,
		MinSpeechDuration:  time.Duration(cfg.MinSpeechDurationMs) * time.Millisecond,
		AllowInterruptions: cfg.AllowInterruptions,
	})

	gw := gateway.New(engine, gateway.Config{
		VADEnergyThreshold: cfg.VADEnergyThreshold,
		AudioBufferSize:    cfg.AudioBufferSize,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.Handler())
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"openai":   llmClient.HealthCheck,
		"deepgram": sttClient.HealthCheck,
		"cartesia": ttsClient.HealthCheck,
	}))

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/ws", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Int("active_sessions", engine.SessionCount()).Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}

// registerBuiltins installs the handlers available to every flow.
// Deployment-specific handlers belong in the embedding service.
func registerBuiltins(registry *flow.Registry) error {
	err := registry.Register("get_current_time", func(ctx context.Context, params map[string]string) (any, error) {
		layout := params["layout"]
		if layout == "" {
			layout = time.RFC1123
		}
		return time.Now().Format(layout), nil
	})
	if err != nil {
		return err
	}

	return registry.Register("wait", func(ctx context.Context, params map[string]string) (any, error) {
		d, err := time.ParseDuration(params["duration"])
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q: %w", params["duration"], err)
		}
		select {
		case <-time.After(d):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}
