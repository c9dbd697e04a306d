// Command crosstalk is the overlap diarization pipeline server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/mykolastupakov-spsoft/crosstalk/internal/cache"
	"github.com/mykolastupakov-spsoft/crosstalk/internal/config"
	"github.com/mykolastupakov-spsoft/crosstalk/internal/health"
	"github.com/mykolastupakov-spsoft/crosstalk/internal/history"
	"github.com/mykolastupakov-spsoft/crosstalk/internal/observe"
	"github.com/mykolastupakov-spsoft/crosstalk/internal/orchestrator"
	"github.com/mykolastupakov-spsoft/crosstalk/internal/server"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/provider/asr"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/provider/asr/azure"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/provider/asr/speechmatics"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/provider/chat"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/provider/chat/anyllm"
	chatopenai "github.com/mykolastupakov-spsoft/crosstalk/pkg/provider/chat/openai"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/provider/separation"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/provider/separation/audioshake"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/provider/separation/pyannote"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/provider/separation/speechbrain"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/types"
)

// openRouterBaseURL is the OpenAI-compatible endpoint the remote chat modes
// speak to.
const openRouterBaseURL = "https://openrouter.ai/api/v1"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "path to the env file with vendor credentials")
	flag.Parse()

	// Credentials live in the environment; the env file just seeds it.
	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "crosstalk: load env file %q: %v\n", *envPath, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "crosstalk: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("crosstalk starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Observability ─────────────────────────────────────────────────────────
	shutdownObserve, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownObserve(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics := observe.DefaultMetrics()

	// ── Caches ────────────────────────────────────────────────────────────────
	caches, err := openCaches(cfg.Paths.CacheDir)
	if err != nil {
		slog.Error("failed to open caches", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Run history (optional) ────────────────────────────────────────────────
	var hist *history.Store
	if dsn := os.Getenv("CROSSTALK_HISTORY_DSN"); dsn != "" {
		hist, err = history.NewStore(ctx, dsn)
		if err != nil {
			slog.Error("failed to open run history store", "err", err)
			return 1
		}
		defer hist.Close()
		slog.Info("run history store connected")
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, *cfg)

	// ── Orchestrator and HTTP server ──────────────────────────────────────────
	orchOpts := []orchestrator.Option{
		orchestrator.WithMetrics(metrics),
		orchestrator.WithLogger(logger),
	}
	srvOpts := []server.Option{
		server.WithMetrics(metrics),
		server.WithLogger(logger),
		// Readiness tracks the default request path: the fast chat model and
		// the Speechmatics transcriber must be constructible from the live
		// environment.
		server.WithReadyCheck(health.ProviderChecker(func(context.Context) error {
			rc := config.Snapshot()
			if _, err := reg.CreateChat(types.LLMModeFast, rc); err != nil {
				return err
			}
			_, err := reg.CreateASR(types.EngineSpeechmaticsBatch, rc)
			return err
		})),
	}
	if hist != nil {
		orchOpts = append(orchOpts, orchestrator.WithHistory(hist))
		srvOpts = append(srvOpts, server.WithHistory(hist))
	}
	orch := orchestrator.New(*cfg, reg, caches, orchOpts...)
	srv := server.New(*cfg, orch, caches, srvOpts...)

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server ready — press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		slog.Error("server error", "err", err)
		return 1
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// version is stamped by the release build; "dev" otherwise.
var version = "dev"

// ─── Provider wiring ──────────────────────────────────────────────────────────

// registerBuiltinProviders wires every shipped back-end into reg. Factories
// receive the per-request environment snapshot so rotated credentials and
// model IDs take effect without a restart.
func registerBuiltinProviders(reg *config.Registry, cfg config.Config) {
	// ── ASR ───────────────────────────────────────────────────────────────────
	reg.RegisterASR(types.EngineSpeechmaticsBatch, func(rc config.RunConfig) (asr.Transcriber, error) {
		return speechmatics.New(rc.SpeechmaticsAPIKey)
	})
	reg.RegisterASR(types.EngineAzureBatch, func(rc config.RunConfig) (asr.Transcriber, error) {
		return azure.NewBatch(rc.AzureSpeechKey, rc.AzureSpeechRegion)
	})
	reg.RegisterASR(types.EngineAzureRealtime, func(rc config.RunConfig) (asr.Transcriber, error) {
		return azure.NewRealtime(rc.AzureSpeechKey, rc.AzureSpeechRegion)
	})

	// ── Separation ────────────────────────────────────────────────────────────
	reg.RegisterSeparator(types.PipelineAudioShake, func(rc config.RunConfig) (separation.Separator, error) {
		return audioshake.New(rc.AudioShakeAPIKey)
	})
	reg.RegisterSeparator(types.PipelinePyAnnote, func(rc config.RunConfig) (separation.Separator, error) {
		return pyannote.New(cfg.Pipeline.PyAnnoteScript, rc.HuggingFaceToken,
			pyannote.WithPython(cfg.Pipeline.PythonBin))
	})
	reg.RegisterSeparator(types.PipelineSpeechBrain, func(rc config.RunConfig) (separation.Separator, error) {
		return speechbrain.New(cfg.Pipeline.SpeechBrainScript,
			speechbrain.WithPython(cfg.Pipeline.PythonBin))
	})

	// ── Chat LLM ──────────────────────────────────────────────────────────────
	for _, mode := range []types.LLMMode{
		types.LLMModeFast, types.LLMModeSmart, types.LLMModeSmart2,
		types.LLMModeTest, types.LLMModeTest2,
	} {
		reg.RegisterChat(mode, func(rc config.RunConfig) (chat.Model, error) {
			model, err := rc.ModelID(mode)
			if err != nil {
				return nil, err
			}
			opts := []chatopenai.Option{chatopenai.WithBaseURL(openRouterBaseURL)}
			if mode == types.LLMModeSmart2 {
				opts = append(opts, chatopenai.WithReasoning())
			}
			return chatopenai.New(rc.OpenRouterAPIKey, model, opts...)
		})
	}
	reg.RegisterChat(types.LLMModeLocal, func(rc config.RunConfig) (chat.Model, error) {
		model, err := rc.ModelID(types.LLMModeLocal)
		if err != nil {
			return nil, err
		}
		return chatopenai.New(rc.LocalAPIKey, model, chatopenai.WithBaseURL(rc.LocalBaseURL))
	})
	reg.RegisterChat(types.LLMModeGemini25, func(rc config.RunConfig) (chat.Model, error) {
		model, err := rc.ModelID(types.LLMModeGemini25)
		if err != nil {
			return nil, err
		}
		return anyllm.NewGemini(model, anyllmlib.WithAPIKey(rc.GeminiAPIKey))
	})
}

// openCaches creates the four cache stores under root.
func openCaches(root string) (orchestrator.Caches, error) {
	var (
		caches orchestrator.Caches
		err    error
	)
	if caches.Diarization, err = cache.NewStore(filepath.Join(root, "diarization_results")); err != nil {
		return caches, err
	}
	if caches.Separation, err = cache.NewStore(filepath.Join(root, "separation")); err != nil {
		return caches, err
	}
	if caches.LLM, err = cache.NewStore(filepath.Join(root, "llm_responses")); err != nil {
		return caches, err
	}
	if caches.Roles, err = cache.NewStore(filepath.Join(root, "role_analysis")); err != nil {
		return caches, err
	}
	return caches, nil
}

// ─── Logger ───────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
