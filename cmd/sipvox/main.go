// Command sipvox is the SIP voice gateway: it registers a SIP account,
// bridges call audio to a conversational backend and exposes a REST control
// plane for outbound calls and transfers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/flametree-ai/sipvox/internal/app"
	"github.com/flametree-ai/sipvox/internal/config"
	"github.com/flametree-ai/sipvox/internal/health"
	"github.com/flametree-ai/sipvox/internal/observe"
	"github.com/flametree-ai/sipvox/internal/server"
	"github.com/flametree-ai/sipvox/internal/trunk"
	"github.com/flametree-ai/sipvox/pkg/provider/stt/whisper"
	vadp "github.com/flametree-ai/sipvox/pkg/provider/vad"
	"github.com/flametree-ai/sipvox/pkg/provider/vad/energy"
	"github.com/flametree-ai/sipvox/pkg/provider/vad/silero"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (optional; environment variables apply on top)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "sipvox: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "sipvox: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, level, err := newLogger(cfg.LogLevel, cfg.LogFilename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sipvox: %v\n", err)
		return 1
	}
	slog.SetDefault(logger)

	slog.Info("sipvox starting",
		"config", *configPath,
		"backend_url", cfg.BackendURL,
		"log_level", cfg.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "sipvox"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	providers, cleanup, err := buildProviders(ctx, cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	defer cleanup()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Control plane ─────────────────────────────────────────────────────────
	checks := health.New([]health.Probe{
		{
			Name: "backend",
			Check: func(ctx context.Context) error {
				_, err := application.Backend().Capabilities(ctx)
				return err
			},
		},
		{
			Name:  "sip",
			Check: func(context.Context) error { return application.SIPHealth() },
		},
	}, health.WithLiveCalls(application.LiveCalls))
	restSrv := server.New(server.Config{
		Addr:  fmt.Sprintf(":%d", cfg.RESTAPIPort),
		Token: cfg.AuthorizationToken,
	}, application, server.WithHealth(checks))

	srvErr := make(chan error, 1)
	go func() { srvErr <- restSrv.ListenAndServe() }()
	slog.Info("rest control plane listening", "port", cfg.RESTAPIPort)

	// ── Config hot reload ─────────────────────────────────────────────────────
	watchPath := *configPath
	if watchPath == "" {
		watchPath = os.Getenv("CONFIG_FILE")
	}
	var watcher *config.Watcher
	if watchPath != "" {
		watcher, err = config.NewWatcher(watchPath, func(old, new *config.Config) {
			d := config.Compare(old, new)
			if d.Empty() {
				return
			}
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level updated", "log_level", d.NewLogLevel)
			}
			application.ApplyDiff(d)
		})
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		}
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	// ── Wait ──────────────────────────────────────────────────────────────────
	select {
	case <-ctx.Done():
	case err := <-srvErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("rest server error", "err", err)
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if watcher != nil {
		watcher.Stop()
	}
	if err := restSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("rest server shutdown error", "err", err)
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildProviders assembles the telephony endpoint, VAD engine and optional
// local transcriber from the configuration. The returned cleanup releases
// provider resources not owned by the application.
func buildProviders(ctx context.Context, cfg *config.Config) (app.Providers, func(), error) {
	var (
		providers app.Providers
		closers   []io.Closer
	)
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				slog.Warn("provider close error", "err", err)
			}
		}
	}

	if cfg.UseLocalSTT {
		var opts []whisper.Option
		if cfg.WhisperLanguage != "" {
			opts = append(opts, whisper.WithLanguage(cfg.WhisperLanguage))
		}
		engine, err := whisper.New(cfg.WhisperModelPath, opts...)
		if err != nil {
			cleanup()
			return app.Providers{}, nil, fmt.Errorf("create whisper transcriber: %w", err)
		}
		closers = append(closers, engine)
		providers.Transcriber = engine
		slog.Info("provider created", "kind", "stt", "name", "whisper", "model", filepath.Base(cfg.WhisperModelPath))
	}

	if !cfg.SIPConfigured() {
		slog.Warn("sip account not configured — running with the REST control plane only")
		return providers, cleanup, nil
	}

	vadEngine, err := buildVAD(ctx, cfg)
	if err != nil {
		cleanup()
		return app.Providers{}, nil, err
	}
	providers.VAD = vadEngine

	endpoint, err := trunk.New(trunk.Config{
		User:            cfg.SIPUser,
		Login:           cfg.SIPLogin,
		Domain:          cfg.SIPDomain,
		Password:        cfg.SIPPassword,
		CallerID:        cfg.SIPCallerID,
		Port:            cfg.SIPPort,
		UseTCP:          cfg.UseTCP,
		UseICE:          cfg.UseICE,
		STUNServers:     cfg.STUNServers,
		ProxyURIs:       cfg.ProxyServers,
		MaxCalls:        cfg.MaxCalls,
		CodecPriorities: cfg.CodecsPriority,
		FrameTime:       cfg.FrameTime(),
		PipelineRate:    cfg.VADSamplingRate,
	})
	if err != nil {
		cleanup()
		return app.Providers{}, nil, fmt.Errorf("create sip endpoint: %w", err)
	}
	// The application owns the endpoint and closes it during Shutdown.
	providers.Endpoint = endpoint
	slog.Info("provider created", "kind", "telephony", "name", "sip",
		"account", cfg.SIPUser+"@"+cfg.SIPDomain)
	return providers, cleanup, nil
}

// buildVAD selects the speech detector: Silero when a model is configured
// (downloading it on first start), the energy detector otherwise.
func buildVAD(ctx context.Context, cfg *config.Config) (vadp.Engine, error) {
	if cfg.VADModelPath == "" {
		slog.Info("provider created", "kind", "vad", "name", "energy")
		return energy.New(), nil
	}
	if err := silero.EnsureModel(ctx, cfg.VADModelPath, cfg.VADModelURL); err != nil {
		return nil, fmt.Errorf("fetch vad model: %w", err)
	}
	engine, err := silero.New(cfg.VADModelPath)
	if err != nil {
		return nil, fmt.Errorf("create silero vad: %w", err)
	}
	slog.Info("provider created", "kind", "vad", "name", "silero",
		"model", filepath.Base(cfg.VADModelPath))
	return engine, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	sipAccount := "(disabled)"
	if cfg.SIPConfigured() {
		sipAccount = cfg.SIPUser + "@" + cfg.SIPDomain
	}
	vadName := "energy"
	if cfg.VADModelPath != "" {
		vadName = "silero"
	}
	stt := "backend"
	if cfg.UseLocalSTT {
		stt = "whisper (local)"
	}
	inbound := "rejected"
	if cfg.AllowInboundCalls {
		inbound = "accepted"
	}

	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          sipvox — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printField("Backend", cfg.BackendURL)
	printField("SIP account", sipAccount)
	printField("Inbound calls", inbound)
	printField("VAD", vadName)
	printField("STT", stt)
	printField("Max calls", fmt.Sprintf("%d", cfg.MaxCalls))
	printField("REST port", fmt.Sprintf("%d", cfg.RESTAPIPort))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printField(name, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", name, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger. The returned LevelVar lets the config
// watcher retune verbosity at runtime; when filename is set, log lines go to
// both stderr and the file.
func newLogger(level config.LogLevel, filename string) (*slog.Logger, *slog.LevelVar, error) {
	lvl := new(slog.LevelVar)
	lvl.Set(slogLevel(level))

	var w io.Writer = os.Stderr
	if filename != "" {
		if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		// The sink stays open for the life of the process.
		w = io.MultiWriter(os.Stderr, f)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), lvl, nil
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
