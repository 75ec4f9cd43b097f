package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/neighbor/internal/classifier"
	"github.com/fyrsmithlabs/neighbor/internal/config"
	"github.com/fyrsmithlabs/neighbor/internal/confirm"
	"github.com/fyrsmithlabs/neighbor/internal/dedup"
	"github.com/fyrsmithlabs/neighbor/internal/eventbus"
	httpserver "github.com/fyrsmithlabs/neighbor/internal/http"
	"github.com/fyrsmithlabs/neighbor/internal/inference"
	"github.com/fyrsmithlabs/neighbor/internal/logging"
	"github.com/fyrsmithlabs/neighbor/internal/pipeline"
	"github.com/fyrsmithlabs/neighbor/internal/remediation"
	"github.com/fyrsmithlabs/neighbor/internal/session"
	"github.com/fyrsmithlabs/neighbor/internal/signature"
	"github.com/fyrsmithlabs/neighbor/internal/source"
	"github.com/fyrsmithlabs/neighbor/internal/statestore"
	"github.com/fyrsmithlabs/neighbor/internal/telemetry"
)

// run starts neighbord and blocks until ctx is cancelled or a component
// fails.
//
// Components are built bottom-up:
//  1. Configuration, logger and telemetry
//  2. State store, signature store and classifier
//  3. Deduplicator, remediation orchestrator, confirmation monitor
//  4. Session manager and event fan-out (SSE, optional NATS)
//  5. Source follower feeding the pipeline, and the HTTP API
//
// Shutdown runs in reverse order and every failure is returned.
func run(ctx context.Context, cfgPath string) (err error) {
	cfg, err := config.LoadWithFile(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zl := logger.Underlying()

	logger.Info(ctx, "starting neighbord",
		zap.String("version", version),
		zap.String("source", cfg.Source.Kind),
		zap.Int("port", cfg.Server.Port))

	if version != "dev" {
		cfg.Telemetry.ServiceVersion = version
	}
	tel, err := telemetry.New(ctx, &cfg.Telemetry, zl.Named("telemetry"))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Telemetry.ShutdownTimeout)
		defer cancel()
		err = errors.Join(err, tel.Shutdown(shutdownCtx))
	}()

	state, err := statestore.Open(stateConfig(cfg.State, zl.Named("statestore")))
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer func() {
		err = errors.Join(err, state.Close())
	}()

	signatures := signature.NewStore(zl.Named("signature"))
	watcher, err := loadSignatures(cfg.Signatures, signatures, zl.Named("signature"))
	if err != nil {
		return err
	}
	if watcher != nil {
		watcher.Start(ctx)
		defer watcher.Stop()
	}
	logger.Info(ctx, "signatures loaded",
		zap.Int("count", signatures.Len()),
		zap.Uint64("version", signatures.Version()))

	inferer, err := newInferer(cfg.Inference, zl.Named("inference"))
	if err != nil {
		return fmt.Errorf("failed to initialize inference: %w", err)
	}

	minSeverity, err := source.ParseSeverity(cfg.Classifier.MinSeverity)
	if err != nil {
		return fmt.Errorf("invalid classifier.min_severity: %w", err)
	}
	cls, err := classifier.New(signatures, inferer, classifier.Config{
		Threshold:        cfg.Classifier.Threshold,
		InferenceTimeout: cfg.Classifier.InferenceTimeout,
		MinSeverity:      minSeverity,
		SemanticAll:      cfg.Classifier.Semantic,
		Logger:           zl.Named("classifier"),
		Telemetry:        tel,
	})
	if err != nil {
		return fmt.Errorf("failed to create classifier: %w", err)
	}

	windows, err := tierWindows(cfg.Dedup.TierWindows)
	if err != nil {
		return err
	}
	dd := dedup.New(dedup.Config{
		Window:      cfg.Dedup.Window,
		TierWindows: windows,
		StormRate:   cfg.Dedup.StormRate,
		StormBurst:  cfg.Dedup.StormBurst,
		Logger:      zl.Named("dedup"),
		Telemetry:   tel,
	}, state)
	if err := dd.Load(); err != nil {
		logger.Warn(ctx, "failed to restore cooldowns", zap.Error(err))
	}
	defer func() {
		err = errors.Join(err, dd.Close())
	}()

	orch, err := remediation.NewOrchestrator(&remediation.ShellExecutor{
		Shell:   cfg.Remediation.Shell,
		Timeout: cfg.Remediation.ExecTimeout,
		Tail:    cfg.Remediation.OutputTail,
		Logger:  zl.Named("exec"),
	}, remediation.Config{Logger: zl.Named("remediation"), Telemetry: tel})
	if err != nil {
		return fmt.Errorf("failed to create remediation orchestrator: %w", err)
	}

	monitor := confirm.NewMonitor(confirm.Config{
		Window:    cfg.Confirm.Window,
		Logger:    zl.Named("confirm"),
		Telemetry: tel,
	})

	sessions, err := session.NewManager(orch, monitor, session.Config{
		EventBuffer: cfg.Session.EventBuffer,
		Logger:      logger.Named("session"),
		Telemetry:   tel,
	})
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}

	broadcaster := eventbus.NewBroadcaster(cfg.Session.EventBuffer)
	defer broadcaster.Close()
	sinks := []eventbus.Sink{broadcaster}

	if cfg.NATS.Enabled {
		nc, err := connectNATS(cfg.NATS)
		if err != nil {
			return err
		}
		defer nc.Close()
		sinks = append(sinks, eventbus.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix))
		sub, err := eventbus.SubscribeIntents(nc, cfg.NATS.SubjectPrefix, sessions, 0, zl.Named("nats"))
		if err != nil {
			return fmt.Errorf("failed to subscribe to intents: %w", err)
		}
		defer func() {
			_ = sub.Unsubscribe()
		}()
		logger.Info(ctx, "connected to NATS",
			zap.String("url", cfg.NATS.URL),
			zap.String("subject_prefix", cfg.NATS.SubjectPrefix))
	}

	src, err := newSource(cfg.Source, zl.Named("source"))
	if err != nil {
		return err
	}
	follower := source.NewFollower(src, state, source.FollowerConfig{
		BackoffInitial: cfg.Source.BackoffInitial,
		BackoffMax:     cfg.Source.BackoffMax,
		Logger:         zl.Named("follower"),
	})
	pipe, err := pipeline.New(cls, dd, sessions, pipeline.Config{
		QueueSize:   cfg.Source.QueueSize,
		HistorySize: cfg.Classifier.HistorySize,
		Logger:      zl.Named("pipeline"),
	}, monitor)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	server, err := httpserver.NewServer(sessions, signatures, broadcaster, zl.Named("http"), &httpserver.Config{
		Host:      cfg.Server.Host,
		Port:      cfg.Server.Port,
		Version:   version,
		Telemetry: tel,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	busDone := make(chan struct{})
	go func() {
		defer close(busDone)
		_ = eventbus.New(zl.Named("eventbus"), sinks...).Run(runCtx, sessions.Events())
	}()
	pipeDone := make(chan struct{})
	go func() {
		defer close(pipeDone)
		if err := pipe.Run(runCtx, follower); err != nil {
			errCh <- fmt.Errorf("pipeline: %w", err)
			return
		}
		logger.Info(runCtx, "source ended", zap.String("cursor", follower.Cursor()))
	}()
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info(context.Background(), "shutting down")
	case runErr = <-errCh:
		logger.Error(context.Background(), "component failed, shutting down", zap.Error(runErr))
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stop()

	shutdownErr := server.Shutdown(shutdownCtx)
	cancel()
	<-pipeDone
	closeErr := sessions.Close(shutdownCtx)
	<-busDone

	logger.Info(context.Background(), "neighbord stopped")
	return errors.Join(runErr, shutdownErr, closeErr)
}

// initLogger builds the process logger. When telemetry is enabled records
// are also exported through the global OTEL logger provider.
func initLogger(cfg *config.Config) (*logging.Logger, error) {
	lc, err := loggingConfig(cfg.Logging, cfg.Telemetry.Enabled)
	if err != nil {
		return nil, err
	}
	if lc.Output.OTEL {
		return logging.NewLogger(lc, global.GetLoggerProvider())
	}
	return logging.NewLogger(lc, nil)
}

func loggingConfig(c config.LoggingConfig, otel bool) (*logging.Config, error) {
	lc := logging.NewDefaultConfig()
	level, err := logging.LevelFromString(c.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging.level %q: %w", c.Level, err)
	}
	lc.Level = level
	if c.Format != "" {
		lc.Format = c.Format
	}
	lc.Output.OTEL = otel
	lc.Fields["version"] = version
	return lc, nil
}

func stateConfig(c config.StateConfig, logger *zap.Logger) statestore.Config {
	if c.InMemory {
		sc := statestore.InMemoryConfig()
		sc.Logger = logger
		return sc
	}
	sc := statestore.DefaultConfig(filepath.Join(c.Dir, "state"))
	sc.GCInterval = c.GCInterval
	sc.Logger = logger
	return sc
}

// loadSignatures fills store from the configured pack, or the built-in
// pack when none is set. A watcher is returned when hot reload is on.
func loadSignatures(c config.SignaturesConfig, store *signature.Store, logger *zap.Logger) (*signature.Watcher, error) {
	if c.PackPath == "" {
		for _, err := range store.Replace(signature.DefaultPack()) {
			logger.Warn("built-in signature rejected", zap.Error(err))
		}
		return nil, nil
	}
	if c.Watch {
		w, err := signature.NewWatcher(c.PackPath, store, 0, logger)
		if err != nil {
			return nil, err
		}
		if err := w.Reload(); err != nil {
			w.Stop()
			return nil, fmt.Errorf("failed to load signature pack: %w", err)
		}
		return w, nil
	}
	sigs, skipped, err := signature.LoadPack(c.PackPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load signature pack: %w", err)
	}
	for _, s := range skipped {
		logger.Warn("skipping signature pack entry", zap.String("path", c.PackPath), zap.Error(s))
	}
	for _, err := range store.Replace(sigs) {
		logger.Warn("signature rejected by store", zap.Error(err))
	}
	return nil, nil
}

// newInferer returns nil when semantic inference is disabled so the
// classifier stays deterministic.
func newInferer(c config.InferenceConfig, logger *zap.Logger) (classifier.Inferer, error) {
	if !c.Enabled {
		return nil, nil
	}
	llm, err := inference.NewLLM(inference.Config{
		BaseURL:           c.BaseURL,
		Model:             c.Model,
		APIKey:            c.APIKey.Value(),
		RequestsPerSecond: c.RequestsPerSecond,
		Burst:             c.Burst,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	return llm, nil
}

func tierWindows(in map[string]time.Duration) (map[signature.RiskTier]time.Duration, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[signature.RiskTier]time.Duration, len(in))
	for name, w := range in {
		tier := signature.RiskTier(name)
		if !tier.Valid() {
			return nil, fmt.Errorf("dedup.tier_windows: unknown risk tier %q", name)
		}
		out[tier] = w
	}
	return out, nil
}

func newSource(c config.SourceConfig, logger *zap.Logger) (source.Source, error) {
	switch c.Kind {
	case "file":
		return source.NewFileSource(c.Path), nil
	case "journal":
		return source.NewJournalSource(source.JournalConfig{
			Binary:    c.Journalctl,
			StartMode: c.StartMode,
			Since:     c.Since,
			Units:     c.Units,
			Logger:    logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", c.Kind)
	}
}

func connectNATS(c config.NATSConfig) (*nats.Conn, error) {
	nc, err := nats.Connect(c.URL,
		nats.Name("neighbord"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", c.URL, err)
	}
	return nc, nil
}
