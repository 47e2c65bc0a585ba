// Package runtime wires configuration, telemetry, models, persistence, and
// the HTTP surface into one process.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/scribelabs/scribe/internal/asr"
	"github.com/scribelabs/scribe/internal/bus"
	"github.com/scribelabs/scribe/internal/config"
	"github.com/scribelabs/scribe/internal/gateway"
	"github.com/scribelabs/scribe/internal/natsserver"
	"github.com/scribelabs/scribe/internal/registry"
	"github.com/scribelabs/scribe/internal/session"
	"github.com/scribelabs/scribe/internal/transcriptstore"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func buildEngine(cfg config.ModelsConfig) (asr.Engine, error) {
	switch cfg.Engine {
	case "exec":
		return asr.NewExecEngine(cfg.Command)
	default:
		return &asr.MockEngine{}, nil
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	engine, err := buildEngine(r.cfg.Models)
	if err != nil {
		return fmt.Errorf("failed to build recognizer engine: %w", err)
	}

	reg, err := registry.New(engine, r.cfg.Models, r.logger)
	if err != nil {
		return fmt.Errorf("failed to build model registry: %w", err)
	}

	var speaker asr.SpeakerModel
	if r.cfg.Models.SpeakerModelPath != "" {
		speaker, err = engine.LoadSpeakerModel(r.cfg.Models.SpeakerModelPath)
		if err != nil {
			r.logger.Warn("speaker model unavailable, diarization disabled",
				slog.String("error", err.Error()))
			speaker = nil
		}
	}

	store, err := transcriptstore.Open(ctx, r.cfg.TranscriptStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open transcript store: %w", err)
	}
	defer store.Close()

	var embedded *natsserver.EmbeddedServer
	var busClient *bus.Client
	var publisher session.Publisher
	if r.cfg.Bus.Enabled {
		embedded, err = natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded bus: %w", err)
		}
		defer embedded.Shutdown()

		busCfg := r.cfg.Bus
		if busCfg.Embedded {
			busCfg.Servers = []string{embedded.ClientURL()}
		}
		busClient, err = bus.Connect(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
		defer busClient.Close()
		publisher = bus.NewPublisher(busClient)
	}

	metrics, err := session.NewMetrics(otel.Meter("scribe/session"))
	if err != nil {
		return fmt.Errorf("failed to create session metrics: %w", err)
	}

	gw := gateway.New(gateway.Options{
		Auth:           r.cfg.Auth,
		Stream:         r.cfg.Stream,
		Models:         r.cfg.Models,
		Registry:       reg,
		Speaker:        speaker,
		Sink:           store,
		Publisher:      publisher,
		PublishInterim: r.cfg.Bus.PublishInterim,
		Metrics:        metrics,
		Logger:         r.logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	gw.Routes(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("gateway started",
		slog.String("addr", addr),
		slog.String("engine", r.cfg.Models.Engine))

	<-ctx.Done()
	r.logger.Info("gateway stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
