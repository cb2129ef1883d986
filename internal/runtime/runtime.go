package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/capability"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/eventstore"
	"github.com/loqalabs/loqa-speech/internal/natsserver"
	"github.com/loqalabs/loqa-speech/internal/playout"
	"github.com/loqalabs/loqa-speech/internal/speech"
	"github.com/loqalabs/loqa-speech/internal/transcription"
	"github.com/loqalabs/loqa-speech/internal/tts"
	"github.com/loqalabs/loqa-speech/internal/voice"
	"github.com/spf13/afero"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	player   *playout.Player
	output   *speech.Output
	voice    *voice.Service
	registry *capability.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs the speech node until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startComponents(ctx); err != nil {
		r.stopComponents()
		r.closeTelemetry()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		if bind := r.cfg.Telemetry.PrometheusBind; bind != "" {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", metricsHandler)
			r.metricsServer = &http.Server{Addr: bind, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
			r.serve(r.metricsServer, "metrics")
		} else {
			mux.Handle("/metrics", metricsHandler)
		}
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.stopComponents()
	r.wg.Wait()
	r.closeTelemetry()
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
	r.tracerClose = nil
}

// startComponents brings up the bus, the event store and the speech
// pipeline in dependency order.
func (r *Runtime) startComponents(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return err
		}
		r.embedded = srv
		busCfg.Servers = append([]string{srv.ClientURL()}, busCfg.Servers...)
	}

	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return err
	}
	r.bus = client

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	synth, err := tts.New(r.cfg.TTS)
	if err != nil {
		return fmt.Errorf("create tts backend: %w", err)
	}

	sink, err := r.buildSink()
	if err != nil {
		return err
	}
	r.player = playout.NewPlayer(ctx, sink, r.cfg.Playout.Realtime, r.logger)

	pub := transcription.NewBusPublisher(client.Conn())
	forwarders := func(opts transcription.Options) transcription.Forwarder {
		return transcription.NewSegmentsForwarder(opts, pub, r.logger)
	}
	player := r.player
	r.output = speech.NewOutput(ctx, synth,
		speech.PlayoutFunc(func(speechID string, frames audio.FrameReader, fwd transcription.Forwarder) speech.PlayoutHandle {
			return player.Play(speechID, frames, fwd)
		}),
		forwarders, r.logger,
		speech.WithFrameBuffer(r.cfg.Output.FrameBuffer),
	)

	r.voice = voice.NewService(ctx, r.cfg.Output, client, r.output, store, r.logger)
	if err := r.voice.Start(); err != nil {
		return fmt.Errorf("start voice service: %w", err)
	}

	registry, err := capability.NewRegistry(ctx, r.cfg.Node, client, r.logger,
		capability.SpeechCapability(r.cfg.TTS.Mode, synth.Capabilities()))
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	r.registry = registry

	if store.Enabled() {
		r.wg.Add(1)
		go r.runPrune(ctx)
	}

	r.logger.Info("speech pipeline started",
		slog.String("tts_mode", r.cfg.TTS.Mode),
		slog.Bool("transcription", r.cfg.Output.Transcription),
		slog.Bool("realtime", r.cfg.Playout.Realtime),
	)
	return nil
}

func (r *Runtime) buildSink() (playout.Sink, error) {
	var sinks playout.MultiSink
	if r.cfg.Playout.Publish {
		sinks = append(sinks, playout.NewBusSink(r.bus))
	}
	if dir := r.cfg.Playout.RecordDir; dir != "" {
		wav, err := playout.NewWavSink(afero.NewOsFs(), dir)
		if err != nil {
			return nil, fmt.Errorf("create wav sink: %w", err)
		}
		sinks = append(sinks, wav)
	}
	if len(sinks) == 0 {
		return playout.Discard{}, nil
	}
	return sinks, nil
}

func (r *Runtime) runPrune(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// stopComponents tears down whatever startComponents brought up, in
// reverse order.
func (r *Runtime) stopComponents() {
	if r.registry != nil {
		r.registry.Close()
		r.registry = nil
	}
	if r.voice != nil {
		r.voice.Close()
		r.voice = nil
	}
	if r.output != nil {
		if err := r.output.Close(); err != nil {
			r.logger.Warn("speech output closed with errors", slog.String("error", err.Error()))
		}
		r.output = nil
	}
	if r.player != nil {
		r.player.Close()
		r.player = nil
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
		r.store = nil
	}
	if r.bus != nil {
		r.bus.Close()
		r.bus = nil
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
		r.embedded = nil
	}
}

func (r *Runtime) healthy() bool {
	return r.bus != nil && r.bus.Healthy() && r.voice != nil && r.voice.Healthy()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
