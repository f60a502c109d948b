// Package app wires Donna's subsystems into a running service.
//
// The App struct owns the full lifecycle: New connects the store, providers,
// retrieval, and HTTP surface; Run serves until the context is cancelled;
// Shutdown drains active calls and tears everything down in order.
//
// For testing, inject a mock store via [WithStore]. When no store is
// injected, New connects to Postgres using the config DSN.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/donnalabs/donna/internal/audiocache"
	"github.com/donnalabs/donna/internal/call"
	"github.com/donnalabs/donna/internal/config"
	"github.com/donnalabs/donna/internal/health"
	"github.com/donnalabs/donna/internal/ingest"
	"github.com/donnalabs/donna/internal/reasoning"
	"github.com/donnalabs/donna/internal/resilience"
	"github.com/donnalabs/donna/internal/retrieval"
	"github.com/donnalabs/donna/internal/server"
	"github.com/donnalabs/donna/internal/telephony"
	"github.com/donnalabs/donna/pkg/provider/embeddings"
	"github.com/donnalabs/donna/pkg/provider/llm"
	"github.com/donnalabs/donna/pkg/provider/stt"
	"github.com/donnalabs/donna/pkg/provider/tts"
	"github.com/donnalabs/donna/pkg/store"
	"github.com/donnalabs/donna/pkg/store/postgres"
)

// Providers holds one interface value per provider slot. Populated by main.go
// via the config registry. LLM, STT, TTS, and Embeddings are required;
// PremiumTTS is optional and, when set, serves calls with the standard TTS as
// its circuit-breaker fallback.
type Providers struct {
	LLM        llm.Provider
	STT        stt.Provider
	TTS        tts.Provider
	PremiumTTS tts.Provider
	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger

	store     store.Store
	retriever *retrieval.Engine
	manager   *call.Manager
	cache     *audiocache.Cache
	settings  *server.Settings

	// speech is the TTS provider calls actually use; with a premium voice
	// configured it is a fallback group, otherwise the plain provider.
	speech tts.Provider
	voice  tts.Voice

	httpSrv *http.Server

	// closers run in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of connecting to Postgres from config.
func WithStore(st store.Store) Option {
	return func(a *App) { a.store = st }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go, populated via the config registry.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil || providers.STT == nil ||
		providers.TTS == nil || providers.Embeddings == nil {
		return nil, errors.New("app: llm, stt, tts, and embeddings providers are required")
	}

	config.ApplyDefaults(cfg)

	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	a.initSpeech()

	a.retriever = retrieval.NewEngine(a.store, providers.Embeddings,
		retrieval.WithLogger(a.log))
	a.manager = call.NewManager(cfg.Limits.MaxConcurrentCalls, a.log)
	a.cache = audiocache.New(a.speech,
		audiocache.WithMaxEntries(cfg.Limits.AudioCacheMax),
		audiocache.WithLogger(a.log))
	a.settings = server.NewSettings(cfg.Business)

	srv, err := server.New(server.Config{
		PublicURL: cfg.Server.PublicURL,
		AuthToken: cfg.Twilio.AuthToken,
		Store:     a.store,
		Ingester:  ingest.New(a.store, providers.Embeddings, a.log),
		Manager:   a.manager,
		Cache:     a.cache,
		Settings:  a.settings,
		Health:    health.New(a.healthCheckers()...),
		NewCall:   a.newCall,
		Logger:    a.log,
	})
	if err != nil {
		return nil, fmt.Errorf("app: build server: %w", err)
	}

	a.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// initStore connects the Postgres store unless one was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Store.PostgresDSN
	if dsn == "" {
		return errors.New("store.postgres_dsn is required")
	}
	pg, err := postgres.NewStore(ctx, dsn, a.cfg.Store.EmbeddingDimensions)
	if err != nil {
		return err
	}
	a.store = pg
	a.closers = append(a.closers, func() error {
		pg.Close()
		return nil
	})
	return nil
}

// initSpeech selects the call voice. A configured premium provider fronts the
// standard one behind per-backend circuit breakers, so an ElevenLabs outage
// degrades to Deepgram instead of silencing calls.
func (a *App) initSpeech() {
	entry := a.cfg.Providers.TTS
	a.speech = a.providers.TTS

	if a.providers.PremiumTTS != nil {
		entry = a.cfg.Providers.PremiumTTS
		fb := resilience.NewTTSFallback(a.providers.PremiumTTS, a.cfg.Providers.PremiumTTS.Name,
			resilience.FallbackConfig{
				CircuitBreaker: resilience.CircuitBreakerConfig{
					MaxFailures:  3,
					ResetTimeout: 30 * time.Second,
				},
			})
		fb.AddFallback(a.cfg.Providers.TTS.Name, a.providers.TTS)
		a.speech = fb
	}

	a.voice = tts.Voice{ID: entry.Voice, Name: entry.Name}
}

// pinger is implemented by stores that can probe their backing connection.
type pinger interface {
	Ping(ctx context.Context) error
}

func (a *App) healthCheckers() []health.Checker {
	var checkers []health.Checker
	if p, ok := a.store.(pinger); ok {
		checkers = append(checkers, health.Checker{Name: "database", Check: p.Ping})
	}
	return checkers
}

// newCall builds the orchestrator for one accepted media stream. The
// reasoning driver is constructed per call so runtime settings edits apply
// to the next call, not mid-conversation.
func (a *App) newCall(sess *telephony.Session) (*call.Orchestrator, error) {
	biz := a.settings.Business()
	driver := reasoning.NewDriver(a.providers.LLM, a.retriever, biz,
		reasoning.WithMaxToolIters(a.cfg.Limits.MaxToolIters),
		reasoning.WithTurnTimeout(a.cfg.Limits.ModelTurnTimeout.Std()),
		reasoning.WithToolTimeout(a.cfg.Limits.ToolCallTimeout.Std()),
		reasoning.WithLogger(a.log))

	return call.NewOrchestrator(call.Config{
		Media:    sess,
		STT:      a.providers.STT,
		TTS:      a.speech,
		Voice:    a.voice,
		Reasoner: driver,
		Store:    a.store,
		Greeting: reasoning.Greeting(biz),
		Limits:   a.cfg.Limits,
		Logger:   a.log,
	})
}

// ApplyBusiness swaps the runtime business settings. The config watcher calls
// it when the YAML file changes on disk.
func (a *App) ApplyBusiness(biz config.BusinessConfig) {
	a.settings.Update(biz)
	a.log.Info("business settings reloaded", "name", biz.Name)
}

// prewarmAudio synthesizes the canned lines once so the first caller never
// waits on them.
func (a *App) prewarmAudio(ctx context.Context) {
	lines := []string{
		reasoning.Greeting(a.settings.Business()),
		call.RepromptLine,
		call.GoodbyeLine,
		reasoning.FallbackReply,
	}
	for _, line := range lines {
		if _, err := a.cache.Get(ctx, line, a.voice); err != nil {
			a.log.Warn("audio pre-warm failed", "err", err)
			return
		}
	}
	a.log.Debug("audio cache pre-warmed", "entries", a.cache.Len())
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully. It
// returns nil after a clean shutdown and the listener error otherwise.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("app: listen on %s: %w", a.httpSrv.Addr, err)
	}

	go a.prewarmAudio(ctx)

	errCh := make(chan error, 1)
	go func() {
		var serveErr error
		if tlsCfg := a.cfg.Server.TLS; tlsCfg != nil {
			serveErr = a.httpSrv.ServeTLS(ln, tlsCfg.CertFile, tlsCfg.KeyFile)
		} else {
			serveErr = a.httpSrv.Serve(ln)
		}
		if !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	a.log.Info("donna listening", "addr", ln.Addr().String(), "public_url", a.cfg.Server.PublicURL)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	grace := a.cfg.Limits.ShutdownGrace.Std()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace+2*time.Second)
	defer cancel()
	return a.Shutdown(shutdownCtx)
}

// Shutdown stops accepting requests, drains active calls, and closes all
// subsystems in reverse-init order. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "active_calls", a.manager.ActiveCalls())

		if err := a.httpSrv.Shutdown(ctx); err != nil {
			a.log.Warn("http shutdown error", "err", err)
			shutdownErr = err
		}
		a.manager.Shutdown(a.cfg.Limits.ShutdownGrace.Std())

		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
