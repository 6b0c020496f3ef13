package sawt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/harunnryd/sawt/pkg/aggregators"
	"github.com/harunnryd/sawt/pkg/audio"
	"github.com/harunnryd/sawt/pkg/configutil"
	"github.com/harunnryd/sawt/pkg/health"
	"github.com/harunnryd/sawt/pkg/llm"
	"github.com/harunnryd/sawt/pkg/logging"
	"github.com/harunnryd/sawt/pkg/metrics"
	"github.com/harunnryd/sawt/pkg/observers"
	"github.com/harunnryd/sawt/pkg/operator"
	"github.com/harunnryd/sawt/pkg/orchestrator"
	"github.com/harunnryd/sawt/pkg/reaper"
	"github.com/harunnryd/sawt/pkg/redact"
	"github.com/harunnryd/sawt/pkg/resilience"
	"github.com/harunnryd/sawt/pkg/runner"
	"github.com/harunnryd/sawt/pkg/session"
	"github.com/harunnryd/sawt/pkg/transports"
	"github.com/harunnryd/sawt/pkg/turn"
)

type EngineOptions struct {
	Config    Config
	Logger    *slog.Logger
	Providers *ProviderRegistry
	// Transport overrides the one named in config.
	Transport transports.Transport
}

// Engine owns the process-wide components: the session store, the
// orchestrator, the reaper, the telephony transport and the admin server.
type Engine struct {
	cfg       Config
	log       *slog.Logger
	store     *session.Store
	orch      *orchestrator.Orchestrator
	reaper    *reaper.Reaper
	transport transports.Transport
	providers *ProviderRegistry
	runner    *runner.LifecycleRunner
	asyncObs  *metrics.AsyncObserver
	meters    *metrics.Provider
	mux       *http.ServeMux
	server    *http.Server
}

func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	base := opts.Logger
	if base == nil {
		base = slog.Default()
	}
	log := logging.NewComponentLogger(base, "engine")
	redact.SetEnabled(cfg.Privacy.RedactPII)

	log.Info("sawt_init",
		"environment", cfg.Environment,
		"llm_provider", cfg.Vendors.LLM.Provider,
		"stt_provider", cfg.Vendors.STT.Provider,
		"tts_provider", cfg.Vendors.TTS.Provider,
		"transport", cfg.Transports.Provider,
	)

	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviders()
	}

	streamer, err := providers.BuildSTT(cfg.Vendors.STT.Provider, cfg)
	if err != nil {
		return nil, err
	}
	synth, err := providers.BuildTTS(cfg.Vendors.TTS.Provider, cfg)
	if err != nil {
		return nil, err
	}
	gen, err := providers.BuildLLM(ctx, cfg.Vendors.LLM.Provider, cfg)
	if err != nil {
		return nil, err
	}
	gen = wrapGenerator(gen, cfg.Resilience)

	transport := opts.Transport
	if transport == nil {
		transport, err = providers.BuildTransport(cfg.Transports.Provider, cfg, base)
		if err != nil {
			return nil, err
		}
	}

	obsList := []metrics.Observer{
		observers.NewLatencyObserver(base),
		observers.NewLoggerObserver(base),
	}
	var meters *metrics.Provider
	if cfg.Observability.Metrics {
		meters, err = metrics.InitProvider(cfg.Observability.ServiceName, runner.EngineVersion)
		if err != nil {
			return nil, fmt.Errorf("metrics provider: %w", err)
		}
		in, err := metrics.NewInstruments(meters.MeterProvider)
		if err != nil {
			return nil, fmt.Errorf("metrics instruments: %w", err)
		}
		obsList = append(obsList, metrics.NewOTelObserver(in))
	}
	asyncObs := metrics.NewAsyncObserver(observers.NewMultiObserver(obsList...), cfg.Observability.EventBuffer)
	sampled := metrics.NewSamplingObserver(asyncObs, cfg.Observability.DropSampleRate, metrics.EventAudioFrame)

	conv := cfg.Conversation
	store := session.NewStore(session.StoreOptions{MaxSessions: conv.MaxSessions})
	orch, err := orchestrator.New(orchestrator.Config{
		Language:     conv.Language,
		VoiceProfile: conv.VoiceProfile,
		SampleRate:   conv.SampleRate,
		Encoding:     conv.Encoding,
		QueueSize:    conv.QueueSize,
		Aggregator: aggregators.Config{
			ConfidenceThreshold: aggregators.Threshold(conv.ConfidenceThreshold),
			SilenceTimeout:      conv.SilenceTimeout(),
		},
		Turn: turn.Options{
			ThinkingDeadline:  conv.ThinkingDeadline(),
			SynthesisDeadline: conv.SynthesisDeadline(),
			HistoryWindow:     conv.MaxHistoryTurns,
			Farewell:          turn.NewFarewellDetector(conv.FarewellKeywords),
			Strategy:          turn.StrategyByName(conv.Strategy),
			FallbackClip:      audio.FallbackClip(conv.FallbackClip),
			Limiter:           turn.NewReplyLimiter(conv.MaxReplyChars, conv.MaxReplySentences),
		},
		Phrases: conv.Phrases,
	}, orchestrator.Deps{
		Store:       store,
		STT:         streamer,
		Generator:   gen,
		Synthesizer: synth,
		Telephony:   transport,
		Observer:    sampled,
		Logger:      logging.NewComponentLogger(base, "orchestrator"),
	})
	if err != nil {
		return nil, err
	}

	rp := reaper.New(reaper.Config{
		Interval:    cfg.Reaper.Interval(),
		IdleTimeout: cfg.Reaper.IdleTimeout(),
	}, store, orch, asyncObs, logging.NewComponentLogger(base, "reaper"))

	e := &Engine{
		cfg:       cfg,
		log:       log,
		store:     store,
		orch:      orch,
		reaper:    rp,
		transport: transport,
		providers: providers,
		asyncObs:  asyncObs,
		meters:    meters,
	}
	e.mux = e.routes(base)
	e.server = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           e.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	hooks := runner.Hooks{
		OnStart: func() {
			fields := []any{"message", "Sawt Engine Ready", "admin_addr", cfg.Server.Addr}
			if rr, ok := transport.(transports.ReadyReporter); ok {
				for k, v := range rr.ReadyFields() {
					fields = append(fields, k, v)
				}
			}
			log.Info("engine_ready", fields...)
		},
		OnStop: func() {
			_ = e.server.Close()
			asyncObs.Close()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := meters.Shutdown(shutdownCtx); err != nil {
				log.Warn("metrics_shutdown_failed", "error", err.Error())
			}
			log.Info("shutdown", "goroutines", runtime.NumGoroutine(), "active_calls", store.Count())
		},
	}
	drainTimeout := configutil.Millis(cfg.Server.DrainTimeoutMS, 20*time.Second)
	e.runner = runner.NewLifecycleRunner(runner.DrainerFunc(e.drain), hooks, drainTimeout+5*time.Second)
	return e, nil
}

func wrapGenerator(gen llm.Generator, rc ResilienceConfig) llm.Generator {
	retries := rc.LLMRetries
	if retries < 0 {
		retries = 0
	}
	gen = llm.NewRetryGenerator(gen, llm.RetryConfig{
		MaxAttempts: retries + 1,
		BaseDelay:   configutil.Millis(rc.LLMRetryBackoffMS, 200*time.Millisecond),
	})
	if rc.BreakerThreshold > 0 {
		breaker := resilience.NewCircuitBreaker(rc.BreakerThreshold, configutil.Millis(rc.BreakerCooldownMS, 30*time.Second))
		gen = llm.NewCircuitBreakerGenerator(gen, breaker)
	}
	return gen
}

func (e *Engine) routes(base *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/health", health.StatusHandler{Sessions: e.orch})
	mux.Handle("/healthz", health.LiveHandler{})
	mux.Handle("/readyz", health.ReadyHandler{Checks: map[string]func() error{
		"draining": func() error {
			if e.store.Draining() {
				return errors.New("draining")
			}
			return nil
		},
		"transport": e.Health,
	}})
	if e.meters != nil {
		mux.Handle("/metrics", e.meters.Handler)
	}
	timeout := configutil.Millis(e.cfg.Server.OperatorTimeoutMS, operator.DefaultTimeout)
	mux.Handle("/api/v1/converse", operator.NewHandler(e.orch, timeout, base))
	return mux
}

// drain stops intake and hangs up live calls before the transport goes away;
// hang-ups still need the transport.
func (e *Engine) drain() error {
	timeout := configutil.Millis(e.cfg.Server.DrainTimeoutMS, 20*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	e.log.Info("drain_started", "active_calls", e.store.Count())
	err := e.orch.Shutdown(ctx)
	if err != nil {
		e.log.Warn("drain_incomplete", "error", err.Error())
	}
	if stopErr := e.transport.Stop(); stopErr != nil {
		e.log.Warn("transport_stop_failed", "error", stopErr.Error())
	}
	if shutErr := e.server.Shutdown(ctx); shutErr != nil {
		_ = e.server.Close()
	}
	return err
}

// Run serves until ctx is done, then drains. It returns the first component
// failure, or nil after a clean shutdown.
func (e *Engine) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ln, err := net.Listen("tcp", e.server.Addr)
	if err != nil {
		return fmt.Errorf("admin listen: %w", err)
	}
	// The transport outlives ctx: it is stopped by drain once calls are closed.
	if err := e.transport.Start(context.WithoutCancel(ctx), e.orch); err != nil {
		_ = ln.Close()
		return fmt.Errorf("transport start: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.runner.Run(gctx)
	})
	g.Go(func() error {
		if err := e.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return e.reaper.Run(gctx)
	})
	return g.Wait()
}

// Handler is the admin mux: probes, metrics and the operator endpoint.
func (e *Engine) Handler() http.Handler {
	return e.mux
}

func (e *Engine) Orchestrator() *orchestrator.Orchestrator {
	return e.orch
}

func (e *Engine) Store() *session.Store {
	return e.store
}

func (e *Engine) Transport() transports.Transport {
	return e.transport
}

func (e *Engine) ProviderRegistry() *ProviderRegistry {
	return e.providers
}

func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) Health() error {
	if e.transport == nil {
		return errors.New("missing transport")
	}
	if strings.TrimSpace(e.transport.Name()) == "" {
		return errors.New("transport has no name")
	}
	return nil
}
