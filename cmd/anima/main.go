package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lumerith/anima/internal/brain"
	"github.com/lumerith/anima/internal/bus"
	"github.com/lumerith/anima/internal/config"
	"github.com/lumerith/anima/internal/enrich"
	"github.com/lumerith/anima/internal/history"
	"github.com/lumerith/anima/internal/httpapi"
	"github.com/lumerith/anima/internal/observability"
	"github.com/lumerith/anima/internal/session"
	"github.com/lumerith/anima/internal/voice"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	thresholds := observability.DefaultThresholds()
	for op, d := range cfg.ThresholdOverrides {
		thresholds[op] = d
	}
	log.Printf("latency budgets: %s", cfg.BudgetSummary())

	window := observability.NewStageWindow(cfg.PerfWindowSize, thresholds)
	recorder := observability.NewRecorder(thresholds, metrics, window)

	ctx := context.Background()
	store, err := history.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("history store init failed: %v", err)
	}
	defer store.Close()
	if cfg.DatabaseURL == "" {
		log.Printf("history store: in-memory")
	} else {
		log.Printf("history store: postgres")
	}

	adapter, err := brain.NewAdapter(brain.Config{
		Mode:    cfg.BrainAdapterMode,
		HTTPURL: cfg.BrainHTTPURL,
	})
	if err != nil {
		log.Fatalf("brain adapter init failed: %v", err)
	}

	providers := buildProviders(cfg)
	router := voice.NewRouter(providers, recorder)
	log.Printf("tts providers: %v", router.Providers())

	// The shaping timeout is the same budget the recorder classifies
	// voice.prosody against, so APP_LATENCY_BUDGETS moves both together.
	prosodyTimeout, _ := recorder.Threshold(observability.OpProsody)
	shaper := enrich.NewShaper(cfg.ProsodyURL, prosodyTimeout)
	if shaper.Enabled() {
		log.Printf("prosody shaping: %s", cfg.ProsodyURL)
	} else {
		log.Printf("prosody shaping: disabled")
	}

	eventBus := bus.New()
	eventBus.Subscribe(bus.TopicAll, func(ev bus.Event) {
		metrics.BusEvents.WithLabelValues(string(ev.EventKind())).Inc()
	})
	history.Subscribe(eventBus, store)

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	orchestrator := voice.NewOrchestrator(
		eventBus,
		recorder,
		shaper,
		router,
		adapter,
		store,
		sessions,
		voice.DefaultProfiles(),
	)

	bridge := voice.NewBridge(voice.BridgeConfig{
		APIKey: cfg.RealtimeAPIKey,
		URL:    cfg.RealtimeURL,
	})
	if bridge.Enabled() {
		log.Printf("realtime bridge: %s", cfg.RealtimeURL)
	} else {
		log.Printf("realtime bridge: disabled")
	}

	api := httpapi.New(cfg, sessions, orchestrator, bridge, metrics, window)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}

func buildProviders(cfg config.Config) []voice.Synthesizer {
	var providers []voice.Synthesizer
	for _, name := range cfg.ProviderOrder() {
		switch name {
		case "elevenlabs":
			if cfg.ElevenLabsAPIKey == "" {
				log.Printf("tts provider elevenlabs skipped: ELEVENLABS_API_KEY not set")
				continue
			}
			providers = append(providers, voice.NewElevenLabsSynthesizer(voice.ElevenLabsConfig{
				APIKey:       cfg.ElevenLabsAPIKey,
				BaseURL:      cfg.ElevenLabsBaseURL,
				ModelID:      cfg.ElevenLabsTTSModel,
				OutputFormat: cfg.ElevenLabsOutputFormat,
			}))
		case "openai":
			if cfg.OpenAITTSAPIKey == "" {
				log.Printf("tts provider openai skipped: OPENAI_API_KEY not set")
				continue
			}
			providers = append(providers, voice.NewOpenAISynthesizer(voice.OpenAIConfig{
				APIKey:  cfg.OpenAITTSAPIKey,
				BaseURL: cfg.OpenAITTSBaseURL,
				Model:   cfg.OpenAITTSModel,
			}))
		case "deepgram":
			if cfg.DeepgramAPIKey == "" {
				log.Printf("tts provider deepgram skipped: DEEPGRAM_API_KEY not set")
				continue
			}
			providers = append(providers, voice.NewDeepgramSynthesizer(voice.DeepgramConfig{
				APIKey:  cfg.DeepgramAPIKey,
				BaseURL: cfg.DeepgramBaseURL,
				Model:   cfg.DeepgramModel,
			}))
		case "mock":
			providers = append(providers, voice.NewMockSynthesizer())
		default:
			log.Printf("tts provider %q skipped: unknown", name)
		}
	}
	if len(providers) == 0 {
		providers = append(providers, voice.NewMockSynthesizer())
	}
	return providers
}
