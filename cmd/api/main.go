package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"voice-copilot-go/internal/catalog"
	"voice-copilot-go/internal/commerce"
	"voice-copilot-go/internal/config"
	"voice-copilot-go/internal/copilot"
	"voice-copilot-go/internal/eventlog"
	"voice-copilot-go/internal/events"
	"voice-copilot-go/internal/llm"
	"voice-copilot-go/internal/logger"
	"voice-copilot-go/internal/messaging"
	"voice-copilot-go/internal/metrics"
	"voice-copilot-go/internal/server"
	"voice-copilot-go/internal/store"
	"voice-copilot-go/internal/tools"
	"voice-copilot-go/internal/vapi"
	"voice-copilot-go/internal/webhook"
)

func main() {
	_ = godotenv.Load() // loads .env

	log := logger.New()
	log.WithField("service", "voice-copilot-go").Info("starting service")

	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(cfg.Metrics.Namespace)

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to open store")
	}
	defer st.Close()

	log.WithField("catalog_path", cfg.Catalog.Path).Info("loading catalog")
	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		log.WithError(err).Warn("catalog unavailable, product tools will return no results")
		cat = catalog.Empty()
	}
	products, certs, mappings := cat.Size()
	log.WithField("products", products).WithField("certificates", certs).WithField("mappings", mappings).Info("catalog loaded")

	calls := eventlog.New(st, eventlog.Config{
		BufferSize:    cfg.EventLog.BufferSize,
		FlushInterval: cfg.EventLog.FlushInterval,
	}, log.Entry, m)
	calls.Start(ctx)

	pub := events.New(&events.Config{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.TopicCopilot,
		Enabled: cfg.Kafka.Enabled,
	}, log.Entry, m)

	wa := messaging.New(messaging.Config{
		APIURL:  cfg.Messaging.APIURL,
		Token:   cfg.Messaging.APIToken,
		Timeout: cfg.Messaging.Timeout,
	}, log.Entry)

	shop := commerce.New(st, cat, wa, commerce.Config{
		AssistantName: cfg.Assistant.Name,
		Brand:         cfg.Assistant.Brand,
		StoreURL:      cfg.Assistant.StoreURL,
		COAViewerURL:  cfg.Assistant.COAViewerURL,

		EscalationPhone: cfg.Messaging.EscalationPhone,
	}, log.Entry)
	dispatcher := tools.NewDispatcher(log.Entry, m)
	shop.Register(dispatcher)
	log.WithField("tools", dispatcher.Tools()).Info("tools registered")

	brain := llm.New(llm.Config{
		GatewayURL: cfg.LLM.GatewayURL,
		APIKey:     cfg.LLM.APIKey,
		Model:      cfg.LLM.Model,
		UseMock:    cfg.LLM.UseMock,
		Timeout:    cfg.LLM.Timeout,
	}, log.Entry)

	cp := copilot.New(copilot.Config{
		Enabled:              cfg.Copilot.Enabled,
		AnalysisInterval:     cfg.Copilot.AnalysisInterval,
		MinTranscriptChars:   cfg.Copilot.MinTranscriptChars,
		FrustrationThreshold: cfg.Copilot.FrustrationThreshold,
		AnalysisTimeout:      cfg.Copilot.AnalysisTimeout,
		AssistantName:        cfg.Assistant.Name,
		Brand:                cfg.Assistant.Brand,
	}, copilot.Deps{
		Sessions:  copilot.NewRegistry(),
		LLM:       brain,
		Tools:     dispatcher,
		Events:    calls,
		Publisher: pub,
		Metrics:   m,
	}, log.Entry)

	phone := vapi.New(vapi.Config{
		APIKey:             cfg.Vapi.APIKey,
		BaseURL:            cfg.Vapi.BaseURL,
		DefaultAssistantID: cfg.Vapi.DefaultAssistantID,
		PhoneNumberID:      cfg.Vapi.PhoneNumberID,
		PhoneNumberIDUS:    cfg.Vapi.PhoneNumberIDUS,
	}, log.Entry)

	hooks := webhook.New(webhook.Config{
		AssistantID:     cfg.Vapi.DefaultAssistantID,
		TeardownTimeout: cfg.Copilot.AnalysisTimeout,
	}, webhook.Deps{
		Store:    st,
		Events:   calls,
		Tools:    dispatcher,
		Commerce: shop,
		Copilot:  cp,
		Vapi:     phone,
		Metrics:  m,
	}, log.Entry)

	srv := server.New(server.Config{
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}, server.Deps{Webhook: hooks, Copilot: cp, Store: st, Metrics: m}, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", srv.Addr()).Info("listening")
		return srv.ListenAndServe()
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownWait)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(sctx); err != nil {
			errs = append(errs, err)
		}
		if err := cp.Wait(sctx); err != nil {
			log.WithError(err).Warn("copilot analyses still running at shutdown")
		}
		if err := calls.Close(sctx); err != nil {
			errs = append(errs, err)
		}
		if err := pub.Close(); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("service stopped with error")
		return
	}
	log.Info("service stopped")
}

// openStore connects to Postgres when DATABASE_URL is set and falls back to
// the in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (store.Store, error) {
	if cfg.Database.URL == "" {
		log.Warn("DATABASE_URL not set, using in-memory store")
		return store.NewMemory(), nil
	}
	pool, err := store.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Database.Migrate {
		if err := store.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		log.Info("database migrations applied")
	}
	return store.NewPostgres(pool), nil
}
