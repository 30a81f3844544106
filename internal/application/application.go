package application

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/JBD-GER/sepana-live-service/internal/auth"
	"github.com/JBD-GER/sepana-live-service/internal/config"
	"github.com/JBD-GER/sepana-live-service/internal/database"
	"github.com/JBD-GER/sepana-live-service/internal/events"
	"github.com/JBD-GER/sepana-live-service/internal/handler"
	"github.com/JBD-GER/sepana-live-service/internal/media"
	"github.com/JBD-GER/sepana-live-service/internal/metrics"
	"github.com/JBD-GER/sepana-live-service/internal/notify"
	"github.com/JBD-GER/sepana-live-service/internal/router"
	"github.com/JBD-GER/sepana-live-service/internal/service"
	"github.com/prometheus/client_golang/prometheus"
)

// API — приложение режима api: HTTP-сервер плюс фоновые плечи доставки
// событий (LISTEN/NOTIFY и Kafka).
type API struct {
	cfg     *config.Config
	httpSrv *http.Server
	bus     *events.PGBus
	feed    *events.Producer
}

// NewAPI собирает приложение: миграции, стор, коллабораторы, маршруты.
func NewAPI(cfg *config.Config) (*API, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := database.MigrateUp(cfg.DatabaseURL()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	db, err := database.Open(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	bus := events.NewPGBus(sqlDB, cfg.DatabaseURL())
	feed := events.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopicTicket)
	issuer := media.NewClient(cfg.MediaIssuerURL, cfg.MediaIssuerAPIKey)
	notifier := notify.NewSlackNotifier(cfg.StaffingWebhookURL)
	resolver := auth.NewResolver(cfg.JWTSecret)

	presenceSvc := service.NewPresenceService(db)
	matchingSvc := service.NewMatchingService(db, presenceSvc, issuer, notifier, bus, feed)
	appointmentSvc := service.NewAppointmentService(db, matchingSvc)

	live := handler.NewLiveHandler(matchingSvc, presenceSvc, appointmentSvc, resolver)
	m := metrics.New(prometheus.DefaultRegisterer)

	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router.New(live, resolver, m),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &API{
		cfg:     cfg,
		httpSrv: httpSrv,
		bus:     bus,
		feed:    feed,
	}, nil
}

// Run запускает сервер и слушатель событий, блокируется до отмены ctx.
func (a *API) Run(ctx context.Context) error {
	if err := a.bus.Start(ctx); err != nil {
		return fmt.Errorf("events: %w", err)
	}

	host := a.cfg.AppHost
	if host == "0.0.0.0" {
		host = "localhost"
	}
	base := "http://" + host + ":" + a.cfg.HTTPPort
	log.Printf("HTTP server listening on %s", a.httpSrv.Addr)
	log.Printf("  Swagger UI:    %s/swagger", base)
	log.Printf("  Health:        %s/health", base)
	log.Printf("  Ready:         %s/ready", base)
	log.Printf("  Metrics:       %s/metrics", base)
	log.Printf("  API v1:        %s/api/v1/", base)

	go func() {
		if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := a.feed.Close(); err != nil {
		log.Printf("kafka: close: %v", err)
	}
	return nil
}
