package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/rs/zerolog"

	"traffic-monitor-service/internal/config"
	"traffic-monitor-service/internal/db"
	httpapi "traffic-monitor-service/internal/http"
	"traffic-monitor-service/internal/inference"
	"traffic-monitor-service/internal/logger"
	"traffic-monitor-service/internal/notify"
	"traffic-monitor-service/internal/repository"
	"traffic-monitor-service/internal/service"
)

const rekognitionMinConfidence = 85

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log)
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped with error")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Storage
	conn, err := db.Open(cfg.Database, log.With().Str("component", "db").Logger())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close(conn)
	logs := repository.NewLogRepository(conn)

	// 2. Inference
	client, err := newInferenceClient(ctx, cfg, log.With().Str("component", "inference").Logger())
	if err != nil {
		return err
	}

	// 3. Notifications
	hub := notify.NewHub(log.With().Str("component", "ws").Logger())
	go hub.Run(ctx)

	notifiers := notify.Multi{hub}
	if cfg.MQTT.Broker != "" {
		mqttNotifier, err := notify.NewMQTTNotifier(cfg.MQTT, log.With().Str("component", "mqtt").Logger())
		if err != nil {
			log.Warn().Err(err).Msg("mqtt publishing disabled")
		} else {
			defer mqttNotifier.Close()
			notifiers = append(notifiers, mqttNotifier)
		}
	}

	// 4. Session
	preview := service.PreviewSize{MaxWidth: cfg.Preview.MaxWidth, MaxHeight: cfg.Preview.MaxHeight}
	session := service.NewSessionService(logs, client, notifiers, preview, log.With().Str("component", "session").Logger())
	session.Load(ctx)

	// 5. HTTP
	auth := httpapi.NewAuthenticator(cfg.Auth)
	if !auth.Enabled() {
		log.Warn().Msg("auth.jwt_secret is not set, API is unauthenticated")
	}
	handler := httpapi.NewHandler(session, auth, hub, cfg, log.With().Str("component", "http").Logger())
	router := httpapi.NewRouter(cfg, handler, auth, log.With().Str("component", "http").Logger())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	log.Info().Msg("server stopped")
	return nil
}

// newInferenceClient wires the hosted model and, when requested, Rekognition
// as the plate source. Without an API key the client stays unconfigured and
// every process request reports that.
func newInferenceClient(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*inference.Client, error) {
	if cfg.Inference.APIKey == "" {
		log.Warn().Msg("no inference API key configured, image processing will fail")
		return inference.NewClient(nil, log), nil
	}

	generator, err := inference.NewGeminiGenerator(ctx, cfg.Inference.APIKey, cfg.Inference.Model, cfg.Inference.Timeout)
	if err != nil {
		return nil, fmt.Errorf("create inference client: %w", err)
	}
	client := inference.NewClient(generator, log)

	if cfg.Inference.PlateProvider == config.PlateProviderRekognition {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		reader := inference.NewRekognitionPlateReader(rekognition.NewFromConfig(awsCfg), rekognitionMinConfidence, log)
		client.WithPlateReader(reader)
		log.Info().Str("region", cfg.AWS.Region).Msg("reading plates with rekognition")
	}

	log.Info().Str("model", cfg.Inference.Model).Msg("inference client ready")
	return client, nil
}
