package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	cli "github.com/urfave/cli/v3"

	"github.com/itsandyd/ppr-academy-sub023/internal/automation"
	"github.com/itsandyd/ppr-academy-sub023/internal/config"
	"github.com/itsandyd/ppr-academy-sub023/internal/delivery"
	"github.com/itsandyd/ppr-academy-sub023/internal/engine"
	"github.com/itsandyd/ppr-academy-sub023/internal/httpapi"
	"github.com/itsandyd/ppr-academy-sub023/internal/ingest"
	"github.com/itsandyd/ppr-academy-sub023/internal/llm"
	"github.com/itsandyd/ppr-academy-sub023/internal/locks"
	"github.com/itsandyd/ppr-academy-sub023/internal/middleware"
	"github.com/itsandyd/ppr-academy-sub023/internal/mqtt"
	"github.com/itsandyd/ppr-academy-sub023/internal/observability"
	"github.com/itsandyd/ppr-academy-sub023/internal/store"
)

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API, workflow engine and automation dispatcher",
		Action: func(ctx context.Context, command *cli.Command) error {
			cfg, err := config.Load(configFlag(command))
			if err != nil {
				return err
			}
			setupLogging(cfg.LogLevel)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(ctx, cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, promHandler, tracer, err := observability.Setup(ctx, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer shutdownTelemetry()

	db, err := store.OpenPostgres(cfg.Postgres.User, cfg.Postgres.Password, cfg.Postgres.DBName, cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.SSLMode)
	if err != nil {
		slog.Error("db connect failed", "error", err)
		return err
	}
	repo, err := store.New(db)
	if err != nil {
		slog.Error("db migrate failed", "error", err)
		return err
	}

	var transport delivery.MailTransport = &delivery.SMTPTransport{
		Host:      cfg.SMTP.Host,
		Port:      cfg.SMTP.Port,
		Username:  cfg.SMTP.Username,
		Password:  cfg.SMTP.Password,
		FromEmail: cfg.SMTP.FromEmail,
		FromName:  cfg.SMTP.FromName,
	}
	if strings.TrimSpace(cfg.SMTP.ServiceURL) != "" {
		transport = &delivery.HTTPTransport{BaseURL: cfg.SMTP.ServiceURL}
	}
	emailSender := delivery.NewTemplateEmailSender(repo, transport, cfg.Engine.DeliveryTimeout)
	webhooks := delivery.NewHTTPWebhookPoster(delivery.WebhookOptions{
		Timeout: cfg.Engine.DeliveryTimeout,
		RPS:     cfg.Engine.WebhookRPS,
	})

	eng := engine.New(repo, emailSender, webhooks, engine.Options{
		PollInterval:    cfg.Engine.PollInterval,
		ReloadInterval:  cfg.Engine.ReloadInterval,
		Workers:         cfg.Engine.Workers,
		BatchSize:       cfg.Engine.BatchSize,
		LeaseDuration:   cfg.Engine.LeaseDuration,
		DeliveryRetries: cfg.Engine.DeliveryRetries,
	})
	if err := eng.Start(ctx); err != nil {
		slog.Error("engine start failed", "error", err)
		return err
	}
	defer eng.Stop()

	var (
		locker locks.Locker
		dedupe locks.Deduper
	)
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("redis ping failed", "addr", addr, "error", err)
			return err
		}
		locker = locks.NewRedisLocker(rdb, "campaign:lock:", 2*time.Minute)
		dedupe = locks.NewRedisDeduper(rdb, "campaign:seen:")
		slog.Info("using redis for sender locks", "addr", addr)
	}

	messenger := delivery.NewGraphMessenger(cfg.Meta.GraphURL, cfg.Meta.GraphVersion, nil, cfg.Engine.DeliveryTimeout)
	chat := llm.NewChatCompletionsClient(llm.Options{
		BaseURL:   cfg.LLM.BaseURL,
		APIKey:    cfg.LLM.APIKey,
		Model:     cfg.LLM.Model,
		MaxTokens: cfg.LLM.MaxTokens,
		Timeout:   cfg.LLM.Timeout,
	})
	dispatcher := automation.New(repo, messenger, chat, locker, dedupe, automation.Options{
		UpsellMessage:  cfg.UpsellMessage,
		HistoryLimit:   cfg.LLM.HistoryLimit,
		ReloadInterval: cfg.Engine.ReloadInterval,
	})
	if err := dispatcher.Start(ctx); err != nil {
		slog.Error("automation dispatcher start failed", "error", err)
		return err
	}

	ing := &ingest.Ingestor{Repo: repo, Engine: eng, TopicPrefix: cfg.MQTT.EventTopic}
	if strings.TrimSpace(cfg.MQTT.BrokerURL) != "" {
		mq, err := mqtt.Connect(cfg.MQTT.BrokerURL, cfg.MQTT.ClientID)
		if err != nil {
			slog.Error("mqtt connect failed", "error", err)
			return err
		}
		defer mq.Close()
		subTopic := strings.TrimRight(cfg.MQTT.EventTopic, "/") + "/#"
		if err := mq.Subscribe(subTopic, func(m mqtt.Message) {
			ing.HandleMessage(ctx, m)
		}); err != nil {
			slog.Error("mqtt subscribe failed", "topic", subTopic, "error", err)
			return err
		}
		slog.Info("trigger ingest subscribed", "topic", subTopic)
	}

	opts := httpapi.Options{
		VerifyToken: cfg.Meta.VerifyToken,
		AppSecret:   cfg.Meta.AppSecret,
		CORSOrigins: cfg.CORSOrigins,
		Metrics:     promHandler,
		Tracer:      tracer,
	}
	if path := strings.TrimSpace(cfg.JWTPublicKeyPath); path != "" {
		pub, err := middleware.LoadRSAPublicKey(path)
		if err != nil {
			slog.Error("jwt public key load failed", "path", path, "error", err)
			return err
		}
		opts.PubKey = pub
	} else {
		slog.Warn("JWT_PUBLIC_KEY_PATH not set; campaign API will reject requests")
	}
	api := httpapi.New(repo, eng, dispatcher, ing, opts)
	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: api.Handler(), ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("campaign-service listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown requested")
	case err := <-errCh:
		slog.Error("http server error", "error", err)
		stop()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	api.Wait()
	return nil
}
