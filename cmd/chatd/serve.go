package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fathima-sithara/chat-app/internal/relay/api"
	"github.com/fathima-sithara/chat-app/internal/relay/events"
	"github.com/fathima-sithara/chat-app/internal/relay/hub"
	"github.com/fathima-sithara/chat-app/internal/relay/media"
	"github.com/fathima-sithara/chat-app/internal/relay/presence"
	"github.com/fathima-sithara/chat-app/internal/relay/repository"
	"github.com/fathima-sithara/chat-app/shared/config"
	jwtv "github.com/fathima-sithara/chat-app/shared/jwt"
	"github.com/fathima-sithara/chat-app/shared/logger"
	"github.com/fathima-sithara/chat-app/shared/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log, err := logger.New(logger.Config{Development: cfg.App.Env == "development", Level: cfg.App.LogLevel})
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()
		return serve(cmd.Context(), cfg, log)
	},
}

// closers run in reverse order on shutdown.
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func serve(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) error {
	var cleanup closers
	defer cleanup.run()

	verifier, err := jwtv.NewVerifier(cfg.Relay.PublicKeyPath, cfg.Relay.JWTSecret)
	if err != nil {
		return fmt.Errorf("jwt verifier: %w", err)
	}
	if cfg.Relay.PublicKeyPath == "" && cfg.Relay.JWTSecret == "" {
		log.Warn("no jwt key configured, tokens are not verified")
	}

	var rdb *redis.Client
	needRedis := func() *redis.Client {
		if rdb == nil {
			rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
			cleanup.add(func() { _ = rdb.Close() })
		}
		return rdb
	}

	repo, err := openRepository(ctx, cfg, &cleanup)
	if err != nil {
		return err
	}

	var tracker presence.Tracker
	switch cfg.Relay.Presence {
	case "redis":
		r := needRedis()
		if err := r.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		tracker = presence.NewRedis(r, cfg.Redis.Prefix, 0)
	case "memory", "":
		tracker = presence.NewMemory()
	default:
		return fmt.Errorf("unknown presence backend %q", cfg.Relay.Presence)
	}

	pub, err := events.New(events.Options{
		Backend:                  cfg.Relay.Events,
		KafkaBrokers:             cfg.Kafka.Brokers,
		TopicMessageSent:         cfg.Kafka.TopicMessageSent,
		TopicConversationCreated: cfg.Kafka.TopicConversationCreated,
		NATSURL:                  cfg.NATS.URL,
	}, log)
	if err != nil {
		return err
	}
	cleanup.add(func() {
		if err := pub.Close(); err != nil {
			log.Warnw("close publisher", "err", err)
		}
	})

	var store media.Store
	mediaDir := ""
	switch cfg.Relay.Media {
	case "s3":
		store, err = media.NewS3(ctx, media.S3Options{
			Region:     cfg.AWS.Region,
			Bucket:     cfg.AWS.Bucket,
			Endpoint:   cfg.AWS.Endpoint,
			PublicRead: cfg.AWS.PublicRead,
			PresignTTL: cfg.PresignTTL,
		})
	case "local", "":
		mediaDir = cfg.Relay.MediaDir
		store, err = media.NewLocal(mediaDir, cfg.Relay.PublicURL+"/uploads")
	default:
		err = fmt.Errorf("unknown media backend %q", cfg.Relay.Media)
	}
	if err != nil {
		return err
	}

	var limiter fiber.Handler
	if cfg.Relay.RateLimitPerMinute > 0 {
		if cfg.Relay.Presence == "redis" {
			limiter = middleware.NewRedisRateLimiter(needRedis(), cfg.Redis.Prefix+":rl", cfg.Relay.RateLimitPerMinute, log).Handler()
		} else {
			rl := middleware.NewIPRateLimiter(cfg.Relay.RateLimitPerMinute, cfg.Relay.RateLimitPerMinute/10+1, log)
			cleanup.add(rl.Close)
			limiter = rl.Handler()
		}
	}

	srv := api.New(api.Deps{
		Repo:     repo,
		Hub:      hub.New(),
		Presence: tracker,
		Events:   pub,
		Media:    media.NewService(store, cfg.Relay.MaxUploadBytes, log),
		Verifier: verifier,
		Limiter:  limiter,
		Log:      log,
		WS: api.WSOptions{
			PingInterval:   cfg.PingInterval,
			WriteDeadline:  cfg.WriteDeadline,
			MaxMessageSize: cfg.WS.MaxMessageSizeBytes,
		},
		MediaDir:    mediaDir,
		BodyLimit:   cfg.Relay.MaxUploadBytes + 1<<20,
		CORSOrigins: cfg.Relay.CORSOrigins,
	})

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + strconv.Itoa(cfg.Relay.Port)
		log.Infow("relay listening", "addr", addr, "storage", cfg.Relay.Storage, "presence", cfg.Relay.Presence, "events", cfg.Relay.Events, "media", cfg.Relay.Media)
		errCh <- srv.App().Listen(addr)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)
	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case s := <-sig:
		log.Infow("shutting down", "signal", s.String())
	case <-ctx.Done():
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if err := srv.App().ShutdownWithTimeout(timeout); err != nil {
		log.Warnw("shutdown", "err", err)
	}
	return nil
}

func openRepository(ctx context.Context, cfg *config.Config, cleanup *closers) (repository.Repository, error) {
	switch cfg.Relay.Storage {
	case "mongo":
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		client, err := repository.Connect(cctx, cfg.Mongo.URI)
		if err != nil {
			return nil, fmt.Errorf("mongo: %w", err)
		}
		cleanup.add(func() { _ = client.Disconnect(context.Background()) })
		return repository.NewMongoRepository(cctx, client.Database(cfg.Mongo.Database))
	case "memory", "":
		return repository.NewMemoryRepository(), nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Relay.Storage)
}
