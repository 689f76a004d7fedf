package main

import (
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"aligniq/internal/app"
	"aligniq/internal/config"
	"aligniq/internal/jira"
	"aligniq/internal/ratelimit"
	"aligniq/internal/server"
	"aligniq/internal/util"
	"aligniq/pkg/ai"
	"aligniq/pkg/auth"
	"aligniq/pkg/queue"
	"aligniq/pkg/status"
	"aligniq/pkg/storage"
	"aligniq/pkg/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	st, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}

	objects, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		log.Fatalf("failed to init object store: %v", err)
	}

	taskQueue, err := queue.NewRedisTaskQueue(queue.RedisQueueConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Stream:   cfg.Stream(),
		Group:    cfg.QueueGroup,
	})
	if err != nil {
		log.Fatalf("failed to init task queue: %v", err)
	}

	broker, err := status.NewRedisBroker(status.RedisBrokerConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Fatalf("failed to init status broker: %v", err)
	}

	tokens, err := auth.NewTokenIssuer(cfg.TokenSecret, cfg.TokenTTL())
	if err != nil {
		log.Fatalf("failed to init token issuer: %v", err)
	}

	appCore, err := app.New(app.Config{
		Store:          st,
		Objects:        objects,
		Queue:          taskQueue,
		ChatGenerator:  ai.NewOpenAICompatGenerator(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel),
		Tokens:         tokens,
		MaxUploadBytes: cfg.MaxUploadBytes(),
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	var loginLimiter *ratelimit.AuthLimiter
	if cfg.LoginRateLimitPerMinute > 0 {
		limiterRedis := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer limiterRedis.Close()
		loginLimiter, err = ratelimit.NewAuthLimiter(limiterRedis, cfg.LoginRateLimitPerMinute, time.Minute)
		if err != nil {
			log.Fatalf("failed to init rate limiter: %v", err)
		}
	}

	var googleOAuth *oauth2.Config
	if cfg.GoogleClientID != "" {
		googleOAuth = &oauth2.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint:     google.Endpoint,
		}
	}
	var jiraOAuth *oauth2.Config
	if cfg.JiraClientID != "" {
		jiraOAuth = &oauth2.Config{
			ClientID:     cfg.JiraClientID,
			ClientSecret: cfg.JiraClientSecret,
			RedirectURL:  cfg.JiraRedirectURL,
			Scopes:       []string{"read:jira-user", "read:jira-work", "offline_access"},
			Endpoint:     server.AtlassianEndpoint,
		}
	}

	httpServer := server.New(server.Config{
		App:          appCore,
		Broker:       broker,
		Tasks:        taskQueue,
		Jira:         jira.NewClient(""),
		LoginLimiter: loginLimiter,
		GoogleOAuth:  googleOAuth,
		JiraOAuth:    jiraOAuth,
	})

	handler := util.WithRequestID(httpServer.Router())
	handler = util.WithRequestLog("api", handler)
	handler = util.WithSecurityHeaders(handler)
	handler = util.WithCORS(cfg.AllowedOrigins, handler)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // status streaming holds connections open
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("api server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
