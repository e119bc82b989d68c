package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/miniauth/idserver/config"
	"github.com/miniauth/idserver/internal/db"
	"github.com/miniauth/idserver/internal/events"
	"github.com/miniauth/idserver/internal/handlers"
	"github.com/miniauth/idserver/internal/mq"
	"github.com/miniauth/idserver/internal/services"
	"github.com/miniauth/idserver/internal/storage"
	"github.com/miniauth/idserver/internal/store"
	"github.com/miniauth/idserver/internal/wechat"
)

// Server wraps the HTTP server and router.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	db         *sql.DB
	publisher  mq.Publisher
}

// New constructs a Server with all identity dependencies wired.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if strings.TrimSpace(cfg.TokenSecret) == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	dbConn, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	publisher, emitter, err := newEmitter(ctx, cfg)
	if err != nil {
		_ = dbConn.Close()
		return nil, err
	}

	avatars, err := newAvatarStore(ctx, cfg)
	if err != nil {
		_ = dbConn.Close()
		closePublisher(publisher)
		return nil, err
	}

	userRepo := store.NewUserRepository(dbConn)
	wechatClient := wechat.NewClient(cfg.WeChatAPIBase, nil)

	identityService := services.NewIdentityService(
		userRepo,
		services.Config{
			RegistrationOpen: cfg.RegistrationOpen,
			TokenSecret:      []byte(cfg.TokenSecret),
			TokenTTL:         cfg.TokenTTL,
			AppSecrets:       cfg.WeChatAppSecrets,
		},
		wechatClient,
		emitter,
		logger,
	)

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Logger,
		middleware.Timeout(60*time.Second),
	)
	router.Get("/healthz", handlers.Healthz)
	router.Route("/user", func(r chi.Router) {
		handlers.UserRouter(r, identityService, avatars, cfg.TokenSecret)
	})

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: httpServer,
		router:     router,
		db:         dbConn,
		publisher:  publisher,
	}, nil
}

// newEmitter selects the event broker backend; no backend means events are
// disabled and the service runs without an emitter.
func newEmitter(ctx context.Context, cfg config.Config) (mq.Publisher, services.EventEmitter, error) {
	var publisher mq.Publisher
	var err error

	switch strings.ToLower(strings.TrimSpace(cfg.MQBackend)) {
	case "":
		return nil, nil, nil
	case "rabbitmq":
		publisher, err = mq.NewRabbitMQPublisher(cfg.RabbitMQ)
	case "pubsub":
		publisher, err = mq.NewPubSubPublisher(ctx, cfg.PubSub)
	default:
		return nil, nil, fmt.Errorf("unknown mq backend %q", cfg.MQBackend)
	}
	if err != nil {
		return nil, nil, err
	}
	return publisher, events.NewEmitter(publisher), nil
}

// newAvatarStore selects the avatar storage backend; no backend disables
// avatar hosting.
func newAvatarStore(ctx context.Context, cfg config.Config) (*storage.AvatarStore, error) {
	var backend storage.ObjectStore
	var err error

	switch strings.ToLower(strings.TrimSpace(cfg.StorageBackend)) {
	case "":
		return nil, nil
	case "minio":
		backend, err = storage.NewMinioStore(cfg.Minio)
	case "gcs":
		backend, err = storage.NewGCSStore(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
	if err != nil {
		return nil, err
	}

	avatars := storage.NewAvatarStore(backend)
	if err := avatars.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return avatars, nil
}

func closePublisher(publisher mq.Publisher) {
	if publisher != nil {
		_ = publisher.Close()
	}
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start runs the HTTP server.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown attempts a graceful shutdown.
func (s *Server) Shutdown() error {
	if s.db != nil {
		_ = s.db.Close()
	}
	closePublisher(s.publisher)
	return s.httpServer.Close()
}
