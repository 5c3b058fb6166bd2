package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/buhmarket/internal/changefeed"
	"github.com/buhmarket/internal/changefeed/pgfeed"
	"github.com/buhmarket/internal/config"
	"github.com/buhmarket/internal/handler"
	"github.com/buhmarket/internal/logger"
	"github.com/buhmarket/internal/middleware"
	"github.com/buhmarket/internal/notify"
	"github.com/buhmarket/internal/push"
	"github.com/buhmarket/internal/repository"
	"github.com/buhmarket/internal/session"
	"github.com/buhmarket/internal/startup"
	"github.com/buhmarket/internal/storage"
	kvmemory "github.com/buhmarket/internal/storage/memory"
	"github.com/buhmarket/internal/ws"
	"github.com/buhmarket/migrations"
)

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	flag.Parse()

	logger.Info("starting API service")
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev {
		var err error
		embeddedDB, err = startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Fatalf("embedded postgres: %v", err)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		logger.Fatalf("parse db config: %v", err)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 4

	pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "")
	defer pool.Close()

	runMigrations(pool)
	if *migrate && !*dev {
		return
	}
	logger.Info("database connected, migrations applied")

	bgCtx, bgCancel := context.WithCancel(context.Background())
	var bgWg sync.WaitGroup

	// Лента изменений: LISTEN на канале триггера notify_row_change -> брокер -> сессии.
	broker := changefeed.NewBroker(0)
	listener := pgfeed.NewListener(pool, cfg.Chat.ChangefeedChannel, broker)
	bgWg.Add(1)
	go func() {
		defer bgWg.Done()
		listener.Run(bgCtx)
	}()

	msgRepo := repository.NewMessageRepository(pool)
	jobRepo := repository.NewJobRepository(pool)
	notifRepo := repository.NewNotificationRepository(pool)
	profileRepo := repository.NewProfileRepository(pool)

	var kv storage.Store
	if cfg.Redis.URL != "" {
		kv = startup.ConnectRedisWithRetry(cfg.Redis.URL, 30*time.Second, "")
		logger.Info("send guard: redis")
	} else {
		kv = kvmemory.New()
		logger.Info("send guard: in-memory (single instance only)")
	}
	defer kv.Close()

	pushClient := push.NewClient(cfg.PushServiceURL, cfg.InternalSecret)
	notifyOpts := notify.Options{ReconcileDelay: cfg.Notify.ReconcileDelay, CountChat: cfg.Notify.CountChat}

	var hub *ws.Hub
	var emitter *notify.Emitter
	hub = ws.NewHub(func(userID string) *session.Session {
		return session.New(session.Deps{
			Messages:      msgRepo,
			Jobs:          jobRepo,
			Notifications: notifRepo,
			Feed:          broker,
			Guard:         kv,
			Notifier:      emitter,
			NotifyOptions: notifyOpts,
			HistoryLimit:  cfg.Chat.HistoryLimit,
			SendKeyTTL:    cfg.Chat.SendKeyTTL,
		}, userID)
	}, cfg.MaxWSConnections)
	emitter = notify.NewEmitter(notifRepo, hub, pushClient)

	bgWg.Add(1)
	go func() {
		defer bgWg.Done()
		hub.Run(bgCtx)
	}()

	convH := handler.NewConversationHandler(jobRepo, msgRepo, kv, emitter, cfg.Chat.HistoryLimit, cfg.Chat.SendKeyTTL)
	notifH := handler.NewNotificationHandler(notifRepo, notifyOpts)
	jobH := handler.NewJobHandler(jobRepo, profileRepo, emitter)
	wsH := handler.NewWSHandler(hub, cfg.CORSAllowedOrigins)
	configH := handler.NewConfigHandler(cfg)
	pushH := handler.NewPushHandler(pushClient)

	auth := middleware.AuthServiceValidate(cfg.AuthServiceURL, nil)
	if cfg.AuthServiceURL == "" {
		if !*dev {
			logger.Fatalf("AUTH_SERVICE_URL is required outside -dev")
		}
		logger.Info("dev mode: user taken from X-User-Id header")
		auth = middleware.DevUser
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket — иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			chimw.Compress(5)(next).ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSAllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Session-Id", "X-User-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Get("/api/config/push", configH.GetPushConfig)
	r.Get("/api/config/chat", configH.GetChatConfig)

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(middleware.RateLimit(cfg.RateLimitPerIP, cfg.RateLimitPerUser, middleware.DefaultRateWindow))
		r.Get("/api/conversations", convH.List)
		r.Get("/api/conversations/{jobId}/messages", convH.Messages)
		r.Post("/api/conversations/{jobId}/messages", convH.Send)
		r.Post("/api/conversations/{jobId}/read", convH.MarkRead)
		r.Get("/api/notifications", notifH.List)
		r.Get("/api/notifications/count", notifH.Count)
		r.Post("/api/notifications/read", notifH.MarkRead)
		r.Post("/api/notifications/read-all", notifH.MarkAllRead)
		r.Post("/api/jobs/{jobId}/invite", jobH.Invite)
		r.Post("/api/push/subscribe", pushH.Subscribe)
		r.Delete("/api/push/subscribe", pushH.Unsubscribe)
		r.Get("/ws", wsH.ServeWS)
	})

	webDist := "./web/dist"
	if info, err := os.Stat(webDist); err == nil && info.IsDir() {
		r.Get("/*", spaHandler(webDist))
	}

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server error: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	bgCancel()
	bgWg.Wait()
	broker.Close()
	logger.Info("hub and changefeed stopped")
	srvWg.Wait()
	logger.Info("server goroutine exited")
	logger.Flush()
}

func spaHandler(dir string) http.HandlerFunc {
	fs := http.Dir(dir)
	fileServer := http.FileServer(fs)
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(filepath.Clean(r.URL.Path), "/")
		if path == "" {
			path = "index.html"
		}
		if f, err := fs.Open(path); err != nil {
			http.ServeFile(w, r, filepath.Join(dir, "index.html"))
		} else {
			f.Close()
			fileServer.ServeHTTP(w, r)
		}
	}
}

// runMigrations применяет встроенные *.sql по порядку имён. Миграции идемпотентны.
func runMigrations(pool *pgxpool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	files, err := fs.Glob(migrations.Files, "*.sql")
	if err != nil {
		logger.Fatalf("list migrations: %v", err)
	}
	sort.Strings(files)
	for _, f := range files {
		data, err := migrations.Files.ReadFile(f)
		if err != nil {
			logger.Fatalf("read migration %s: %v", f, err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			logger.Fatalf("run migration %s: %v", f, err)
		}
	}
	logger.Infof("migrations applied: %d", len(files))
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "buhmarket"
		password = "buhmarket_secret"
		database = "buhmarket"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
