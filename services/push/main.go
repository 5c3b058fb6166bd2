// Микросервис пуш-уведомлений (Web Push): подписки в Redis, отправка через VAPID.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/buhmarket/internal/logger"
	"github.com/buhmarket/internal/middleware"
	"github.com/buhmarket/internal/push"
	"github.com/buhmarket/internal/startup"
	"github.com/buhmarket/internal/storage"
	"github.com/buhmarket/internal/storage/memory"
)

type Config struct {
	ServerAddr      string
	RedisURL        string
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDKeysFile   string
	Subscriber      string
	InternalSecret  string
}

func loadConfig() *Config {
	return &Config{
		ServerAddr:      getEnv("SERVER_ADDR", ":8082"),
		RedisURL:        os.Getenv("REDIS_URL"),
		VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDKeysFile:   getEnv("VAPID_KEYS_FILE", push.DefaultVAPIDKeysPath),
		Subscriber:      getEnv("VAPID_SUBSCRIBER", "support@buhmarket.ru"),
		InternalSecret:  os.Getenv("INTERNAL_SECRET"),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	logger.SetPrefix("push")
	if len(os.Args) > 1 && (os.Args[1] == "-gen-vapid" || os.Args[1] == "--gen-vapid") {
		keys, err := push.GenerateVAPIDKeys()
		if err != nil {
			logger.Fatalf("generate VAPID: %v", err)
		}
		logger.Infof("VAPID_PUBLIC_KEY=%s", keys.PublicKey)
		logger.Infof("VAPID_PRIVATE_KEY=%s", keys.PrivateKey)
		logger.Flush()
		return
	}
	logger.Info("starting push service")
	cfg := loadConfig()
	keys, err := push.ResolveVAPIDKeys(push.VAPIDKeys{PublicKey: cfg.VAPIDPublicKey, PrivateKey: cfg.VAPIDPrivateKey}, cfg.VAPIDKeysFile)
	if err != nil {
		logger.Errorf("VAPID: %v — push отключены", err)
		keys = nil
	}

	var store storage.Store
	if cfg.RedisURL != "" {
		store = startup.ConnectRedisWithRetry(cfg.RedisURL, 2*time.Minute, "push: ")
		logger.Info("redis connected")
	} else {
		logger.Info("REDIS_URL не задан — подписки хранятся в памяти процесса")
		store = memory.New()
	}
	defer store.Close()

	sender := push.NewSender(store, keys, cfg.Subscriber, nil)
	if !sender.Enabled() {
		logger.Info("VAPID-ключи не заданы — подписки сохраняются, отправка не выполняется")
	}
	public := ""
	if keys != nil {
		public = keys.PublicKey
	}
	s := push.NewServer(store, sender, public)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(middleware.RecoverJSON)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Group(func(r chi.Router) {
		r.Use(middleware.InternalOnly(cfg.InternalSecret))
		s.Routes(r)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Infof("push server listening on %s", cfg.ServerAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("push server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutdown signal received")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown: %v", err)
	}
	logger.Info("push server stopped")
	logger.Flush()
}
