package main

import (
	"context"
	"crypto/subtle"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"kelda/api/config"
	"kelda/api/deploy"
	"kelda/api/fleet"
	"kelda/api/gateway"
	"kelda/api/handler"
	"kelda/api/health"
	"kelda/api/hub"
	"kelda/api/kube"
	"kelda/api/provision"
	"kelda/api/storage"
	"kelda/api/store"
	"kelda/api/task"
	"kelda/api/term"
)

func main() {
	cfg := config.Load()

	db, err := store.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	if err := store.Migrate(db); err != nil {
		log.Fatalf("migration: %v", err)
	}
	servers := db.Servers()
	units := db.Units()

	kubeClient, err := kube.NewClient()
	if err != nil {
		log.Printf("WARNING: kubernetes unavailable (%v), unit operations disabled until a cluster is installed", err)
	}

	var s3Client *storage.Client
	if cfg.S3Endpoint != "" {
		s3Client, err = storage.NewClient(storage.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			log.Printf("WARNING: S3 storage unavailable (%v)", err)
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := s3Client.EnsureBucket(ctx); err != nil {
				log.Printf("WARNING: archive bucket: %v", err)
			}
			cancel()
			log.Println("S3 storage connected at " + cfg.S3Endpoint)
		}
	}

	allowedOrigins := []string{"http://localhost:5173", "http://localhost:3000"}
	if cfg.AllowedOrigins != "" {
		for _, o := range strings.Split(cfg.AllowedOrigins, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				allowedOrigins = append(allowedOrigins, o)
			}
		}
	}

	ws := hub.New(allowedOrigins)
	go ws.Run()

	dialer := &gateway.SSHDialer{}
	commandTimeout := time.Duration(cfg.CommandTimeout) * time.Second

	tasks := task.NewRegistry(task.Options{
		BootstrapWorkers: cfg.BootstrapPool,
		PlaybookWorkers:  cfg.PlaybookPool,
	})

	fleetReg := fleet.NewRegistry(servers)

	orch := &provision.Orchestrator{
		Dialer:         dialer,
		Servers:        servers,
		Tasks:          tasks,
		WS:             ws,
		State:          provision.NewState(),
		CommandTimeout: commandTimeout,
	}

	pipeline := &deploy.Pipeline{
		Dialer:         dialer,
		Servers:        servers,
		Units:          units,
		Kube:           kubeClient,
		WS:             ws,
		RegistryUser:   cfg.RegistryUser,
		UploadsDir:     cfg.UploadsDir,
		CommandTimeout: commandTimeout,
	}
	if s3Client != nil {
		pipeline.Archives = s3Client
	}

	poller := &health.Poller{Servers: servers, WS: ws}
	pollerCtx, pollerCancel := context.WithCancel(context.Background())
	defer pollerCancel()
	go poller.Run(pollerCtx)

	terminal := term.NewProxy(dialer, servers, allowedOrigins, cfg.APIToken)

	h := handler.New(servers, units, fleetReg, tasks, orch, pipeline, dialer, Version)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}))

	// Optional bearer token auth when KELDA_API_TOKEN is set
	if cfg.APIToken != "" {
		r.Use(bearerAuth(cfg.APIToken))
		log.Println("API token auth enabled")
	}

	h.Mount(r)
	r.Get("/ws", ws.HandleConnect)
	r.Get("/ws/terminal", terminal.HandleConnect)

	srv := &http.Server{
		Addr:    cfg.BindAddr + ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		log.Printf("kelda %s listening on %s:%s", Version, cfg.BindAddr, cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")
	tasks.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Websocket clients cannot set headers; those endpoints
			// carry their own origin checks.
			if strings.HasPrefix(r.URL.Path, "/ws") || r.URL.Path == "/api/health" || r.URL.Path == "/api/version" {
				next.ServeHTTP(w, r)
				return
			}
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(auth[7:]), []byte(token)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
