package main

import (
	"canvas-sync/auth"
	"canvas-sync/engine"
	"canvas-sync/handlers/api/objects"
	"canvas-sync/handlers/api/snapshots"
	websockethandler "canvas-sync/handlers/websocket"
	"canvas-sync/live"
	authMiddleware "canvas-sync/middleware"
	"canvas-sync/ratelimit"
	"canvas-sync/stores"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

func setupRouter(eng *engine.Engine) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length", "X-CSRF-Token", "Token", "session", "Origin", "Host", "Connection", "Accept-Encoding", "Accept-Language", "X-Requested-With"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))

	r.Route("/api/v2", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.AuthJWT)
			r.Route("/canvases/{canvasID}", func(r chi.Router) {
				r.Get("/objects", objects.HandleListObjects(eng))
				r.Post("/objects", objects.HandleCreateObject(eng))
				r.Put("/objects/{objectID}", objects.HandleUpdateObject(eng))
				r.Delete("/objects/{objectID}", objects.HandleDeleteObject(eng))

				r.Post("/export", snapshots.HandleExportCanvas(eng))
				r.Get("/export/{snapshotID}", snapshots.HandleGetExport(eng))
			})
		})
	})

	return r
}

func buildLimiter() ratelimit.Limiter {
	capacity := 50
	if raw := os.Getenv("RATE_LIMIT_BURST"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			capacity = n
		}
	}
	refill := 25.0
	if raw := os.Getenv("RATE_LIMIT_PER_SECOND"); raw != "" {
		if n, err := strconv.ParseFloat(raw, 64); err == nil && n > 0 {
			refill = n
		}
	}
	return ratelimit.NewTokenBucket(capacity, refill)
}

func waitForShutdown(ioo *socketio.Server) {
	exit := make(chan struct{})
	signalC := make(chan os.Signal, 1)

	signal.Notify(signalC, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		for s := range signalC {
			switch s {
			case os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT:
				close(exit)
				return
			}
		}
	}()

	<-exit
	ioo.Close(nil)
	logrus.Info("Shutting down...")
	os.Exit(0)
}

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found")
	}

	listenAddress := flag.String("listen", ":3002", "The address to listen on.")
	logLevel := flag.String("loglevel", "info", "The log level (debug, info, warn, error).")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	auth.Init()
	store := stores.GetStore()
	snapshotStore := stores.GetSnapshotStore()
	registry := live.NewRegistry()
	eng := engine.New(store, snapshotStore, buildLimiter(), registry)

	r := setupRouter(eng)

	ioo := websockethandler.SetupSocketIO(eng)
	r.Mount("/socket.io/", ioo.ServeHandler(nil))

	logrus.WithField("addr", *listenAddress).Info("starting server")
	go func() {
		if err := http.ListenAndServe(*listenAddress, r); err != nil {
			logrus.WithField("event", "start server").Fatal(err)
		}
	}()

	logrus.Debug("Server is running in the background")
	waitForShutdown(ioo)
}
