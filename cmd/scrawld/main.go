// Command scrawld runs the collaborative drawing server: a websocket
// endpoint backed by the room replication engine, plus health and metrics
// endpoints.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/scrawlhq/scrawl/clientapi/routing"
	"github.com/scrawlhq/scrawl/roomserver/api"
	"github.com/scrawlhq/scrawl/roomserver/storage"
	"github.com/scrawlhq/scrawl/setup/config"
)

var (
	configPath = flag.String("config", "", "Path to the YAML config file (optional)")
	listenAddr = flag.String("listen", "", "Override the listen address")
	dataDir    = flag.String("data", "", "Override the snapshot data directory")
)

func main() {
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logrus.WithError(err).Fatal("Invalid configuration")
		}
		cfg = loaded
	}
	if *listenAddr != "" {
		cfg.Listen = *listenAddr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid log level")
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000000000Z07:00",
		FullTimestamp:   true,
	})

	store := storage.NewStore(cfg.DataDir)
	rooms := api.NewRooms(store)

	router := mux.NewRouter()
	dispatcher := routing.Setup(router, rooms)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logrus.WithFields(logrus.Fields{
			"listen":   cfg.Listen,
			"data_dir": cfg.DataDir,
		}).Info("Starting scrawld")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logrus.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("HTTP server shutdown was not clean")
	}
	dispatcher.Stop()
	// Flush every live room so the throttle window cannot eat the tail of
	// committed work.
	rooms.Shutdown()
	logrus.Info("Shutdown complete")
}
