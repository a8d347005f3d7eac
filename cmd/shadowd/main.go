// Command shadowd serves shadow detection over HTTP.
//
//	shadowd -addr 127.0.0.1:8080 -model shadow.model -gpu
//
// See package server for the routes.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sd "github.com/nooniansoong/shadowdetection"
	"github.com/nooniansoong/shadowdetection/config"
	"github.com/nooniansoong/shadowdetection/gpu"
	"github.com/nooniansoong/shadowdetection/server"
)

func main() {
	var (
		addr     = flag.String("addr", "127.0.0.1:8080", "listen address")
		model    = flag.String("model", "", "libsvm model file")
		settings = flag.String("config", "", "XML settings file")
		useGPU   = flag.Bool("gpu", false, "run per-pixel stages on a compute device")
		maxBody  = flag.Int64("max-body", server.DefaultMaxBodyBytes, "maximum request body in bytes")
		verbose  = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	sd.SetLogger(logger)

	cfg := config.Empty()
	if *settings != "" {
		var err error
		if cfg, err = config.Load(*settings); err != nil {
			log.Fatalf("Failed to load settings: %v", err)
		}
	}

	opts := []sd.Option{sd.WithConfig(cfg), sd.WithCPUOnly()}
	if *useGPU {
		acc := gpu.New(gpu.WithConfig(cfg))
		if err := acc.Init(); err != nil {
			log.Printf("Compute device not available, using CPU: %v", err)
		} else {
			defer acc.Close()
			opts = append(opts, sd.WithAccelerator(acc))
		}
	}
	det := sd.NewDetector(opts...)
	defer det.Close()

	if *model != "" {
		if err := det.LoadModel(*model); err != nil {
			log.Fatalf("Failed to load model: %v", err)
		}
	} else {
		log.Printf("No model loaded; /v1/detect answers 503")
	}

	srv := &http.Server{
		Handler: server.New(server.Config{
			Detector:     det,
			Devices:      func() []gpu.PlatformInfo { return gpu.Devices(nil) },
			MaxBodyBytes: *maxBody,
			Logger:       logger,
		}),
		Addr:              *addr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()

	log.Printf("Starting server on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
