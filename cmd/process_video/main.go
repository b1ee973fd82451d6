package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pavementscan"
	"github.com/pavementscan/internal/config"
	"github.com/pavementscan/internal/logging"
)

func serveMetrics(addr string, reg *prometheus.Registry, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Info("metrics server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	return srv
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		return 1
	}
	defer log.Sync()

	yolo, err := pavementscan.NewYolo(cfg.YoloOptions()...)
	if err != nil {
		log.Error("load model", zap.Error(err))
		fmt.Fprintf(os.Stderr, "load model: %v\n", err)
		return 1
	}
	defer yolo.Destroy()

	reg := prometheus.NewRegistry()
	metrics := pavementscan.NewMetrics(reg)
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, reg, log)
		defer srv.Shutdown(context.Background())
	}

	process := func(ctx context.Context, req request, progress pavementscan.ProgressFunc) (string, error) {
		opts := []pavementscan.PipelineOption{
			pavementscan.WithEveryNth(cfg.EveryNth),
			pavementscan.WithCorrector(pavementscan.FlatFieldCorrector{Sigma: cfg.FlatFieldSigma}),
			pavementscan.WithSinkOpener(pavementscan.GocvSinkOpener(cfg.Codec)),
			pavementscan.WithProgress(progress),
			pavementscan.WithLogger(log),
			pavementscan.WithMetrics(metrics),
		}
		if cfg.StrictDetection {
			opts = append(opts, pavementscan.WithStrictDetection())
		}
		return pavementscan.NewPipeline(yolo, opts...).Process(ctx, req.Input, req.Output, req.Window)
	}

	log.Info("pavementscan started", zap.String("model", cfg.ModelPath))
	if _, err := tea.NewProgram(newModel(process, cfg.ModelPath), tea.WithAltScreen()).Run(); err != nil {
		log.Error("ui error", zap.Error(err))
		fmt.Fprintf(os.Stderr, "ui: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(run())
}
