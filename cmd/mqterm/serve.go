package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vitalvas/mqterm"
	"github.com/vitalvas/mqterm/extensions/terminal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 10 * time.Second

func runServe(ctx context.Context, args []string, stderr io.Writer) error {
	fs := newFlagSet("serve", stderr)
	configPath := fs.String("config", "", "configuration file")
	prefix := fs.String("prefix", "", "topic prefix, overrides terminal.prefix")
	dir := fs.String("dir", "", "directory file commands are confined to")
	metricsAddr := fs.String("metrics", "", "address serving /metrics")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *prefix != "" {
		cfg.Terminal.Prefix = *prefix
	}
	if *dir != "" {
		cfg.Terminal.Dir = *dir
	}
	if *metricsAddr != "" {
		cfg.Metrics.Listen = *metricsAddr
	}

	log := cfg.Client.Logger(stderr)
	log.Info("starting mqterm agent", mqterm.LogFields{"version": version, "prefix": cfg.Terminal.Prefix})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := mqterm.NewPrometheusMetrics(reg, cfg.Client.ClientID)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	opts, err := cfg.Client.Options()
	if err != nil {
		return err
	}
	opts = append(opts,
		mqterm.WithLogger(log),
		mqterm.WithMetrics(metrics),
		mqterm.OnEvent(func(_ *mqterm.Client, event error) {
			log.Info("client event", mqterm.LogFields{mqterm.LogFieldReason: event.Error()})
		}),
	)

	client, err := mqterm.DialContext(ctx, opts...)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}

	term, err := terminal.New(client, &terminal.Options{
		Prefix:    cfg.Terminal.Prefix,
		Dir:       cfg.Terminal.Dir,
		Workers:   cfg.Terminal.Workers,
		ChunkSize: cfg.Terminal.ChunkSize,
		Rate:      rate.Limit(cfg.Terminal.Rate),
		Burst:     cfg.Terminal.Burst,
		Version:   version,
		Logger:    log,
	})
	if err != nil {
		_ = client.Close()
		return err
	}
	if err := term.Start(ctx); err != nil {
		_ = client.Close()
		return err
	}

	group, ctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           metricsHandler(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		group.Go(func() error {
			log.Info("serving metrics", mqterm.LogFields{"listen": srv.Addr})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	group.Go(func() error {
		select {
		case <-ctx.Done():
		case <-client.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := term.Stop(shutdownCtx)
		if derr := client.Disconnect(shutdownCtx); derr != nil && !errors.Is(derr, mqterm.ErrClientClosed) {
			err = errors.Join(err, derr)
		}
		log.Info("mqterm agent stopped", nil)
		return err
	})

	return group.Wait()
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}
