// Command keelson-record subscribes to keelson bus keys and records every
// message into rotating MCAP files.
//
//	keelson-record -k 'rise/@v0/**/pubsub/**' --output-folder /data \
//	    --rotate-when MIDNIGHT --rotate-size 500MB
//
// SIGHUP closes the current file and opens a new one. SIGINT and SIGTERM
// stop the subscriptions, drain the queue and close the file.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rbaliyan/recorder/config"
	"github.com/rbaliyan/recorder/control"
	"github.com/rbaliyan/recorder/recorder"
	"github.com/rbaliyan/recorder/subjects"
	"github.com/rbaliyan/recorder/transport"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"
)

const name = "keelson-record"

// healthInterval is how often the bus connection is checked for the
// control plane health service.
const healthInterval = 5 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Parse(name, args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, _ := cfg.Level()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if cfg.PIDFile != "" {
		if err := writePIDFile(cfg.PIDFile); err != nil {
			return err
		}
		defer removePIDFile(cfg.PIDFile, logger)
	}

	registry := subjects.Default()
	if cfg.ExtraSubjectsTypes != "" {
		if err := registry.LoadExtra(cfg.ExtraSubjectsTypes); err != nil {
			return fmt.Errorf("failed to load extra subjects: %w", err)
		}
	}

	rot, _ := cfg.Rotation()
	metrics := recorder.NewMetrics("keelson")
	opts := []recorder.Option{
		recorder.WithOutputDir(cfg.OutputFolder),
		recorder.WithFilePattern(cfg.FileName),
		recorder.WithRotation(rot),
		recorder.WithResolver(registry),
		recorder.WithBackpressure(cfg.QueueWarn, cfg.QueueError),
		recorder.WithMetrics(metrics),
		recorder.WithFrequencies(cfg.ShowFrequencies),
		recorder.WithLogger(logger.With("component", "recorder")),
	}

	store, closeStore, err := openManifest(context.Background(), cfg.Manifest)
	if err != nil {
		return err
	}
	defer closeStore()
	if store != nil {
		opts = append(opts, recorder.WithManifest(store))
	}

	rec, err := recorder.New(opts...)
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return err
		}
		stopMetrics, err := serveMetrics(cfg.MetricsAddr, logger)
		if err != nil {
			return err
		}
		defer stopMetrics()
	}

	var ctl *control.Service
	if cfg.ControlAddr != "" {
		ctl = control.New(rec, logger.With("component", "control"))
		stopControl, err := serveControl(cfg.ControlAddr, ctl, logger)
		if err != nil {
			return err
		}
		defer stopControl()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			logger.Info("SIGHUP received, rotating")
			rec.RequestRotation()
		}
	}()

	b, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.close()

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	done := make(chan error, 1)
	go func() { done <- rec.Run(runCtx) }()

	if checker, ok := b.source.(transport.HealthChecker); ok && ctl != nil {
		go ctl.WatchTransport(runCtx, checker, healthInterval)
	}

	if cfg.Query {
		queryLatest(ctx, b.source, cfg.Keys, rec.Handler(), logger)
	}

	subs, err := subscribe(ctx, b.source, cfg.Keys, rec.Handler())
	if err != nil {
		cancelRun()
		return errors.Join(err, <-done)
	}
	logger.Info("recording",
		"keys", cfg.Keys,
		"output_folder", cfg.OutputFolder,
		"transport", cfg.Transport,
		"session", rec.Stats().SessionID)

	if cfg.ShowFrequencies {
		go showFrequencies(runCtx, rec, logger)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		if ctl != nil {
			ctl.SetServing(false)
		}
		unsubscribe(subs, logger)
		cancelRun()
		err = <-done
	case err = <-done:
		unsubscribe(subs, logger)
	}
	if err != nil {
		return err
	}

	st := rec.Stats()
	logger.Info("recording finished",
		"written", st.Written,
		"dropped", st.Dropped,
		"files", st.Files)
	return nil
}

func subscribe(ctx context.Context, src transport.Source, keys []string, h transport.Handler) ([]transport.Subscription, error) {
	subs := make([]transport.Subscription, 0, len(keys))
	for _, key := range keys {
		sub, err := src.Subscribe(ctx, key, h)
		if err != nil {
			for _, s := range subs {
				_ = s.Close(ctx)
			}
			return nil, fmt.Errorf("failed to subscribe to %s: %w", key, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func unsubscribe(subs []transport.Subscription, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, sub := range subs {
		if err := sub.Close(ctx); err != nil {
			logger.Warn("failed to close subscription", "pattern", sub.Pattern(), "error", err)
		}
	}
}

// queryLatest feeds the current value of every key to h before live
// messages start.
func queryLatest(ctx context.Context, src transport.Source, keys []string, h transport.Handler, logger *slog.Logger) {
	q, ok := src.(transport.Querier)
	if !ok {
		logger.Warn("transport does not retain values, skipping query")
		return
	}
	for _, key := range keys {
		n, err := q.Query(ctx, key, h)
		if err != nil {
			logger.Warn("query failed", "key", key, "error", err)
			continue
		}
		logger.Info("queried latest values", "key", key, "count", n)
	}
}

func showFrequencies(ctx context.Context, rec *recorder.Recorder, logger *slog.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			freqs := rec.Frequencies()
			keys := make([]string, 0, len(freqs))
			for k := range freqs {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				logger.Info("frequency", "key", k, "hz", fmt.Sprintf("%.2f", freqs[k]))
			}
		}
	}
}

func serveMetrics(addr string, logger *slog.Logger) (func(), error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", lis.Addr().String())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func serveControl(addr string, svc *control.Service, logger *slog.Logger) (func(), error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("control listener: %w", err)
	}
	srv := grpc.NewServer()
	svc.Register(srv)
	go func() {
		if err := srv.Serve(lis); err != nil {
			logger.Error("control server failed", "error", err)
		}
	}()
	logger.Info("serving control plane", "addr", lis.Addr().String())
	return func() {
		svc.Shutdown()
		srv.GracefulStop()
	}, nil
}
