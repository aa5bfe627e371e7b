// cmd/sensorhubd/run.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/tamzrod/sensorhub/internal/api"
	"github.com/tamzrod/sensorhub/internal/config"
	"github.com/tamzrod/sensorhub/internal/events"
	"github.com/tamzrod/sensorhub/internal/hub"
	"github.com/tamzrod/sensorhub/internal/logging"
	"github.com/tamzrod/sensorhub/internal/status"
	"github.com/tamzrod/sensorhub/internal/store"
)

const (
	statusInterval  = time.Second
	shutdownTimeout = 5 * time.Second
)

func run(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus(log.Named("events"))

	// --------------------
	// Reset journal (optional)
	// --------------------

	var journal *store.Journal
	if cfg.Journal.Path != "" {
		db, err := store.Open(cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := store.Migrate(db); err != nil {
			return err
		}
		if journal, err = store.NewJournal(db, cfg.Journal.Keep, log.Named("journal")); err != nil {
			return err
		}
		if err := journal.Attach(bus); err != nil {
			return err
		}
	}

	stream, err := events.NewStream(bus, 0)
	if err != nil {
		return err
	}

	// --------------------
	// Link + hub
	// --------------------

	tr, err := hub.BuildTransport(cfg.Transport, log.Named("transport"))
	if err != nil {
		return fmt.Errorf("transport build failed: %w", err)
	}

	h, err := hub.New(hub.ConfigFrom(cfg), tr, bus, log.Named("hub"))
	if err != nil {
		tr.Close()
		return fmt.Errorf("hub build failed: %w", err)
	}

	// --------------------
	// Status block (optional) + metrics
	// --------------------

	var statusWriter status.Writer
	if sm := cfg.StatusMemory; sm != nil {
		cli, err := status.NewModbusClient(sm.Endpoint, time.Duration(sm.TimeoutMs)*time.Millisecond)
		if err != nil {
			h.Close()
			return fmt.Errorf("status memory connect failed: %w", err)
		}
		defer cli.Close()

		bw, err := status.NewBlockWriter(cli, sm.UnitID, sm.Slot, sm.DeviceName)
		if err != nil {
			h.Close()
			return err
		}
		statusWriter = bw
	}

	tracker, err := status.NewTracker(h, statusWriter, statusInterval, log.Named("status"))
	if err != nil {
		h.Close()
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		status.NewCollector(h, tracker),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// --------------------
	// Start
	// --------------------

	if err := h.Start(ctx); err != nil {
		h.Close()
		return fmt.Errorf("hub start failed: %w", err)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		tracker.Run(ctx)
	}()

	// The journal outlives ctx so the cycles finished during shutdown are kept.
	journalCtx, stopJournal := context.WithCancel(context.Background())
	defer stopJournal()
	if journal != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			journal.Run(journalCtx)
		}()
	}

	srvErr := make(chan error, 1)
	var srv *http.Server
	if cfg.API.Listen != "" {
		opts := api.Options{Health: tracker, Stream: stream, Metrics: reg}
		if journal != nil {
			opts.Journal = journal
		}
		handler, err := api.NewRouter(h, opts, log.Named("api"))
		if err != nil {
			stop()
			h.Close()
			wg.Wait()
			return err
		}
		srv = &http.Server{
			Addr:              cfg.API.Listen,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				srvErr <- err
			}
		}()
	}

	log.Info("sensorhubd running",
		zap.String("hub", cfg.Hub.Name),
		zap.String("transport", cfg.Transport.Kind),
		zap.Int("targets", len(cfg.Targets)),
		zap.String("api", cfg.API.Listen),
		zap.Bool("journal", journal != nil),
		zap.Bool("status_memory", statusWriter != nil),
	)

	// --------------------
	// Wait for signal, then shut down in reverse order
	// --------------------

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-srvErr:
		log.Error("api server failed", zap.Error(err))
		runErr = fmt.Errorf("api server: %w", err)
	}
	stop()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("api shutdown", zap.Error(err))
		}
		cancel()
	}

	if err := h.Close(); err != nil {
		log.Warn("hub close", zap.Error(err))
	}

	stopJournal()
	wg.Wait()

	return runErr
}
