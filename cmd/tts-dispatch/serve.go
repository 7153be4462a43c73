package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/tts-dispatch/internal/channel"
	"github.com/book-expert/tts-dispatch/internal/config"
	"github.com/book-expert/tts-dispatch/internal/ledger"
	"github.com/book-expert/tts-dispatch/internal/worker"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"
)

const (
	natsClientName     = "tts-dispatch"
	handleTimeoutSlack = 5 * time.Second

	flagMaxInFlight     = "max-in-flight"
	flagMaxInFlightDesc = "Maximum number of requests synthesized at the same time"
	flagWatch           = "watch"
	flagWatchDesc       = "Reload endpoints and presets when the config file changes"
)

// ErrNATSRequired is returned by serve when no NATS URL is configured.
var ErrNATSRequired = errors.New("serve requires nats.url to be set")

func serveCmd(load func() (*runtime, error)) *cobra.Command {
	var (
		maxInFlight int
		watch       bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve synthesis requests from NATS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := load()
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, rt, maxInFlight, watch)
		},
	}
	cmd.Flags().IntVar(&maxInFlight, flagMaxInFlight, 0, flagMaxInFlightDesc)
	cmd.Flags().BoolVar(&watch, flagWatch, true, flagWatchDesc)

	return cmd
}

func serve(ctx context.Context, rt *runtime, maxInFlight int, watch bool) error {
	cfg := rt.cfg

	if cfg.NATS.URL == "" {
		return ErrNATSRequired
	}

	natsConnection, err := nats.Connect(cfg.NATS.URL, nats.Name(natsClientName))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer natsConnection.Close()

	jetstreamContext, err := jetstream.New(natsConnection)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	cleanupLedger, err := ledger.New(ctx, jetstreamContext, cfg.NATS.CleanupBucket)
	if err != nil {
		return err
	}

	outbound := channel.NewNatsChannel(natsConnection, cfg.NATS.OutboundSubject, cfg.NATS.NoticeSubject)
	pipeline := newStack(cfg, outbound, cleanupLedger, rt.log)
	defer pipeline.cleanup.Stop()

	_, err = pipeline.cleanup.Sweep(ctx)
	if err != nil {
		rt.log.Warn("Cleanup sweep failed, leftover files stay until the next start: %v", err)
	}

	if watch && rt.configPath != "" {
		watcher, watchErr := config.NewWatcher(rt.configPath, rt.log)
		if watchErr != nil {
			return watchErr
		}

		watcher.OnChange(pipeline.reload)

		watchErr = watcher.Start()
		if watchErr != nil {
			return watchErr
		}
		defer watcher.Stop()
	}

	natsWorker, err := worker.NewNatsWorker(
		natsConnection,
		cfg.NATS.RequestSubject,
		pipeline.dispatcher,
		worker.Options{
			HandleTimeout: cfg.General.RequestTimeout() + handleTimeoutSlack,
			MaxInFlight:   maxInFlight,
			DedupeSize:    0,
			DedupeTTL:     0,
		},
		rt.log,
	)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	rt.log.System("tts-dispatch initialized with %d endpoints. Listening for jobs on subject: %s",
		len(cfg.EasyTTS.Endpoints), cfg.NATS.RequestSubject)

	err = natsWorker.Run(ctx)
	if err != nil {
		return fmt.Errorf("worker stopped: %w", err)
	}

	rt.log.System("tts-dispatch shut down.")

	return nil
}
