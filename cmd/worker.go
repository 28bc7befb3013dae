package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ReadySet1/destino-sf-sub000/internal/messaging"
	"github.com/ReadySet1/destino-sf-sub000/internal/services"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long: `Start the background worker. It relays webhooks from Azure Service Bus into
the event queue, drains the queue on a schedule and purges old completed events.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := newApp(cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Azure.QueueConnStr != "" {
		consumer, err := messaging.NewConsumer(cfg.Azure,
			messaging.WithMetrics(a.collector),
			messaging.WithPermanentErrors(func(err error) bool {
				return errors.Is(err, services.ErrInvalidEnvelope)
			}),
		)
		if err != nil {
			return err
		}
		defer func() {
			if err := consumer.Close(context.Background()); err != nil {
				log.Warn().Err(err).Msg("Failed to close Service Bus consumer")
			}
		}()

		g.Go(func() error {
			return consumer.Run(ctx, func(ctx context.Context, body []byte) error {
				_, err := a.ingest.Ingest(ctx, body)
				return err
			})
		})
	} else {
		log.Warn().Msg("Azure Service Bus not configured, relying on HTTP webhook intake")
	}

	g.Go(func() error {
		return runSchedule(ctx, a)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}

// runSchedule drains the queue every poll interval and purges completed
// events once a day until ctx is done
func runSchedule(ctx context.Context, a *app) error {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return errors.Wrap(err, "failed to create scheduler")
	}

	interval := cfg.Queue.PollInterval
	if interval <= 0 {
		interval = time.Minute
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			result, err := a.dispatcher.ProcessQueue(ctx, a.processOptions())
			if err != nil {
				log.Error().Err(err).Msg("Scheduled queue run failed")
				return
			}
			if result.Processed+result.Failed+result.Skipped > 0 {
				log.Info().
					Int("processed", result.Processed).
					Int("failed", result.Failed).
					Int("skipped", result.Skipped).
					Msg("Scheduled queue run finished")
			}
		}),
		gocron.WithName("process-queue"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return errors.Wrap(err, "failed to schedule queue processing")
	}

	_, err = scheduler.NewJob(
		gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(3, 0, 0))),
		gocron.NewTask(func() {
			purgeCompleted(ctx, a)
		}),
		gocron.WithName("purge-completed"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return errors.Wrap(err, "failed to schedule queue purge")
	}

	log.Info().Dur("poll_interval", interval).Msg("Starting queue scheduler")
	scheduler.Start()

	<-ctx.Done()

	return scheduler.Shutdown()
}
