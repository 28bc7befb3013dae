package cmd

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	processMaxItems int
	processTimeout  time.Duration
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Process one batch of queued webhook events",
	Long:  `Claim up to max-items eligible events, dispatch them and print the counts`,
	RunE:  runProcess,
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete completed events older than the retention period",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		purgeCompleted(cmd.Context(), a)
		return nil
	},
}

func init() {
	processCmd.Flags().IntVar(&processMaxItems, "max-items", 0, "maximum events to claim (default queue.max_items)")
	processCmd.Flags().DurationVar(&processTimeout, "timeout", 0, "per-event timeout (default queue.event_timeout)")
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(purgeCmd)
}

func runProcess(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := newApp(cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := a.processOptions()
	if processMaxItems > 0 {
		opts.MaxItems = processMaxItems
	}
	if processTimeout > 0 {
		opts.Timeout = processTimeout
	}

	result, err := a.dispatcher.ProcessQueue(ctx, opts)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func purgeCompleted(ctx context.Context, a *app) {
	retention := cfg.Queue.Retention
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	cutoff := time.Now().UTC().Add(-retention)

	purged, err := a.repos.Queue.PurgeCompleted(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("Failed to purge completed events")
		return
	}
	log.Info().Int64("purged", purged).Time("cutoff", cutoff).Msg("Purged completed events")
}
