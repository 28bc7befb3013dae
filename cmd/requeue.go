package cmd

import (
	"fmt"
	"strings"

	"github.com/ReadySet1/destino-sf-sub000/internal/models"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	requeueList  bool
	requeueLimit int
)

var requeueCmd = &cobra.Command{
	Use:   "requeue [event-id...]",
	Short: "Give FAILED webhook events a fresh retry budget",
	Long: `Reset FAILED events to PENDING with zero attempts so the next queue run
picks them up again. With --list, print the FAILED events instead.`,
	RunE: runRequeue,
}

func init() {
	requeueCmd.Flags().BoolVar(&requeueList, "list", false, "list FAILED events")
	requeueCmd.Flags().IntVar(&requeueLimit, "limit", 50, "maximum events to list")
	rootCmd.AddCommand(requeueCmd)
}

func runRequeue(cmd *cobra.Command, args []string) error {
	if !requeueList && len(args) == 0 {
		return errors.New("pass at least one event id or --list")
	}

	a, err := newApp(cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if requeueList {
		events, err := a.repos.Queue.ListByStatus(ctx, models.QueueStatusFailed, requeueLimit)
		if err != nil {
			return err
		}
		for _, event := range events {
			message := ""
			if event.ErrorMessage != nil {
				message = strings.SplitN(*event.ErrorMessage, "\n", 2)[0]
			}
			fmt.Fprintf(out, "%s\t%s\t%d\t%s\n", event.EventID, event.EventType, event.Attempts, message)
		}
		return nil
	}

	var failed int
	for _, eventID := range args {
		if err := a.repos.Queue.Requeue(ctx, eventID); err != nil {
			log.Error().Err(err).Str("event_id", eventID).Msg("Failed to requeue event")
			failed++
			continue
		}
		fmt.Fprintf(out, "requeued %s\n", eventID)
	}
	if failed > 0 {
		return errors.Errorf("%d of %d events could not be requeued", failed, len(args))
	}
	return nil
}
