package cmd

import (
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/cordum/pdpsync/core/infra/bus"
)

func newWatchCmd() *cobra.Command {
	var natsURL string
	c := &cobra.Command{
		Use:   "watch",
		Short: "Stream PDP status events from NATS",
		Long: `Subscribe to pdp.status.> and print every status change published by
cordum-pdp daemons until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := bus.NewNatsBus(natsURL)
			if err != nil {
				return err
			}
			defer b.Close()
			out := cmd.OutOrStdout()
			var mu sync.Mutex
			_, err = b.Subscribe(bus.StatusSubjectPrefix+">", func(_ string, data []byte) error {
				ev, err := bus.DecodeStatusEvent(data)
				if err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				fmt.Fprintln(out, formatEvent(ev))
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Watching %s on %s (Ctrl+C to stop)\n", bus.StatusSubjectPrefix+">", b.ConnectedURL())
			<-cmd.Context().Done()
			return nil
		},
	}
	defaultURL := os.Getenv("NATS_URL")
	if defaultURL == "" {
		defaultURL = "nats://localhost:4222"
	}
	c.Flags().StringVar(&natsURL, "nats", defaultURL, "NATS server URL")
	return c
}

func formatEvent(ev bus.StatusEvent) string {
	ts := formatTime(ev.EmittedAt)
	if ev.Kind == bus.EventRemoved {
		return fmt.Sprintf("%s  %-12s %s  %s", ts, ev.Status.PdpID, failColor.Sprint("REMOVED"), ev.InstanceID)
	}
	line := fmt.Sprintf("%s  %-12s %s  %s", ts, ev.Status.PdpID, stateLabel(ev.Status.State), ev.InstanceID)
	if ev.Status.LastError != "" {
		line += "  " + ev.Status.LastError
	}
	return line
}
