package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/randalmurphal/flowengine/pkg/flowengine/checkpoint"
	"github.com/randalmurphal/flowengine/pkg/flowengine/event"
	"github.com/randalmurphal/flowengine/pkg/flowengine/flows"
	"github.com/randalmurphal/flowengine/pkg/flowengine/session"
	"github.com/randalmurphal/flowengine/pkg/flowengine/transport"
)

type pingOptions struct {
	from    string
	to      string
	group   string
	count   int
	message string
	timeout time.Duration
}

func newPingCmd(v *viper.Viper, opts *options) *cobra.Command {
	ro := &pingOptions{}
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Run a ping flow against a local pong responder",
		Long: `Starts a ping flow that opens a session to the counterparty, exchanges
the requested number of ping/pong messages, closes the session and finishes.
The pong responder runs in the same process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPing(cmd.Context(), v, opts, ro)
		},
	}
	cmd.Flags().StringVar(&ro.from, "from", "alice", "identity name of the ping flow")
	cmd.Flags().StringVar(&ro.to, "to", "bob", "identity name of the counterparty")
	cmd.Flags().StringVar(&ro.group, "group", "local", "identity group")
	cmd.Flags().IntVarP(&ro.count, "count", "n", 3, "number of pings")
	cmd.Flags().StringVarP(&ro.message, "message", "m", "ping", "ping text")
	cmd.Flags().DurationVar(&ro.timeout, "timeout", 30*time.Second, "time to wait for the flow to finish")
	return cmd
}

func runPing(ctx context.Context, v *viper.Viper, opts *options, ro *pingOptions) error {
	s, err := settings(v)
	if err != nil {
		return err
	}
	logger := newLogger(opts)

	terminal := make(chan event.FlowStatus, 16)
	sink := transport.StatusSinkFunc(func(_ context.Context, st event.FlowStatus) {
		if !st.Status.IsTerminal() {
			return
		}
		select {
		case terminal <- st:
		default:
		}
	})

	e, err := newEngine(ctx, s, logger, sink)
	if err != nil {
		return err
	}
	defer e.Close()

	args, err := flows.PingArgs{
		Counterparty: session.Identity{Name: ro.to, Group: ro.group},
		Count:        ro.count,
		Message:      ro.message,
	}.Encode()
	if err != nil {
		return err
	}

	flowID, err := e.transport.Start(ctx, event.StartFlow{
		ClientRequestID: event.NewRequestID(),
		FlowClassName:   flows.PingFlowName,
		Identity:        session.Identity{Name: ro.from, Group: ro.group},
		StartArgs:       args,
	})
	if err != nil {
		return fmt.Errorf("start flow: %w", err)
	}
	color.Blue("Started %s flow %s (%s -> %s, store: %s)", flows.PingFlowName, flowID, ro.from, ro.to, s.Store.Driver)

	ctx, cancel := context.WithTimeout(ctx, ro.timeout)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("flow %s did not finish: %w", flowID, ctx.Err())
		case st := <-terminal:
			if st.FlowID != flowID {
				continue
			}
			return report(st, e)
		}
	}
}

func report(st event.FlowStatus, e *engine) error {
	stats := e.hospital.Stats()
	switch st.Status {
	case checkpoint.StatusCompleted:
		result, err := flows.DecodePingResult(st.Result)
		if err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
		color.Green("Flow %s completed", st.FlowID)
		fmt.Printf("  session: %s\n", result.SessionID)
		fmt.Printf("  replies:\n    %s\n", strings.Join(result.Replies, "\n    "))
	default:
		color.Red("Flow %s %s", st.FlowID, strings.ToLower(string(st.Status)))
		if st.Error != nil {
			fmt.Printf("  %s: %s\n", st.Error.Type, st.Error.Message)
		}
	}
	if stats.ParkedSize > 0 || stats.QueueSize > 0 {
		color.Yellow("Hospital: %d queued, %d parked", stats.QueueSize, stats.ParkedSize)
	}
	if st.Status != checkpoint.StatusCompleted {
		return fmt.Errorf("flow %s ended %s", st.FlowID, st.Status)
	}
	return nil
}
