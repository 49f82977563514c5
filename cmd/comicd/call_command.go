package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"comic-rpc/supervisor"
)

func newCallCommand(ctx *commandContext) *cobra.Command {
	var (
		event   bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "call <worker> <pattern> [json-data]",
		Short: "Spawn one configured worker, send it a call and print the result",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := ctx.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			wc, ok := cfg.Worker(args[0])
			if !ok {
				return fmt.Errorf("%w: %s", supervisor.ErrUnknownWorker, args[0])
			}
			var data json.RawMessage
			if len(args) == 3 {
				if !json.Valid([]byte(args[2])) {
					return errors.New("data is not valid JSON")
				}
				data = json.RawMessage(args[2])
			}

			spec, err := supervisor.SpecFromConfig(wc)
			if err != nil {
				return err
			}
			spec.Logger = logger

			callCtx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			w, err := supervisor.Spawn(callCtx, spec)
			if err != nil {
				return err
			}
			defer func() { _ = w.Terminate(context.Background()) }()

			if event {
				return w.Client().Emit(args[1], data)
			}
			var reply json.RawMessage
			if err := w.Client().Call(callCtx, args[1], data, &reply); err != nil {
				return err
			}
			if len(reply) == 0 {
				reply = json.RawMessage("null")
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(reply))
			return err
		},
	}
	cmd.Flags().BoolVar(&event, "event", false, "Send as an event and do not wait for a response")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall deadline for spawn and call")
	return cmd
}
