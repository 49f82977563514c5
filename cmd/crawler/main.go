// Command crawler runs a crawler worker on the channel inherited from comicd.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"comic-rpc/codec"
	"comic-rpc/compress"
	"comic-rpc/logging"
	"comic-rpc/server"
	"comic-rpc/transport"
	"comic-rpc/worker/crawler"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		variant   string
		logLevel  string
		codecName string
		compName  string
		rateLimit float64
		burst     int
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:           "crawler",
		Short:         "Comic crawler worker",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.Setup(logLevel, "json")
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			connOpts, err := connOptions(codecName, compName)
			if err != nil {
				return err
			}
			s, err := crawler.New(crawler.Options{
				Variant:        crawler.Variant(variant),
				Logger:         logger,
				HandlerTimeout: timeout,
				RateLimit:      rateLimit,
				Burst:          burst,
				ServerOptions:  []server.Option{server.WithConnOptions(connOpts...)},
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("crawler starting", zap.String("variant", variant), zap.Int("pid", os.Getpid()))
			if err := s.Listen(ctx); err != nil {
				if errors.Is(err, transport.ErrNoChannel) {
					return fmt.Errorf("%w: crawler must be started by comicd", err)
				}
				return err
			}
			logger.Info("crawler stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&variant, "variant", string(crawler.Primary), "Crawler variant: primary or secondary")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	cmd.Flags().StringVar(&codecName, "codec", "json", "Channel codec: json or binary")
	cmd.Flags().StringVar(&compName, "compress", "none", "Frame compression: none, gzip, snappy or lz4")
	cmd.Flags().Float64Var(&rateLimit, "rate-limit", 0, "Calls per second; 0 disables limiting")
	cmd.Flags().IntVar(&burst, "burst", 10, "Rate limiter burst")
	cmd.Flags().DurationVar(&timeout, "handler-timeout", 0, "Per-call handler deadline; 0 disables it")
	return cmd
}

// connOptions must match the codec and compression configured for the worker on the host.
func connOptions(codecName, compName string) ([]transport.Option, error) {
	ct, err := codec.ParseType(codecName)
	if err != nil {
		return nil, err
	}
	t, err := compress.ParseType(compName)
	if err != nil {
		return nil, err
	}
	comp, err := compress.Get(t)
	if err != nil {
		return nil, err
	}
	return []transport.Option{transport.WithCodec(ct), transport.WithCompressor(comp)}, nil
}
