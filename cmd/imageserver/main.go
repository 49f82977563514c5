// Command imageserver runs the image server worker. It binds its HTTP port
// only when comicd sends start-server over the inherited channel.
package main

import (
	"context"
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
	"comic-rpc/middleware"
	"comic-rpc/server"
	"comic-rpc/transport"
	"comic-rpc/worker/imageserver"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		dir       string
		host      string
		logLevel  string
		codecName string
		compName  string
	)
	cmd := &cobra.Command{
		Use:           "imageserver",
		Short:         "Comic image server worker",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.Setup(logLevel, "json")
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ct, err := codec.ParseType(codecName)
			if err != nil {
				return err
			}
			t, err := compress.ParseType(compName)
			if err != nil {
				return err
			}
			comp, err := compress.Get(t)
			if err != nil {
				return err
			}

			images, err := imageserver.New(imageserver.Options{Dir: dir, Host: host, Logger: logger})
			if err != nil {
				return err
			}
			metrics, err := middleware.MetricsMiddleware(middleware.MetricsOptions{Namespace: "comic", Worker: "imageserver"})
			if err != nil {
				return err
			}

			s := server.New(
				server.WithLogger(logger),
				server.WithConnOptions(transport.WithCodec(ct), transport.WithCompressor(comp)))
			s.Use(middleware.LoggingMiddleware(logger))
			s.Use(metrics)
			s.Use(middleware.TracingMiddleware(nil))
			images.Register(s)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("image server worker starting", zap.String("dir", dir), zap.Int("pid", os.Getpid()))
			listenErr := s.Listen(ctx)

			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := images.Stop(stopCtx); err != nil && !errors.Is(err, imageserver.ErrNotRunning) {
				logger.Warn("image server shutdown failed", zap.Error(err))
			}

			if errors.Is(listenErr, transport.ErrNoChannel) {
				return fmt.Errorf("%w: imageserver must be started by comicd", listenErr)
			}
			return listenErr
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "images", "Directory served under /images/")
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "HTTP bind address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	cmd.Flags().StringVar(&codecName, "codec", "json", "Channel codec: json or binary")
	cmd.Flags().StringVar(&compName, "compress", "none", "Frame compression: none, gzip, snappy or lz4")
	return cmd
}
