package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/israelio/amqp-dispatch/dispatch"
	"github.com/israelio/amqp-dispatch/internal/frame"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type probeFlags struct {
	channels int
	prefetch uint16
	timeout  time.Duration
}

func newProbeCmd(root *rootFlags) *cobra.Command {
	flags := &probeFlags{}
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Connect, open channels, round-trip basic.qos on each and close.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if flags.channels < 1 {
				return fmt.Errorf("--channels must be at least 1, got %d", flags.channels)
			}

			cfg, logger, err := root.setup(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()
			return runProbe(ctx, cmd.OutOrStdout(), logger, cfg, flags)
		},
	}

	cmd.Flags().IntVarP(&flags.channels, "channels", "n", 4, "number of channels to open concurrently")
	cmd.Flags().Uint16Var(&flags.prefetch, "prefetch", 10, "prefetch count sent with basic.qos")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 30*time.Second, "overall probe timeout")
	return cmd
}

// probeListener logs connection lifecycle events.
type probeListener struct {
	log *zap.SugaredLogger
}

func (l probeListener) OnConnectionClosed(_ *dispatch.Connection, err error) {
	l.log.Infow("connection closed", "cause", err)
}

func (l probeListener) OnConnectionBlocked(_ *dispatch.Connection, reason string) {
	l.log.Warnw("connection blocked", "reason", reason)
}

func (l probeListener) OnConnectionUnblocked(*dispatch.Connection) {
	l.log.Infow("connection unblocked")
}

func runProbe(ctx context.Context, out io.Writer, logger *zap.Logger, cfg dispatch.Config, flags *probeFlags) error {
	log := logger.Sugar().With("component", "probe")
	metrics := dispatch.NewStandardMetricsCollector()

	started := time.Now()
	conn, err := dispatch.Dial(ctx, cfg,
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(metrics),
		dispatch.WithConnectionListener(probeListener{log: log}),
		dispatch.WithErrorHandler(&dispatch.DefaultErrorHandler{Logger: logger}))
	if err != nil {
		return fmt.Errorf("connect %s: %w", cfg, err)
	}
	fmt.Fprintf(out, "connected to %s in %s\n", cfg, time.Since(started).Round(time.Millisecond))

	qos, err := frame.NewArgsBuilder().
		WriteUint32(0).
		WriteUint16(flags.prefetch).
		WriteFlags(false).
		Bytes()
	if err != nil {
		conn.Close(ctx)
		return err
	}

	results := make([]time.Duration, flags.channels)
	g, gctx := errgroup.WithContext(ctx)
	for i := range flags.channels {
		g.Go(func() error {
			ch, err := conn.NewChannel(gctx)
			if err != nil {
				return err
			}
			ch.RegisterHandler(dispatch.BasicQosOk, func(*dispatch.Channel, dispatch.Method) (any, error) {
				return nil, nil
			})

			began := time.Now()
			if _, err := ch.Call(gctx, dispatch.NewMethod(dispatch.BasicQos, qos), dispatch.BasicQosOk); err != nil {
				return fmt.Errorf("channel %d: basic.qos: %w", ch.ID(), err)
			}
			results[i] = time.Since(began)
			log.Debugw("basic.qos acknowledged", "channel", ch.ID(), "rtt", results[i])

			return ch.Close(gctx)
		})
	}
	probeErr := g.Wait()

	if err := conn.Close(ctx); err != nil && probeErr == nil {
		probeErr = err
	}
	if probeErr != nil {
		return probeErr
	}

	for i, rtt := range results {
		fmt.Fprintf(out, "channel #%d basic.qos rtt %s\n", i+1, rtt.Round(time.Microsecond))
	}
	fmt.Fprintf(out, "methods sent %d, received %d, queued %d, immediate %d\n",
		metrics.GetMethodsSent(),
		metrics.GetMethodsReceived(),
		metrics.GetMethodsQueued(),
		metrics.GetMethodsImmediate())
	return nil
}
