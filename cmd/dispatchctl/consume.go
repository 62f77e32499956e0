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
)

type consumeFlags struct {
	queue    string
	count    int
	prefetch uint16
	autoAck  bool
	timeout  time.Duration
}

func newConsumeCmd(root *rootFlags) *cobra.Command {
	flags := &consumeFlags{}
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Consume messages from a queue and print them.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if flags.queue == "" {
				return fmt.Errorf("--queue is required")
			}
			cfg, logger, err := root.setup(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()
			return runConsume(ctx, cmd.OutOrStdout(), logger, cfg, flags)
		},
	}

	cmd.Flags().StringVarP(&flags.queue, "queue", "q", "", "queue to consume from")
	cmd.Flags().IntVarP(&flags.count, "count", "n", 1, "messages to receive before exiting, 0 for no limit")
	cmd.Flags().Uint16Var(&flags.prefetch, "prefetch", 1, "prefetch count")
	cmd.Flags().BoolVar(&flags.autoAck, "auto-ack", false, "let the broker consider messages acknowledged on delivery")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", time.Minute, "overall timeout")
	return cmd
}

func runConsume(ctx context.Context, out io.Writer, logger *zap.Logger, cfg dispatch.Config, flags *consumeFlags) error {
	conn, err := dispatch.Dial(ctx, cfg, dispatch.WithLogger(logger), dispatch.WithDecodeContent(true))
	if err != nil {
		return fmt.Errorf("connect %s: %w", cfg, err)
	}
	defer conn.Close(ctx)

	ch, err := conn.NewChannel(ctx)
	if err != nil {
		return err
	}
	ch.RegisterHandler(dispatch.BasicQosOk, func(*dispatch.Channel, dispatch.Method) (any, error) { return nil, nil })
	ch.RegisterHandler(dispatch.BasicConsumeOk, func(_ *dispatch.Channel, m dispatch.Method) (any, error) {
		return frame.NewArgsReader(m.Args).ReadShortString()
	})
	ch.RegisterHandler(dispatch.BasicDeliver, dispatch.HandleDelivery)

	qos, err := frame.NewArgsBuilder().WriteUint32(0).WriteUint16(flags.prefetch).WriteFlags(false).Bytes()
	if err != nil {
		return err
	}
	if _, err := ch.Call(ctx, dispatch.NewMethod(dispatch.BasicQos, qos), dispatch.BasicQosOk); err != nil {
		return fmt.Errorf("basic.qos: %w", err)
	}

	consume, err := frame.NewArgsBuilder().
		WriteUint16(0).
		WriteShortString(flags.queue).
		WriteShortString("").
		WriteFlags(false, flags.autoAck, false, false).
		WriteTable(nil).
		Bytes()
	if err != nil {
		return err
	}
	tag, err := ch.Call(ctx, dispatch.NewMethod(dispatch.BasicConsume, consume), dispatch.BasicConsumeOk)
	if err != nil {
		return fmt.Errorf("basic.consume: %w", err)
	}
	logger.Sugar().Infow("consuming", "queue", flags.queue, "consumer_tag", tag)

	for n := 0; flags.count == 0 || n < flags.count; n++ {
		v, err := ch.Wait(ctx, dispatch.BasicDeliver)
		if err != nil {
			return err
		}
		d := v.(*dispatch.Delivery)

		body := d.Text
		if body == "" {
			body = string(d.Body)
		}
		fmt.Fprintf(out, "#%d %s/%s: %s\n", d.DeliveryTag, d.Exchange, d.RoutingKey, body)

		if !flags.autoAck {
			if err := d.Ack(false); err != nil {
				return err
			}
		}
	}
	return ch.Close(ctx)
}
