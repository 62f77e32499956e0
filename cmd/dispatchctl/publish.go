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

type publishFlags struct {
	exchange        string
	routingKey      string
	mandatory       bool
	contentType     string
	contentEncoding string
	persistent      bool
	timeout         time.Duration
}

func newPublishCmd(root *rootFlags) *cobra.Command {
	flags := &publishFlags{}
	cmd := &cobra.Command{
		Use:   "publish BODY",
		Short: "Publish one message and report whether the broker returned it.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.setup(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()
			return runPublish(ctx, cmd.OutOrStdout(), logger, cfg, flags, []byte(args[0]))
		},
	}

	cmd.Flags().StringVarP(&flags.exchange, "exchange", "e", "", "exchange to publish to")
	cmd.Flags().StringVarP(&flags.routingKey, "routing-key", "k", "", "routing key")
	cmd.Flags().BoolVar(&flags.mandatory, "mandatory", true, "ask the broker to return unroutable messages")
	cmd.Flags().StringVar(&flags.contentType, "content-type", "text/plain", "content-type property")
	cmd.Flags().StringVar(&flags.contentEncoding, "content-encoding", "", "content-encoding property")
	cmd.Flags().BoolVar(&flags.persistent, "persistent", false, "publish with delivery mode 2")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 30*time.Second, "overall timeout")
	return cmd
}

func runPublish(ctx context.Context, out io.Writer, logger *zap.Logger, cfg dispatch.Config, flags *publishFlags, body []byte) error {
	conn, err := dispatch.Dial(ctx, cfg, dispatch.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("connect %s: %w", cfg, err)
	}
	defer conn.Close(ctx)

	ch, err := conn.NewChannel(ctx)
	if err != nil {
		return err
	}
	returns := ch.NotifyReturn(make(chan dispatch.Return, 1))

	args, err := frame.NewArgsBuilder().
		WriteUint16(0).
		WriteShortString(flags.exchange).
		WriteShortString(flags.routingKey).
		WriteFlags(flags.mandatory, false).
		Bytes()
	if err != nil {
		return err
	}

	props := dispatch.Properties{
		ContentType:     flags.contentType,
		ContentEncoding: flags.contentEncoding,
		Timestamp:       time.Now(),
	}
	if flags.persistent {
		props.DeliveryMode = 2
	}

	m := dispatch.NewMethod(dispatch.BasicPublish, args)
	m.Content = &dispatch.Content{Properties: props, Body: body}
	if err := ch.Send(m); err != nil {
		return err
	}

	if err := ch.Close(ctx); err != nil {
		return err
	}

	// basic.return precedes channel.close-ok, so any return has been
	// dispatched by the time Close returns.
	select {
	case ret := <-returns:
		fmt.Fprintf(out, "returned: %d %s (exchange %q, key %q)\n", ret.ReplyCode, ret.ReplyText, ret.Exchange, ret.RoutingKey)
	default:
		fmt.Fprintf(out, "published %d bytes to %q with key %q\n", len(body), flags.exchange, flags.routingKey)
	}
	return nil
}
