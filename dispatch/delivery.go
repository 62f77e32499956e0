package dispatch

import (
	"fmt"

	"github.com/israelio/amqp-dispatch/internal/frame"
)

// Delivery is a message pushed to a consumer with basic.deliver.
type Delivery struct {
	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string

	Properties Properties
	Body       []byte
	Text       string // set when the body was decoded

	channel *Channel
}

// HandleDelivery is a Handler for basic.deliver that returns a *Delivery
// bound to the receiving channel:
//
//	ch.RegisterHandler(dispatch.BasicDeliver, dispatch.HandleDelivery)
func HandleDelivery(ch *Channel, m Method) (any, error) {
	d, err := parseDelivery(m)
	if err != nil {
		return nil, err
	}
	d.channel = ch
	return d, nil
}

func parseDelivery(m Method) (*Delivery, error) {
	d := &Delivery{}
	var err error

	args := frame.NewArgsReader(m.Args)
	if d.ConsumerTag, err = args.ReadShortString(); err != nil {
		return nil, fmt.Errorf("basic.deliver consumer-tag: %w", err)
	}
	if d.DeliveryTag, err = args.ReadUint64(); err != nil {
		return nil, fmt.Errorf("basic.deliver delivery-tag: %w", err)
	}
	if d.Redelivered, err = args.ReadBool(); err != nil {
		return nil, fmt.Errorf("basic.deliver redelivered: %w", err)
	}
	if d.Exchange, err = args.ReadShortString(); err != nil {
		return nil, fmt.Errorf("basic.deliver exchange: %w", err)
	}
	if d.RoutingKey, err = args.ReadShortString(); err != nil {
		return nil, fmt.Errorf("basic.deliver routing-key: %w", err)
	}

	if m.Content != nil {
		d.Properties = m.Content.Properties
		d.Body = m.Content.Body
		d.Text = m.Content.Text
	}
	return d, nil
}

// Ack acknowledges this delivery
func (d *Delivery) Ack(multiple bool) error {
	if d.channel == nil {
		return ErrChannelClosed
	}
	args, err := frame.NewArgsBuilder().
		WriteUint64(d.DeliveryTag).
		WriteFlags(multiple).
		Bytes()
	if err != nil {
		return err
	}
	return d.channel.Send(NewMethod(BasicAck, args))
}

// Nack negatively acknowledges this delivery
func (d *Delivery) Nack(multiple, requeue bool) error {
	if d.channel == nil {
		return ErrChannelClosed
	}
	args, err := frame.NewArgsBuilder().
		WriteUint64(d.DeliveryTag).
		WriteFlags(multiple, requeue).
		Bytes()
	if err != nil {
		return err
	}
	return d.channel.Send(NewMethod(BasicNack, args))
}
