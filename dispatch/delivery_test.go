package dispatch

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/israelio/amqp-dispatch/internal/frame"
)

func deliverArgs(t *testing.T, tag string, deliveryTag uint64, redelivered bool, exchange, key string) []byte {
	t.Helper()

	args, err := frame.NewArgsBuilder().
		WriteShortString(tag).
		WriteUint64(deliveryTag).
		WriteFlags(redelivered).
		WriteShortString(exchange).
		WriteShortString(key).
		Bytes()
	if err != nil {
		t.Fatalf("build basic.deliver args: %v", err)
	}
	return args
}

func TestHandleDelivery(t *testing.T) {
	c, ft := newTestConnection(t, WithDecodeContent(true))
	ch := mustCreateChannel(t, c)
	ch.RegisterHandler(BasicDeliver, HandleDelivery)

	m := methodOn(ch.ID(), BasicDeliver, deliverArgs(t, "ctag-1", 42, true, "orders", "order.created"))
	m.Content = &Content{
		Properties: Properties{ContentType: "text/plain", ContentEncoding: "iso-8859-1"},
		Body:       []byte("caf\xe9"),
	}
	ft.deliver(m)

	ctx, cancel := testContext(t)
	defer cancel()

	v, err := ch.Wait(ctx, BasicDeliver)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	d, ok := v.(*Delivery)
	if !ok {
		t.Fatalf("got %T, want *Delivery", v)
	}

	want := &Delivery{
		ConsumerTag: "ctag-1",
		DeliveryTag: 42,
		Redelivered: true,
		Exchange:    "orders",
		RoutingKey:  "order.created",
		Properties:  Properties{ContentType: "text/plain", ContentEncoding: "iso-8859-1"},
		Body:        []byte("caf\xe9"),
		Text:        "café",
	}
	if diff := cmp.Diff(want, d, cmpopts.IgnoreUnexported(Delivery{})); diff != "" {
		t.Errorf("delivery mismatch (-want +got):\n%s", diff)
	}

	if err := d.Ack(false); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	if err := d.Nack(true, true); err != nil {
		t.Fatalf("Nack failed: %v", err)
	}
	if diff := cmp.Diff([]MethodType{ChannelOpen, BasicAck, BasicNack}, ft.sent(ch.ID())); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}

	ft.mu.Lock()
	ack := ft.written[len(ft.written)-2]
	ft.mu.Unlock()
	tag, _ := frame.NewArgsReader(ack.Args).ReadUint64()
	if tag != 42 {
		t.Errorf("acked tag: got %d, want 42", tag)
	}
}

func TestHandleDeliveryMalformed(t *testing.T) {
	if _, err := HandleDelivery(nil, Method{Type: BasicDeliver, Args: []byte{3, 'a'}}); err == nil {
		t.Error("truncated basic.deliver should fail")
	}

	var d Delivery
	if err := d.Ack(false); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("Ack without a channel: got %v, want ErrChannelClosed", err)
	}
}
