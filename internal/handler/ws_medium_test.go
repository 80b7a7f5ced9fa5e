package handler

import (
	"context"
	"testing"
	"time"

	"refill-service/internal/domain"

	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	Type string
	Data interface{}
}

type fakeSender struct {
	sent chan sentMessage
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(chan sentMessage, 16)}
}

func (f *fakeSender) SendMessage(msgType string, data interface{}) {
	f.sent <- sentMessage{Type: msgType, Data: data}
}

func (f *fakeSender) next(t *testing.T) sentMessage {
	t.Helper()
	select {
	case m := <-f.sent:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message sent")
		return sentMessage{}
	}
}

func TestWSMediumReadDelivered(t *testing.T) {
	out := newFakeSender()
	m := NewWSMedium(out)

	type result struct {
		ev  *domain.TagEvent
		err error
	}
	done := make(chan result, 1)
	go func() {
		ev, err := m.ReadOnce(context.Background())
		done <- result{ev, err}
	}()

	msg := out.next(t)
	require.Equal(t, "tag_scan", msg.Type)
	require.Equal(t, map[string]bool{"active": true}, msg.Data)

	require.True(t, m.DeliverRead(&domain.TagEvent{CardID: "CARD-1", Payload: []byte("BAL:5.00")}))
	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, "CARD-1", res.ev.CardID)

	require.False(t, m.DeliverRead(&domain.TagEvent{CardID: "CARD-2"}), "no scan waiting")
}

func TestWSMediumReadFailedAndCancelled(t *testing.T) {
	out := newFakeSender()
	m := NewWSMedium(out)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.ReadOnce(context.Background())
		errCh <- err
	}()
	out.next(t)
	require.True(t, m.FailRead("nfc off"))
	require.ErrorContains(t, <-errCh, "nfc off")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_, err := m.ReadOnce(ctx)
		errCh <- err
	}()
	out.next(t)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	msg := out.next(t)
	require.Equal(t, map[string]bool{"active": false}, msg.Data)
}

func TestWSMediumSingleOutstandingRead(t *testing.T) {
	out := newFakeSender()
	m := NewWSMedium(out)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _, _ = m.ReadOnce(ctx) }()
	out.next(t)

	_, err := m.ReadOnce(context.Background())
	require.ErrorIs(t, err, ErrScanInProgress)
}

func TestWSMediumWriteAck(t *testing.T) {
	out := newFakeSender()
	m := NewWSMedium(out)

	errCh := make(chan error, 1)
	go func() { errCh <- m.Write(context.Background(), "CARD-1", []byte("BAL:70.00")) }()

	msg := out.next(t)
	require.Equal(t, "tag_write", msg.Type)
	data := msg.Data.(map[string]interface{})
	require.Equal(t, "CARD-1", data["card_id"])
	require.Equal(t, []byte("BAL:70.00"), data["payload"])

	require.True(t, m.AckWrite(""))
	require.NoError(t, <-errCh)

	go func() { errCh <- m.Write(context.Background(), "CARD-1", []byte("BAL:70.00")) }()
	out.next(t)
	require.True(t, m.AckWrite("tag moved"))
	require.ErrorContains(t, <-errCh, "tag moved")

	require.False(t, m.AckWrite(""), "nothing outstanding")
}

func TestWSMediumWriteTimeout(t *testing.T) {
	out := newFakeSender()
	m := NewWSMedium(out)
	m.ackTimeout = 20 * time.Millisecond

	err := m.Write(context.Background(), "CARD-1", []byte("BAL:1.00"))
	require.ErrorIs(t, err, ErrWriteAckTimeout)
	require.False(t, m.AckWrite(""))
}
