package mock

import (
	"context"
	"errors"
	"sync"

	"refill-service/internal/domain"
)

var (
	ErrMockWrite = errors.New("mock medium: tag lost during write")
	ErrMockRead  = errors.New("mock medium: no tag in field")
)

type Write struct {
	CardID  string
	Payload []byte
}

// Medium simulates a reader with a set of tags. Present queues one tap.
type Medium struct {
	mu   sync.Mutex
	tags map[string][]byte
	taps chan domain.TagEvent

	FailWrites int
	FailReads  int
	// WriteGate, when set, holds every write until it receives a value.
	WriteGate chan struct{}

	Written   []Write
	ReadCalls int
}

func NewMedium() *Medium {
	return &Medium{
		tags: make(map[string][]byte),
		taps: make(chan domain.TagEvent, 16),
	}
}

// SetTag stores the payload currently on a card.
func (m *Medium) SetTag(cardID string, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tags[cardID] = append([]byte(nil), payload...)
}

func (m *Medium) Tag(cardID string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.tags[cardID]...)
}

// Present queues a tap of the card with whatever it currently holds.
func (m *Medium) Present(cardID string) {
	m.taps <- domain.TagEvent{CardID: cardID, Payload: m.Tag(cardID)}
}

func (m *Medium) ReadOnce(ctx context.Context) (*domain.TagEvent, error) {
	m.mu.Lock()
	m.ReadCalls++
	if m.FailReads > 0 {
		m.FailReads--
		m.mu.Unlock()
		return nil, ErrMockRead
	}
	m.mu.Unlock()

	select {
	case ev := <-m.taps:
		return &ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Medium) Write(ctx context.Context, cardID string, payload []byte) error {
	m.mu.Lock()
	gate := m.WriteGate
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites > 0 {
		m.FailWrites--
		return ErrMockWrite
	}
	m.tags[cardID] = append([]byte(nil), payload...)
	m.Written = append(m.Written, Write{CardID: cardID, Payload: append([]byte(nil), payload...)})
	return nil
}

func (m *Medium) Writes() []Write {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Write(nil), m.Written...)
}
