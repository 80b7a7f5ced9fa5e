package handler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"refill-service/internal/domain"
)

const defaultWriteAckTimeout = 30 * time.Second

var (
	ErrScanInProgress  = errors.New("a scan is already in progress")
	ErrWriteInProgress = errors.New("a tag write is already in progress")
	ErrWriteAckTimeout = errors.New("tag write was not acknowledged")
)

type messageSender interface {
	SendMessage(msgType string, data interface{})
}

type readResult struct {
	ev  *domain.TagEvent
	err error
}

// WSMedium is the tag reader of a browser terminal. The browser owns the
// NFC hardware; this side asks it to scan or write and waits for the answer
// that comes back over the same websocket.
type WSMedium struct {
	out          messageSender
	ackTimeout   time.Duration
	mu           sync.Mutex
	pendingRead  chan readResult
	pendingWrite chan error
}

func NewWSMedium(out messageSender) *WSMedium {
	return &WSMedium{out: out, ackTimeout: defaultWriteAckTimeout}
}

func (m *WSMedium) ReadOnce(ctx context.Context) (*domain.TagEvent, error) {
	m.mu.Lock()
	if m.pendingRead != nil {
		m.mu.Unlock()
		return nil, ErrScanInProgress
	}
	ch := make(chan readResult, 1)
	m.pendingRead = ch
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.pendingRead == ch {
			m.pendingRead = nil
		}
		m.mu.Unlock()
	}()

	m.out.SendMessage("tag_scan", map[string]bool{"active": true})
	select {
	case res := <-ch:
		return res.ev, res.err
	case <-ctx.Done():
		m.out.SendMessage("tag_scan", map[string]bool{"active": false})
		return nil, ctx.Err()
	}
}

// DeliverRead hands a tag read to the waiting scan. It returns false when no
// scan is waiting.
func (m *WSMedium) DeliverRead(ev *domain.TagEvent) bool {
	return m.resolveRead(readResult{ev: ev})
}

func (m *WSMedium) FailRead(reason string) bool {
	return m.resolveRead(readResult{err: fmt.Errorf("tag read failed: %s", reason)})
}

func (m *WSMedium) resolveRead(res readResult) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pendingRead == nil {
		return false
	}
	m.pendingRead <- res
	m.pendingRead = nil
	return true
}

func (m *WSMedium) Write(ctx context.Context, cardID string, payload []byte) error {
	m.mu.Lock()
	if m.pendingWrite != nil {
		m.mu.Unlock()
		return ErrWriteInProgress
	}
	ch := make(chan error, 1)
	m.pendingWrite = ch
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.pendingWrite == ch {
			m.pendingWrite = nil
		}
		m.mu.Unlock()
	}()

	m.out.SendMessage("tag_write", map[string]interface{}{
		"card_id": cardID,
		"payload": payload,
	})

	timer := time.NewTimer(m.ackTimeout)
	defer timer.Stop()
	select {
	case err := <-ch:
		return err
	case <-timer.C:
		return ErrWriteAckTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AckWrite resolves the outstanding write; a non-empty reason marks it failed.
func (m *WSMedium) AckWrite(reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pendingWrite == nil {
		return false
	}
	if reason != "" {
		m.pendingWrite <- fmt.Errorf("tag write failed: %s", reason)
	} else {
		m.pendingWrite <- nil
	}
	m.pendingWrite = nil
	return true
}
