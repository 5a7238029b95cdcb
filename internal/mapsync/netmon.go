package mapsync

import (
	"context"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ConnectivityMonitor reports network reachability. Online is the explicit
// startup check; Subscribe yields transitions (true = online). Re-attempts
// are driven only by these transitions and by new enqueues, never by timers.
type ConnectivityMonitor interface {
	Online() bool
	Subscribe() <-chan bool
	Close() error
}

// HeartbeatMonitor derives reachability from a long-lived websocket to a
// heartbeat endpoint: an open connection means online, a failed dial or read
// means offline. Redials use capped exponential backoff.
type HeartbeatMonitor struct {
	url         string
	dialTimeout time.Duration
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      Logger

	mu     sync.Mutex
	online bool
	subs   []chan bool

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func NewHeartbeatMonitor(heartbeatURL string, logger Logger) (*HeartbeatMonitor, error) {
	heartbeatURL = strings.TrimSpace(heartbeatURL)
	if heartbeatURL == "" {
		return nil, ErrInvalidInput
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &HeartbeatMonitor{
		url:         heartbeatURL,
		dialTimeout: 10 * time.Second,
		baseDelay:   time.Second,
		maxDelay:    30 * time.Second,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go m.run()
	return m, nil
}

func (m *HeartbeatMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *HeartbeatMonitor) Subscribe() <-chan bool {
	ch := make(chan bool, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

func (m *HeartbeatMonitor) Close() error {
	m.closeOnce.Do(func() {
		m.cancel()
	})
	<-m.done
	return nil
}

func (m *HeartbeatMonitor) run() {
	defer close(m.done)
	delay := m.baseDelay
	for {
		conn, ok := m.dial()
		if !ok {
			m.setOnline(false)
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > m.maxDelay {
				delay = m.maxDelay
			}
			continue
		}
		delay = m.baseDelay
		m.setOnline(true)
		m.readUntilClosed(conn)
		m.setOnline(false)
		select {
		case <-m.ctx.Done():
			return
		default:
		}
	}
}

func (m *HeartbeatMonitor) dial() (*websocket.Conn, bool) {
	ctx, cancel := context.WithTimeout(m.ctx, m.dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, m.url, nil)
	if err != nil {
		if m.ctx.Err() == nil {
			m.logf("heartbeat dial %s: %v", m.url, err)
		}
		return nil, false
	}
	return conn, true
}

func (m *HeartbeatMonitor) readUntilClosed(conn *websocket.Conn) {
	defer conn.Close(websocket.StatusNormalClosure, "")
	for {
		if _, _, err := conn.Read(m.ctx); err != nil {
			return
		}
	}
}

func (m *HeartbeatMonitor) setOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := append([]chan bool(nil), m.subs...)
	m.mu.Unlock()
	for _, ch := range subs {
		// Latest-wins delivery; a slow subscriber only ever misses
		// intermediate transitions.
		select {
		case ch <- online:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- online:
			default:
			}
		}
	}
}

func (m *HeartbeatMonitor) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}

// ManualMonitor is a connectivity source driven by explicit SetOnline calls.
// Hosts that track reachability themselves wire it in; tests use it to stage
// offline/online transitions deterministically.
type ManualMonitor struct {
	mu     sync.Mutex
	online bool
	subs   []chan bool
}

func NewManualMonitor(online bool) *ManualMonitor {
	return &ManualMonitor{online: online}
}

func (m *ManualMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *ManualMonitor) Subscribe() <-chan bool {
	ch := make(chan bool, 4)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

func (m *ManualMonitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := append([]chan bool(nil), m.subs...)
	m.mu.Unlock()
	for _, ch := range subs {
		ch <- online
	}
}

func (m *ManualMonitor) Close() error {
	return nil
}
