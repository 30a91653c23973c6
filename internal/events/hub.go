package events

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/billbridge/internal/logging"
)

const (
	defaultSubscriberBuffer = 64
	hubWriteTimeout         = 5 * time.Second
)

// Hub streams outcomes to websocket subscribers. A subscriber whose buffer is
// full misses events rather than slowing publishers down.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	buffer  int
	dropped atomic.Uint64
	logger  zerolog.Logger
}

type subscriber struct {
	tenantID string
	ch       chan Outcome
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		subs:   map[*subscriber]struct{}{},
		buffer: defaultSubscriberBuffer,
		logger: logging.OrNop(logger),
	}
}

// Subscribe registers a listener; an empty tenantID receives every tenant.
// The returned func unsubscribes and closes the channel.
func (h *Hub) Subscribe(tenantID string) (<-chan Outcome, func()) {
	sub := &subscriber{tenantID: strings.TrimSpace(tenantID), ch: make(chan Outcome, h.buffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
}

func (h *Hub) Publish(_ context.Context, outcome Outcome) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if sub.tenantID != "" && sub.tenantID != outcome.TenantID {
			continue
		}
		select {
		case sub.ch <- outcome:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// ServeHTTP upgrades to a websocket and writes each outcome as a JSON text
// message until the client goes away. ?tenant= filters by tenant.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("event stream upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ch, unsubscribe := h.Subscribe(r.URL.Query().Get("tenant"))
	defer unsubscribe()

	// the stream is write-only; CloseRead handles control frames and
	// cancels ctx once the peer disconnects
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case outcome, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(outcome)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, hubWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				h.logger.Debug().Err(err).Msg("event stream write failed")
				return
			}
		}
	}
}
