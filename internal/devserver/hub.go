package devserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	stdsync "sync"
	"time"

	"github.com/coder/websocket"

	"github.com/hmsync/wardsync/internal/transport"
)

const (
	subscriberBuffer = 8
	writeTimeout     = 5 * time.Second
)

// hub fans feed advances out to websocket subscribers. A subscriber that
// falls behind drops signals; one pending signal is enough to make the
// client pull.
type hub struct {
	mu     stdsync.Mutex
	subs   map[chan int64]struct{}
	logger *slog.Logger
}

func newHub(logger *slog.Logger) *hub {
	return &hub{subs: make(map[chan int64]struct{}), logger: logger}
}

func (h *hub) subscribe() chan int64 {
	ch := make(chan int64, subscriberBuffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	return ch
}

func (h *hub) unsubscribe(ch chan int64) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

func (h *hub) broadcast(seq int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs {
		select {
		case ch <- seq:
		default:
		}
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs)
}

// serve runs one websocket session until the client leaves or ctx ends.
func (h *hub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	device := r.Header.Get("X-Device-ID")
	h.logger.Debug("notification subscriber connected", slog.String("device", device))

	// The client never sends; CloseRead handles pings and the close frame.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("notification subscriber left", slog.String("device", device))
			return
		case seq := <-ch:
			if err := h.send(ctx, conn, seq); err != nil {
				return
			}
		}
	}
}

func (h *hub) send(ctx context.Context, conn *websocket.Conn, seq int64) error {
	b, err := json.Marshal(transport.Notification{Cursor: strconv.FormatInt(seq, 10)})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return conn.Write(ctx, websocket.MessageText, b)
}
