package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/hmsync/wardsync/internal/sync"
)

const (
	notifyMinBackoff = time.Second
	notifyMaxBackoff = 2 * time.Minute
)

// Notifier listens on the server's websocket for change feed updates. It
// implements sync.ChangeNotifier and reconnects with backoff until its
// context ends.
type Notifier struct {
	client *Client
	device sync.DeviceContext
	logger *slog.Logger

	sleepFunc func(ctx context.Context, d time.Duration) error
}

var _ sync.ChangeNotifier = (*Notifier)(nil)

// NewNotifier returns a notifier that shares c's base URL, HTTP client and
// credentials.
func NewNotifier(c *Client, device sync.DeviceContext) *Notifier {
	return &Notifier{client: c, device: device, logger: c.logger, sleepFunc: timeSleep}
}

// Watch blocks until ctx is done, calling notify once per message received.
func (n *Notifier) Watch(ctx context.Context, notify func()) error {
	backoff := notifyMinBackoff

	for {
		connected, err := n.listen(ctx, notify)
		if ctx.Err() != nil {
			return nil
		}

		if connected {
			backoff = notifyMinBackoff
		}

		// Stop on credentials the server will never accept.
		if errors.Is(err, sync.ErrUnauthorized) {
			return err
		}

		n.logger.Debug("change notifications disconnected",
			slog.Duration("retry_in", backoff),
			slog.String("error", errString(err)),
		)

		if err := n.sleepFunc(ctx, backoff); err != nil {
			return nil
		}

		backoff = min(backoff*2, notifyMaxBackoff)
	}
}

// listen runs one websocket session. connected reports whether the dial
// succeeded, so a flapping server does not reset the backoff.
func (n *Notifier) listen(ctx context.Context, notify func()) (connected bool, err error) {
	header := http.Header{}
	header.Set("User-Agent", n.client.userAgent)
	header.Set(headerDeviceID, n.device.DeviceID)

	tok, err := n.client.token.Token()
	if err != nil {
		return false, fmt.Errorf("%w: %w", sync.ErrUnauthorized, err)
	}

	if tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}

	conn, resp, err := websocket.Dial(ctx, websocketURL(n.client.baseURL)+PathNotify, &websocket.DialOptions{
		HTTPClient: n.client.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return false, &StatusError{StatusCode: resp.StatusCode, Message: "websocket handshake rejected", Err: classifyStatus(resp.StatusCode)}
		}

		return false, fmt.Errorf("transport: dialing notifications: %w", err)
	}
	defer conn.CloseNow()

	n.logger.Info("listening for server changes", slog.String("url", n.client.baseURL+PathNotify))

	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return true, nil
			}

			return true, fmt.Errorf("transport: reading notification: %w", err)
		}

		notify()
	}
}

// websocketURL switches an http(s) base URL to ws(s).
func websocketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
