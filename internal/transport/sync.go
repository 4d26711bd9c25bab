package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/hmsync/wardsync/internal/sync"
)

// Push sends a batch of queue items. Per-item outcomes come back in the
// response; only transport-level failures return an error.
func (c *Client) Push(ctx context.Context, req *sync.PushRequest) (*sync.PushResponse, error) {
	body, err := json.Marshal(encodePush(req))
	if err != nil {
		return nil, fmt.Errorf("%w: encoding push: %w", sync.ErrPermanent, err)
	}

	resp, err := c.Do(ctx, http.MethodPost, PathPush, body, req.Device)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out PushResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decoding push response: %w", sync.ErrTransient, err)
	}

	return decodePushResponse(&out), nil
}

// Pull fetches one page of the change feed after req.Cursor.
func (c *Client) Pull(ctx context.Context, req *sync.PullRequest) (*sync.PullResponse, error) {
	q := url.Values{}
	if req.Cursor != "" {
		q.Set("since", req.Cursor)
	}

	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}

	if req.Device.DeviceID != "" {
		q.Set("device", req.Device.DeviceID)
	}

	path := PathPull
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := c.Do(ctx, http.MethodGet, path, nil, req.Device)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decoding pull response: %w", sync.ErrTransient, err)
	}

	return decodePullResponse(&out), nil
}
