package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"docsync/internal/models"

	"github.com/gorilla/websocket"
)

// fetchPage requests one page of GET /sync. Transport failures and
// unexpected statuses come back as *models.NetworkError.
func (c *Client) fetchPage(ctx context.Context, collection string, since *time.Time, limit, offset int) (*models.SyncResponse, error) {
	if c.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}

	q := url.Values{}
	q.Set("collection", collection)
	if since != nil {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sync?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build sync request: %w", err)
	}
	c.authorize(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &models.NetworkError{Op: "sync " + collection, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, fmt.Errorf("sync %s: %w", collection, models.ErrInvalidCredential)
	case http.StatusForbidden:
		return nil, fmt.Errorf("sync %s: %w", collection, models.ErrPermissionDenied)
	case http.StatusBadRequest:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("sync %s: %w: %s", collection, models.ErrInvalidRequest, strings.TrimSpace(string(body)))
	default:
		return nil, &models.NetworkError{Op: "sync " + collection, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var out models.SyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &models.NetworkError{Op: "sync " + collection, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return &out, nil
}

// dial opens the realtime channel
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	c.authorize(header)

	ws, resp, err := c.dialer.DialContext(ctx, c.wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("connect: %w", models.ErrInvalidCredential)
		}
		return nil, &models.NetworkError{Op: "connect", Err: err}
	}
	return ws, nil
}

func (c *Client) authorize(h http.Header) {
	if c.opts.Token != "" {
		h.Set("Authorization", "Bearer "+c.opts.Token)
	}
	h.Set("X-Client-ID", c.clientID)
}

// websocketURL maps http(s)://host/prefix to ws(s)://host/prefix/ws
func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}
