// Package client connects to a table channel over websocket.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/gridcollab/internal/wire"
	"github.com/gorilla/websocket"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("client: channel closed")

// Options addresses one table channel.
type Options struct {
	// BaseURL is the http(s) address of the server.
	BaseURL string
	Token   string
	TableID string
	ViewID  string
	// AfterID requests the backlog after this id; a negative value starts at the live tail.
	AfterID int64
}

// Channel is an open table channel. Next is meant for a single reader; Send may be called
// concurrently.
type Channel struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	requestID atomic.Int64
	hello     wire.HelloPayload
}

// ChannelURL builds the websocket URL for options.
func ChannelURL(options Options) (string, error) {
	base, err := url.Parse(strings.TrimRight(options.BaseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("client: base url: %w", err)
	}
	switch base.Scheme {
	case "http", "ws":
		base.Scheme = "ws"
	case "https", "wss":
		base.Scheme = "wss"
	default:
		return "", fmt.Errorf("client: unsupported scheme %q", base.Scheme)
	}
	if strings.TrimSpace(options.TableID) == "" {
		return "", fmt.Errorf("client: table id required")
	}
	base.Path = strings.TrimRight(base.Path, "/") + "/tables/" + options.TableID + "/channel"
	base.RawPath = ""
	query := base.Query()
	if options.ViewID != "" {
		query.Set("view_id", options.ViewID)
	}
	if options.AfterID >= 0 {
		query.Set("after", strconv.FormatInt(options.AfterID, 10))
	}
	base.RawQuery = query.Encode()
	return base.String(), nil
}

// Dial opens the channel and waits for the server greeting.
func Dial(ctx context.Context, options Options) (*Channel, error) {
	target, err := ChannelURL(options)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+options.Token)

	conn, response, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("client: dial %s: %s: %w", target, response.Status, err)
		}
		return nil, fmt.Errorf("client: dial %s: %w", target, err)
	}

	channel := &Channel{conn: conn}
	greeting, err := channel.Next(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if greeting.Type != wire.TypeHello {
		_ = conn.Close()
		return nil, fmt.Errorf("client: expected %s, got %s", wire.TypeHello, greeting.Type)
	}
	if err := greeting.Decode(&channel.hello); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return channel, nil
}

// Hello returns the greeting received at connect time.
func (c *Channel) Hello() wire.HelloPayload {
	return c.hello
}

// Send writes a request and returns the request id its reply will carry.
func (c *Channel) Send(messageType string, payload any) (string, error) {
	requestID := strconv.FormatInt(c.requestID.Add(1), 10)
	envelope, err := wire.NewEnvelope(messageType, requestID, payload)
	if err != nil {
		return "", err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(envelope); err != nil {
		return "", fmt.Errorf("client: send %s: %w", messageType, err)
	}
	return requestID, nil
}

// Next blocks until the next frame arrives or ctx is done.
func (c *Channel) Next(ctx context.Context) (wire.Envelope, error) {
	type frame struct {
		envelope wire.Envelope
		err      error
	}
	result := make(chan frame, 1)
	go func() {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = fmt.Errorf("%w: %v", ErrClosed, err)
			}
			result <- frame{err: err}
			return
		}
		envelope, err := wire.Parse(raw)
		result <- frame{envelope: envelope, err: err}
	}()
	select {
	case <-ctx.Done():
		_ = c.conn.Close()
		return wire.Envelope{}, ctx.Err()
	case received := <-result:
		return received.envelope, received.err
	}
}

// Close sends a close frame and releases the connection.
func (c *Channel) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}
