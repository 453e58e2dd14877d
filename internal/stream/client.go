package stream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	errMissingURL        = errors.New("stream: feed url is required")
	errMissingCollection = errors.New("stream: collection is required")
	errMissingHandler    = errors.New("stream: event handler is required")

	// ErrHandlerFailed wraps an event handler error. Handlers swallow data
	// errors themselves, so anything surfacing here is a store-level failure
	// and terminates the subscription instead of being retried.
	ErrHandlerFailed = errors.New("stream: event handler failed")
)

// Handler consumes one decoded event at a time, in arrival order.
type Handler interface {
	HandleEvent(ctx context.Context, event Event) error
}

// ClientConfig captures the dependencies for constructing a Client.
type ClientConfig struct {
	// URL is the subscription endpoint, without query parameters.
	URL string
	// Collection is the single record collection requested server-side.
	Collection string
	// Cursor supplies the persisted resume point at each (re)dial. Reporting
	// false subscribes from "now".
	Cursor func(ctx context.Context) (int64, bool, error)
	// OnDisconnect runs synchronously after every disconnect and on shutdown,
	// before any reconnect delay. It is where the cursor gets persisted.
	OnDisconnect func()
	Handler      Handler
	Logger       *zap.Logger
	Dialer       *websocket.Dialer
}

// Client maintains one long-lived subscription to the event feed, redialing
// with exponential backoff on any disconnect.
type Client struct {
	url          string
	collection   string
	cursor       func(ctx context.Context) (int64, bool, error)
	onDisconnect func()
	handler      Handler
	logger       *zap.Logger
	dialer       *websocket.Dialer
}

// NewClient validates the configuration and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, errMissingURL
	}
	if cfg.Collection == "" {
		return nil, errMissingCollection
	}
	if cfg.Handler == nil {
		return nil, errMissingHandler
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	return &Client{
		url:          cfg.URL,
		collection:   cfg.Collection,
		cursor:       cfg.Cursor,
		onDisconnect: cfg.OnDisconnect,
		handler:      cfg.Handler,
		logger:       logger,
		dialer:       dialer,
	}, nil
}

// Run drives the connect/read/reconnect loop until ctx is cancelled or a
// handler failure makes further progress pointless. The cursor is persisted
// after every disconnect and before returning.
func (c *Client) Run(ctx context.Context) error {
	policy := newReconnectPolicy()

	for {
		err := c.runConnection(ctx, policy)
		c.notifyDisconnect()

		if errors.Is(err, ErrHandlerFailed) {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		delay := policy.NextBackOff()
		c.logger.Info("stream reconnecting", zap.Duration("delay", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Client) runConnection(ctx context.Context, policy interface{ Reset() }) error {
	subscribeURL, err := c.subscribeURL(ctx)
	if err != nil {
		c.logger.Warn("cursor lookup failed, subscribing from now", zap.Error(err))
		subscribeURL = c.bareURL()
	}

	conn, _, err := c.dialer.DialContext(ctx, subscribeURL, nil)
	if err != nil {
		c.logger.Warn("stream dial failed", zap.Error(err))
		return err
	}
	defer conn.Close()

	policy.Reset()
	connectionID := uuid.NewString()
	logger := c.logger.With(zap.String("connection_id", connectionID))
	logger.Info("stream connected", zap.String("collection", c.collection))

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("stream disconnected", zap.Error(err))
			return nil
		}

		event, err := DecodeEvent(data)
		if err != nil {
			// A single bad frame never terminates the subscription.
			logger.Warn("skipping undecodable frame", zap.Error(err))
			continue
		}

		if err := c.handler.HandleEvent(ctx, event); err != nil {
			return fmt.Errorf("%w: %w", ErrHandlerFailed, err)
		}
	}
}

func (c *Client) subscribeURL(ctx context.Context) (string, error) {
	parsed, err := url.Parse(c.url)
	if err != nil {
		return "", err
	}

	query := parsed.Query()
	query.Set("wantedCollections", c.collection)

	if c.cursor != nil {
		cursor, ok, err := c.cursor(ctx)
		if err != nil {
			return "", err
		}
		if ok {
			query.Set("cursor", strconv.FormatInt(cursor, 10))
			c.logger.Info("resuming from cursor", zap.Int64("cursor_us", cursor))
		}
	}

	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func (c *Client) bareURL() string {
	parsed, err := url.Parse(c.url)
	if err != nil {
		return c.url
	}
	query := parsed.Query()
	query.Set("wantedCollections", c.collection)
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

func (c *Client) notifyDisconnect() {
	if c.onDisconnect != nil {
		c.onDisconnect()
	}
}
