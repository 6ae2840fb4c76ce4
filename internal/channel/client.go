package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/amoylab/keyrelay/internal/common/cnst"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PostFunc hands a message to the privileged side. from is empty when the
// caller did not name a sender.
type PostFunc func(ctx context.Context, msg *Message, from Sender) error

// Client is the page side of the channel. Each call gets a fresh id and
// waits for the reply carrying that id.
type Client struct {
	logger  *zap.Logger
	post    PostFunc
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan *Reply
	closed  bool
}

// NewClient creates a client posting through post. A zero timeout leaves
// calls bounded only by their context.
func NewClient(logger *zap.Logger, post PostFunc, timeout time.Duration) *Client {
	return &Client{
		logger:  logger.Named("channel.client"),
		post:    post,
		timeout: timeout,
		pending: make(map[string]chan *Reply),
	}
}

// Send posts kind and body and waits for the reply body
func (c *Client) Send(ctx context.Context, kind cnst.Kind, body string) (string, error) {
	return c.SendFrom(ctx, Sender{}, kind, body)
}

// SendFrom is Send on behalf of from
func (c *Client) SendFrom(ctx context.Context, from Sender, kind cnst.Kind, body string) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	msg := &Message{ID: uuid.NewString(), Kind: kind, Body: body}
	ch := make(chan *Reply, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", cnst.ErrChannelClosed
	}
	c.pending[msg.ID] = ch
	c.mu.Unlock()

	if err := c.post(ctx, msg, from); err != nil {
		c.forget(msg.ID)
		return "", fmt.Errorf("post %s: %w", kind, err)
	}

	select {
	case r, ok := <-ch:
		if !ok {
			return "", cnst.ErrChannelClosed
		}
		if r.Error != "" {
			return "", &RemoteError{Kind: kind, Message: r.Error}
		}
		return r.Body, nil
	case <-ctx.Done():
		c.forget(msg.ID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%s %s: %w", kind, msg.ID, cnst.ErrTimeout)
		}
		return "", ctx.Err()
	}
}

// Deliver routes a reply to the call waiting for it. Replies for calls that
// already gave up are dropped.
func (c *Client) Deliver(r *Reply) bool {
	c.mu.Lock()
	ch, ok := c.pending[r.ID]
	delete(c.pending, r.ID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("dropping reply without a waiting call", zap.String("id", r.ID))
		return false
	}
	ch <- r
	return true
}

// Pending returns the number of calls awaiting a reply
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails every waiting call with cnst.ErrChannelClosed
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
