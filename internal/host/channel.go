package host

import (
	"context"
	"sync"
	"time"

	"github.com/tphakala/framecast/internal/errors"
)

// Frame is a consumer's private copy of one publication.
type Frame struct {
	Data       []byte
	Generation uint64
	Timestamp  time.Time
}

// FrameChannel is a single most-recent-value slot with broadcast wake-up.
// It is not a queue: a publication replaces the previous frame whether or
// not every consumer has read it.
type FrameChannel struct {
	mu   sync.Mutex
	cond *sync.Cond

	buf        []byte
	generation uint64
	stamp      time.Time

	halted  bool // stop requested, waiters return ErrEndOfStream
	closed  bool // torn down, publications are rejected
	waiting int  // goroutines blocked in AwaitFrame
}

// NewFrameChannel creates an empty channel whose buffer starts with the given
// capacity. The buffer grows on demand and keeps its capacity between frames.
func NewFrameChannel(capacity int) (*FrameChannel, error) {
	if capacity < 0 {
		return nil, errors.Newf("%w: negative buffer capacity %d", ErrSyncPrimitiveInitFailed, capacity).
			Component(componentHost).
			Context("capacity", capacity).
			Build()
	}
	c := &FrameChannel{buf: make([]byte, 0, capacity)}
	c.cond = sync.NewCond(&c.mu)
	return c, nil
}

// Publish replaces the current frame with a copy of data and wakes every waiter.
// It returns the generation assigned to the frame.
func (c *FrameChannel) Publish(data []byte) (uint64, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrChannelClosed
	}
	c.buf = append(c.buf[:0], data...)
	c.generation++
	gen := c.generation
	c.stamp = time.Now()
	c.mu.Unlock()

	c.cond.Broadcast()
	return gen, nil
}

// AwaitFrame blocks until a frame newer than lastSeen exists and copies it
// into dst, or returns ErrEndOfStream once stop has been requested.
func (c *FrameChannel) AwaitFrame(lastSeen uint64, dst []byte) (Frame, error) {
	return c.AwaitFrameContext(context.Background(), lastSeen, dst)
}

// AwaitFrameContext is AwaitFrame that also gives up when ctx is done, returning
// ctx.Err(). Stop takes precedence over a pending frame.
func (c *FrameChannel) AwaitFrameContext(ctx context.Context, lastSeen uint64, dst []byte) (Frame, error) {
	if ctx.Done() != nil {
		release := context.AfterFunc(ctx, func() {
			c.mu.Lock()
			c.cond.Broadcast()
			c.mu.Unlock()
		})
		defer release()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for c.generation <= lastSeen && !c.halted && ctx.Err() == nil {
		c.waiting++
		c.cond.Wait()
		c.waiting--
	}

	if c.halted {
		return Frame{}, ErrEndOfStream
	}
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	return c.copyLocked(dst), nil
}

// Latest copies the current frame without waiting.
func (c *FrameChannel) Latest(dst []byte) (Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closed:
		return Frame{}, ErrChannelClosed
	case c.generation == 0:
		return Frame{}, ErrNoFrame
	}
	return c.copyLocked(dst), nil
}

// Generation returns the marker of the most recent publication, 0 if none.
func (c *FrameChannel) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Waiting returns the number of goroutines blocked waiting for a frame.
func (c *FrameChannel) Waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiting
}

func (c *FrameChannel) copyLocked(dst []byte) Frame {
	return Frame{
		Data:       append(dst[:0], c.buf...),
		Generation: c.generation,
		Timestamp:  c.stamp,
	}
}

// halt releases every waiter with ErrEndOfStream. Publishing stays possible
// until Close so a capture module racing the stop flag does not fail.
func (c *FrameChannel) halt() {
	c.mu.Lock()
	c.halted = true
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Close tears the slot down. It reports whether this call performed the teardown.
func (c *FrameChannel) Close() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.halted = true
	c.buf = nil
	c.mu.Unlock()

	c.cond.Broadcast()
	return true
}
