// Package fake is an in-memory transport.Channel for engine tests and dry runs.
package fake

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"chanrelay/internal/domain"
	"chanrelay/internal/transport"
)

// Operation names used by Fail and by the call log.
const (
	OpFetch  = "fetch"
	OpCopy   = "copy"
	OpDelete = "delete"
)

// CopyCall records one successful Copy.
type CopyCall struct {
	Source domain.Message
	To     domain.ChatRef
	Opt    domain.CopyOptions
	DestID int64
}

// DeleteCall records one DeleteMany.
type DeleteCall struct {
	Chat domain.ChatRef
	IDs  []int64
}

// FetchCall records one FetchRange.
type FetchCall struct {
	Chat     domain.ChatRef
	From, To int64
}

// Channel keeps messages per chat and records every call.
type Channel struct {
	mu     sync.Mutex
	chats  map[domain.ChatRef]map[int64]domain.Message
	nextID map[domain.ChatRef]int64

	failures map[string][]error
	calls    map[string]int
	onCall   func(op string, n int)
	trim     bool

	fetches []FetchCall
	copies  []CopyCall
	deletes []DeleteCall
}

var _ transport.Channel = (*Channel)(nil)

func New() *Channel {
	return &Channel{
		chats:    map[domain.ChatRef]map[int64]domain.Message{},
		nextID:   map[domain.ChatRef]int64{},
		failures: map[string][]error{},
		calls:    map[string]int{},
	}
}

func (c *Channel) chatLocked(ref domain.ChatRef) map[int64]domain.Message {
	m := c.chats[ref]
	if m == nil {
		m = map[int64]domain.Message{}
		c.chats[ref] = m
	}
	return m
}

// Put stores messages under their ids in chat.
func (c *Channel) Put(chat domain.ChatRef, msgs ...domain.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.chatLocked(chat)
	for _, msg := range msgs {
		msg.Chat = chat
		msg.Empty = false
		m[msg.ID] = msg
		if msg.ID >= c.nextID[chat] {
			c.nextID[chat] = msg.ID + 1
		}
	}
}

// Text is a helper for a text message with the given id.
func Text(id int64, text string) domain.Message {
	return domain.Message{ID: id, Text: text}
}

// Media is a helper for a media message with the given id and caption.
func Media(id int64, kind domain.MediaKind, caption string) domain.Message {
	return domain.Message{ID: id, Media: kind, Caption: caption}
}

// TrimToHead makes FetchRange leave out ids above the newest message of the
// chat, the way the Telegram adapter does.
func (c *Channel) TrimToHead() {
	c.mu.Lock()
	c.trim = true
	c.mu.Unlock()
}

// Fail queues errors returned by the next calls of op, one per call.
func (c *Channel) Fail(op string, errs ...error) {
	c.mu.Lock()
	c.failures[op] = append(c.failures[op], errs...)
	c.mu.Unlock()
}

// RateLimitNext makes the next call of op return a rate-limit signal.
func (c *Channel) RateLimitNext(op string, wait time.Duration) {
	c.Fail(op, domain.NewRateLimit(op, wait))
}

// OnCall registers a hook run (outside the lock) before every call with the
// op and its 1-based call count.
func (c *Channel) OnCall(fn func(op string, n int)) {
	c.mu.Lock()
	c.onCall = fn
	c.mu.Unlock()
}

// enter counts the call, runs the hook and pops a scripted failure.
func (c *Channel) enter(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.calls[op]++
	n := c.calls[op]
	hook := c.onCall
	c.mu.Unlock()
	if hook != nil {
		hook(op, n)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if q := c.failures[op]; len(q) > 0 {
		c.failures[op] = q[1:]
		if q[0] != nil {
			return q[0]
		}
	}
	return nil
}

func (c *Channel) FetchRange(ctx context.Context, chat domain.ChatRef, from, to int64) ([]domain.Message, error) {
	if to-from+1 > transport.MaxWindow {
		return nil, errors.Wrapf(domain.ErrInvalid, "window %d..%d exceeds %d ids", from, to, transport.MaxWindow)
	}
	if err := c.enter(ctx, OpFetch); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetches = append(c.fetches, FetchCall{Chat: chat, From: from, To: to})
	m := c.chats[chat]
	if c.trim {
		to = min(to, c.nextID[chat]-1)
	}
	out := make([]domain.Message, 0, max(to-from+1, 0))
	for id := from; id <= to; id++ {
		if msg, ok := m[id]; ok {
			out = append(out, msg)
			continue
		}
		out = append(out, domain.Message{ID: id, Chat: chat, Empty: true})
	}
	return out, nil
}

func (c *Channel) Copy(ctx context.Context, msg domain.Message, to domain.ChatRef, opt domain.CopyOptions) (int64, error) {
	if err := c.enter(ctx, OpCopy); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	src := c.chats[msg.Chat]
	if _, ok := src[msg.ID]; !ok {
		return 0, errors.Newf("message %d not found in %s", msg.ID, msg.Chat)
	}
	id := max(c.nextID[to], 1)
	c.nextID[to] = id + 1
	cp := msg
	cp.ID = id
	cp.Chat = to
	if cp.HasMedia() && opt.Caption != "" {
		cp.Caption = opt.Caption
	}
	c.chatLocked(to)[id] = cp
	c.copies = append(c.copies, CopyCall{Source: msg, To: to, Opt: opt, DestID: id})
	return id, nil
}

func (c *Channel) DeleteMany(ctx context.Context, chat domain.ChatRef, ids []int64) error {
	if err := c.enter(ctx, OpDelete); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.chats[chat]
	for _, id := range ids {
		delete(m, id)
	}
	c.deletes = append(c.deletes, DeleteCall{Chat: chat, IDs: slices.Clone(ids)})
	return nil
}

func (c *Channel) Copies() []CopyCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.copies)
}

func (c *Channel) Deletes() []DeleteCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.deletes)
}

func (c *Channel) Fetches() []FetchCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.fetches)
}

// Calls returns how many times op was called, failures included.
func (c *Channel) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// Has reports whether chat currently holds id.
func (c *Channel) Has(chat domain.ChatRef, id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.chats[chat][id]
	return ok
}
