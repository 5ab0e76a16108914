package transport

import (
	"context"
	"time"

	"chanrelay/internal/domain"
)

// MaxWindow is the largest id range a single FetchRange call may cover.
const MaxWindow = 100

// Channel is the message transport used by the relay engine.
//
// Every call may fail with a *domain.RateLimitError carrying the wait the
// platform asked for. Any other error is a generic failure.
type Channel interface {
	// FetchRange returns one entry per id in [from, to], in order. Ids that do
	// not hold a message are returned with Empty set. Ids above the newest
	// message of the chat may be left out, so a short result means the scan
	// reached the head of the channel.
	FetchRange(ctx context.Context, chat domain.ChatRef, from, to int64) ([]domain.Message, error)
	// Copy clones msg into the target chat and returns the new message id.
	Copy(ctx context.Context, msg domain.Message, to domain.ChatRef, opt domain.CopyOptions) (int64, error)
	// DeleteMany removes messages from chat. Ids that are already gone are not
	// an error.
	DeleteMany(ctx context.Context, chat domain.ChatRef, ids []int64) error
}

// Observed is a channel post seen by the transport, stored in the message
// index so FetchRange can answer without history access.
type Observed struct {
	ChatID  int64            `json:"chat_id"`
	ID      int64            `json:"id"`
	Text    string           `json:"text,omitempty"`
	Caption string           `json:"caption,omitempty"`
	Media   domain.MediaKind `json:"media,omitempty"`
	Date    time.Time        `json:"date"`
	SeenAt  time.Time        `json:"seen_at"`
}

// Message converts an index entry into the engine's message shape.
func (o Observed) Message(chat domain.ChatRef) domain.Message {
	return domain.Message{
		ID:      o.ID,
		Chat:    chat,
		Text:    o.Text,
		Caption: o.Caption,
		Media:   o.Media,
		Date:    o.Date,
	}
}

// Index remembers observed channel posts.
type Index interface {
	Put(ctx context.Context, posts ...Observed) error
	// Get returns the entries found for ids in chat, keyed by id.
	Get(ctx context.Context, chatID int64, ids []int64) (map[int64]Observed, error)
	Forget(ctx context.Context, chatID int64, ids ...int64) error
	// Head is the highest id stored for chat; ok is false when none is.
	Head(ctx context.Context, chatID int64) (id int64, ok bool, err error)
	// Prune drops entries observed before cutoff and reports how many went.
	Prune(ctx context.Context, before time.Time) (int, error)
	Close() error
}
