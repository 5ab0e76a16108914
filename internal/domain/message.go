package domain

import (
	"strconv"
	"strings"
	"time"
)

// ChatRef names a channel either by numeric id ("-1001234567890") or by
// public username ("@channel").
type ChatRef string

// NumericID returns the id when the reference is numeric.
func (c ChatRef) NumericID() (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(string(c)), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Username returns the username without the leading "@".
func (c ChatRef) Username() (string, bool) {
	s := strings.TrimSpace(string(c))
	if !strings.HasPrefix(s, "@") || len(s) < 2 {
		return "", false
	}
	return s[1:], true
}

func ChatID(id int64) ChatRef { return ChatRef(strconv.FormatInt(id, 10)) }

// MediaKind names the media payload of a message; empty means none.
type MediaKind string

const (
	MediaNone      MediaKind = ""
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaDocument  MediaKind = "document"
	MediaAudio     MediaKind = "audio"
	MediaAnimation MediaKind = "animation"
	MediaVoice     MediaKind = "voice"
	MediaVideoNote MediaKind = "video_note"
	MediaSticker   MediaKind = "sticker"
	MediaOther     MediaKind = "other"
)

// Message is one slot of a source channel's id space. Empty slots are gaps:
// ids that never existed or were deleted.
type Message struct {
	ID      int64     `json:"id"`
	Chat    ChatRef   `json:"chat"`
	Empty   bool      `json:"empty,omitempty"`
	Text    string    `json:"text,omitempty"`
	Caption string    `json:"caption,omitempty"`
	Media   MediaKind `json:"media,omitempty"`
	Date    time.Time `json:"date,omitempty"`
}

func (m Message) HasMedia() bool { return m.Media != MediaNone }
func (m Message) HasText() bool  { return strings.TrimSpace(m.Text) != "" }

// CopyOptions overrides parts of a copied message.
type CopyOptions struct {
	// Caption replaces the caption of a media message. Ignored for text.
	Caption string
	Button  *Button
}
