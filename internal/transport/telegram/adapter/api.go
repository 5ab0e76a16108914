package adapter

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"chanrelay/internal/domain"
	"chanrelay/internal/transport"
	logx "chanrelay/pkg/logx"
)

// deleteMessages accepts at most this many ids per call.
const deleteChunk = 100

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// apiError is a non-2xx Bot API answer other than a flood wait.
type apiError struct {
	Code        int
	Description string
}

func (e *apiError) Error() string {
	return "telegram: " + e.Description
}

// call runs one Bot API method and decodes its result into out (if non-nil).
// A 429 answer becomes a *domain.RateLimitError.
func (a *Adapter) call(ctx context.Context, op, method string, payload any, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, rawErr := a.api.Raw(method, payload)
	if len(data) == 0 {
		if rawErr == nil {
			rawErr = errors.New("empty response")
		}
		return errors.Wrapf(rawErr, "%s", op)
	}
	var resp apiResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		if rawErr != nil {
			return errors.Wrapf(rawErr, "%s", op)
		}
		return errors.Wrapf(err, "%s: decode response", op)
	}
	if !resp.OK {
		if resp.ErrorCode == 429 || resp.Parameters.RetryAfter > 0 {
			wait := time.Duration(resp.Parameters.RetryAfter) * time.Second
			if wait <= 0 {
				wait = time.Second
			}
			return domain.NewRateLimit(op, wait)
		}
		return errors.Wrapf(&apiError{Code: resp.ErrorCode, Description: resp.Description}, "%s", op)
	}
	if out != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return errors.Wrapf(err, "%s: decode result", op)
		}
	}
	return nil
}

func (a *Adapter) rememberChat(ref string, id int64) {
	a.chatMu.Lock()
	a.chats[strings.ToLower(ref)] = id
	a.chatMu.Unlock()
}

// resolve maps a chat reference to its numeric id, asking getChat for
// usernames that were never observed.
func (a *Adapter) resolve(ctx context.Context, ref domain.ChatRef) (int64, error) {
	if id, ok := ref.NumericID(); ok {
		return id, nil
	}
	name, ok := ref.Username()
	if !ok {
		return 0, errors.Wrapf(domain.ErrInvalid, "chat reference %q", string(ref))
	}
	key := strings.ToLower("@" + name)
	a.chatMu.Lock()
	id, hit := a.chats[key]
	a.chatMu.Unlock()
	if hit {
		return id, nil
	}
	var chat struct {
		ID int64 `json:"id"`
	}
	if err := a.call(ctx, "resolve chat", "getChat", map[string]any{"chat_id": "@" + name}, &chat); err != nil {
		return 0, err
	}
	a.rememberChat(key, chat.ID)
	return chat.ID, nil
}

// FetchRange answers from the message index. Ids the bot never saw come back
// as gaps.
func (a *Adapter) FetchRange(ctx context.Context, chat domain.ChatRef, from, to int64) ([]domain.Message, error) {
	if to < from {
		return nil, nil
	}
	if to-from+1 > transport.MaxWindow {
		return nil, errors.Wrapf(domain.ErrInvalid, "window %d..%d exceeds %d ids", from, to, transport.MaxWindow)
	}
	chatID, err := a.resolve(ctx, chat)
	if err != nil {
		return nil, err
	}
	head, ok, err := a.index.Head(ctx, chatID)
	if err != nil {
		return nil, errors.Wrap(err, "fetch range")
	}
	// Ids past the newest post have not been written yet; they are not gaps.
	if !ok || head < from {
		return nil, nil
	}
	to = min(to, head)
	ids := make([]int64, 0, to-from+1)
	for id := from; id <= to; id++ {
		ids = append(ids, id)
	}
	found, err := a.index.Get(ctx, chatID, ids)
	if err != nil {
		return nil, errors.Wrap(err, "fetch range")
	}
	out := make([]domain.Message, 0, len(ids))
	for _, id := range ids {
		if p, ok := found[id]; ok {
			out = append(out, p.Message(chat))
			continue
		}
		out = append(out, domain.Message{ID: id, Chat: chat, Empty: true})
	}
	return out, nil
}

func (a *Adapter) Copy(ctx context.Context, msg domain.Message, to domain.ChatRef, opt domain.CopyOptions) (int64, error) {
	fromID, err := a.resolve(ctx, msg.Chat)
	if err != nil {
		return 0, err
	}
	toID, err := a.resolve(ctx, to)
	if err != nil {
		return 0, err
	}
	payload := map[string]any{
		"chat_id":      toID,
		"from_chat_id": fromID,
		"message_id":   msg.ID,
	}
	if msg.HasMedia() && opt.Caption != "" {
		payload["caption"] = opt.Caption
	}
	if opt.Button.Usable() {
		payload["reply_markup"] = map[string]any{
			"inline_keyboard": [][]map[string]string{{
				{"text": opt.Button.Label, "url": opt.Button.URL},
			}},
		}
	}
	var res struct {
		MessageID int64 `json:"message_id"`
	}
	if err := a.call(ctx, "copy message", "copyMessage", payload, &res); err != nil {
		if isGone(err) {
			// The source post was deleted after we indexed it.
			if ferr := a.index.Forget(ctx, fromID, msg.ID); ferr != nil {
				a.log.Debug("index forget failed", logx.Int64("id", msg.ID), logx.Err(ferr))
			}
		}
		return 0, err
	}
	return res.MessageID, nil
}

func (a *Adapter) DeleteMany(ctx context.Context, chat domain.ChatRef, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	chatID, err := a.resolve(ctx, chat)
	if err != nil {
		return err
	}
	for start := 0; start < len(ids); start += deleteChunk {
		end := min(start+deleteChunk, len(ids))
		payload := map[string]any{
			"chat_id":     chatID,
			"message_ids": ids[start:end],
		}
		if err := a.call(ctx, "delete messages", "deleteMessages", payload, nil); err != nil {
			if isGone(err) {
				continue
			}
			return err
		}
	}
	return nil
}

// isGone reports whether the API said the message no longer exists.
func isGone(err error) bool {
	var ae *apiError
	if !errors.As(err, &ae) {
		return false
	}
	d := strings.ToLower(ae.Description)
	return strings.Contains(d, "message to copy not found") ||
		strings.Contains(d, "message to delete not found") ||
		strings.Contains(d, "message_id_invalid")
}
