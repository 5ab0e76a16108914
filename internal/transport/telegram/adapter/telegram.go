package adapter

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"

	"chanrelay/internal/domain"
	rtsup "chanrelay/internal/runtime/supervisor"
	"chanrelay/internal/transport"
	logx "chanrelay/pkg/logx"
)

// Config configures the Telegram channel transport.
type Config struct {
	Token       string
	PollTimeout time.Duration
}

// rawCaller is the slice of *tele.Bot the transport calls into.
type rawCaller interface {
	Raw(method string, payload interface{}) ([]byte, error)
}

// Adapter implements transport.Channel on top of the Bot API.
//
// Bots cannot read channel history, so every channel post the bot receives is
// recorded in the message index and FetchRange answers from it. The bot must
// be an administrator of both the source and the target channel.
type Adapter struct {
	cfg   Config
	log   logx.Logger
	bot   *tele.Bot
	api   rawCaller
	index transport.Index
	now   func() time.Time

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	chatMu sync.Mutex
	chats  map[string]int64

	observed  uint64
	indexErrs uint64
}

func New(cfg Config, index transport.Index, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token: cfg.Token,
		Poller: &tele.LongPoller{
			Timeout:        timeout,
			AllowedUpdates: []string{"channel_post", "edited_channel_post"},
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "telegram bot init")
	}
	a := newAdapter(cfg, b, index, log)
	a.bot = b
	a.registerHandlers()
	return a, nil
}

func newAdapter(cfg Config, api rawCaller, index transport.Index, log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{
		cfg:   cfg,
		log:   log,
		api:   api,
		index: index,
		now:   time.Now,
		chats: map[string]int64{},
	}
}

// Supervisor returns the adapter's internal supervisor (nil if not started).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) registerHandlers() {
	handle := func(c tele.Context) error {
		a.observe(c.Message())
		return nil
	}
	a.bot.Handle(tele.OnChannelPost, handle)
	a.bot.Handle(tele.OnEditedChannelPost, handle)
}

// observe records a channel post in the index. Edits overwrite the entry.
func (a *Adapter) observe(m *tele.Message) {
	if m == nil || m.Chat == nil {
		return
	}
	post := transport.Observed{
		ChatID:  m.Chat.ID,
		ID:      int64(m.ID),
		Text:    m.Text,
		Caption: m.Caption,
		Media:   mediaKind(m),
		Date:    time.Unix(m.Unixtime, 0).UTC(),
		SeenAt:  a.now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.index.Put(ctx, post); err != nil {
		atomic.AddUint64(&a.indexErrs, 1)
		a.log.Warn("index put failed", logx.Int64("chat", post.ChatID), logx.Int64("id", post.ID), logx.Err(err))
		return
	}
	atomic.AddUint64(&a.observed, 1)
	if m.Chat.Username != "" {
		a.rememberChat("@"+m.Chat.Username, m.Chat.ID)
	}
}

func mediaKind(m *tele.Message) domain.MediaKind {
	switch {
	case m.Photo != nil:
		return domain.MediaPhoto
	case m.Video != nil:
		return domain.MediaVideo
	case m.Animation != nil:
		return domain.MediaAnimation
	case m.Document != nil:
		return domain.MediaDocument
	case m.Audio != nil:
		return domain.MediaAudio
	case m.Voice != nil:
		return domain.MediaVoice
	case m.VideoNote != nil:
		return domain.MediaVideoNote
	case m.Sticker != nil:
		return domain.MediaSticker
	case m.Poll != nil, m.Location != nil, m.Venue != nil, m.Contact != nil, m.Dice != nil:
		return domain.MediaOther
	}
	return domain.MediaNone
}

func (a *Adapter) Start(ctx context.Context) error {
	if a.bot == nil {
		return errors.New("telegram adapter has no bot")
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("index.report", func(c context.Context) {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-ticker.C:
				seen := atomic.SwapUint64(&a.observed, 0)
				failed := atomic.SwapUint64(&a.indexErrs, 0)
				if seen > 0 || failed > 0 {
					a.log.Debug("channel posts indexed", logx.Uint64("count", seen), logx.Uint64("failed", failed))
				}
			}
		}
	})

	// bot.Stop blocks unless polling is live, so it must run exactly once.
	var stopOnce sync.Once
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		stopOnce.Do(a.bot.Stop)
	})

	// telebot's Start blocks until Stop; restart it if it returns early.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	// Long polling may still be waiting; keep shutdown snappy.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

// SendLog delivers an operator log line. It implements logx.ChatSender.
func (a *Adapter) SendLog(ctx context.Context, chatID int64, threadID int, text string) error {
	payload := map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	}
	if threadID != 0 {
		payload["message_thread_id"] = threadID
	}
	return a.call(ctx, "send log", "sendMessage", payload, nil)
}
