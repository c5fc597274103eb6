// Package telegram is the platform.Client for the Telegram Bot API. It owns
// the long-poll connection; nothing else in the process talks to Telegram.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"seedkeeper/internal/platform"
	rtsup "seedkeeper/internal/runtime/supervisor"
	logx "seedkeeper/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// HistorySize is how many messages are remembered per chat.
	HistorySize int
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // chan<- platform.Event
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	dropped atomic.Uint64
	hist    *historyBook

	http    *http.Client
	apiBase string
}

var _ platform.Client = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg:  cfg,
		log:  log.With(logx.String("comp", "telegram")),
		hist: newHistoryBook(cfg.HistorySize),
		http: &http.Client{Timeout: 8 * time.Second},
	}
	var nilOut chan<- platform.Event
	a.out.Store(nilOut)

	poller := &tele.LongPoller{
		Timeout:        timeout,
		AllowedUpdates: []string{"message", "message_reaction"},
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: tele.NewMiddlewarePoller(poller, a.filterUpdate),
		OnError: func(err error, _ tele.Context) {
			a.log.Warn("telebot handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	a.bot = b
	a.bot.Handle(tele.OnText, a.onText)
	return a, nil
}

func (a *Adapter) Self() string {
	if a.bot == nil || a.bot.Me == nil {
		return ""
	}
	return a.bot.Me.Username
}

func (a *Adapter) MaxMessageLen() int { return textLimit }

func chatKey(id int64) string { return strconv.FormatInt(id, 10) }

func displayName(u *tele.User) string {
	if u == nil {
		return ""
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.Username
	}
	return name
}

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Chat == nil {
		return nil
	}
	chat := chatKey(m.Chat.ID)
	ev := platform.Event{
		Kind:      platform.EventMessage,
		MessageID: strconv.Itoa(m.ID),
		ChannelID: chat,
		IsDM:      m.Private(),
		Text:      m.Text,
		At:        m.Time(),
	}
	if !ev.IsDM {
		ev.GuildID = chat
	}
	if u := m.Sender; u != nil {
		ev.AuthorID = strconv.FormatInt(u.ID, 10)
		ev.AuthorName = displayName(u)
		ev.IsBot = u.IsBot
		a.hist.observe(chat, platform.Member{ID: ev.AuthorID, Name: ev.AuthorName, Username: u.Username})
	}
	a.hist.add(chat, platform.HistoryMessage{
		ID: ev.MessageID, AuthorID: ev.AuthorID, AuthorName: ev.AuthorName,
		IsBot: ev.IsBot, Text: ev.Text, At: ev.At,
	})
	a.emit(ev)
	return nil
}

// filterUpdate takes reaction updates out of the telebot pipeline and emits
// one event per emoji that was added or removed.
func (a *Adapter) filterUpdate(u *tele.Update) bool {
	r := u.MessageReaction
	if r == nil {
		return true
	}
	if r.Chat == nil {
		return false
	}
	chat := chatKey(r.Chat.ID)
	base := platform.Event{
		Kind:      platform.EventReaction,
		MessageID: strconv.Itoa(r.MessageID),
		ChannelID: chat,
		IsDM:      r.Chat.Type == tele.ChatPrivate,
		At:        time.Now(),
	}
	if !base.IsDM {
		base.GuildID = chat
	}
	if r.User != nil {
		base.AuthorID = strconv.FormatInt(r.User.ID, 10)
		base.AuthorName = displayName(r.User)
		base.IsBot = r.User.IsBot
	}
	before := emojiSet(r.OldReaction)
	after := emojiSet(r.NewReaction)
	for e := range after {
		if !before[e] {
			ev := base
			ev.Emoji, ev.Added = e, true
			a.emit(ev)
		}
	}
	for e := range before {
		if !after[e] {
			ev := base
			ev.Emoji = e
			a.emit(ev)
		}
	}
	return false
}

func emojiSet(rs []tele.Reaction) map[string]bool {
	out := make(map[string]bool, len(rs))
	for _, r := range rs {
		if r.Emoji != "" {
			out[r.Emoji] = true
		}
	}
	return out
}

func (a *Adapter) emit(ev platform.Event) {
	out, _ := a.out.Load().(chan<- platform.Event)
	if out == nil {
		return
	}
	select {
	case out <- ev:
	default:
		a.dropped.Add(1)
	}
}

func (a *Adapter) reportDropped(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming events dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- platform.Event) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("events.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-ticker.C:
				a.reportDropped(cap(out))
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// bot.Start blocks until Stop; if it returns early the loop restarts it.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started", logx.String("bot", a.Self()))
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartOnCleanExit(true),
	)
	return nil
}

// Stop never holds shutdown for long: a pending getUpdates long-poll gets
// at most two seconds.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- platform.Event
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.Uint64("dropped_pending", a.dropped.Load()))
	sup.Cancel()
	go a.bot.Stop()

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

func parseChat(id string) (*tele.Chat, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram: bad chat id %q", id)
	}
	return &tele.Chat{ID: n}, nil
}

// SendText sends text, split into chunks when needed, and returns the id of
// the first message.
func (a *Adapter) SendText(ctx context.Context, channelID, text string) (string, error) {
	chat, err := parseChat(channelID)
	if err != nil {
		return "", err
	}
	first := ""
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk)
		if err != nil {
			return first, err
		}
		id := strconv.Itoa(msg.ID)
		if first == "" {
			first = id
		}
		a.recordOwn(channelID, id, chunk)
	}
	return first, nil
}

// recordOwn keeps the bot's replies in history; Telegram does not echo them
// back as updates.
func (a *Adapter) recordOwn(channelID, id, text string) {
	me := a.bot.Me
	if me == nil {
		return
	}
	a.hist.add(channelID, platform.HistoryMessage{
		ID: id, AuthorID: strconv.FormatInt(me.ID, 10), AuthorName: me.Username,
		IsBot: true, Text: text, At: time.Now(),
	})
}

// SendLog implements logx.ChatSink.
func (a *Adapter) SendLog(ctx context.Context, chatID int64, text string) error {
	_, err := a.SendText(ctx, chatKey(chatID), text)
	return err
}

func (a *Adapter) ShowTyping(ctx context.Context, channelID string) error {
	chat, err := parseChat(channelID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.bot.Notify(chat, tele.Typing)
}

func (a *Adapter) React(ctx context.Context, channelID, messageID, emoji string) error {
	chat, err := parseChat(channelID)
	if err != nil {
		return err
	}
	mid, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("telegram: bad message id %q", messageID)
	}
	return a.setMessageReaction(ctx, chat.ID, mid, emoji)
}

func (a *Adapter) History(ctx context.Context, q platform.HistoryQuery) ([]platform.HistoryMessage, error) {
	return a.hist.after(ctx, q)
}

// Members merges the chat administrators with every user seen posting in
// the chat. Bots cannot list ordinary members of a group.
func (a *Adapter) Members(ctx context.Context, guildID string) ([]platform.Member, error) {
	if guildID == "" {
		return nil, nil
	}
	chat, err := parseChat(guildID)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seen := a.hist.members(guildID)
	admins, err := a.bot.AdminsOf(chat)
	if err != nil {
		if len(seen) == 0 {
			return nil, err
		}
		a.log.Warn("admins lookup failed, serving observed members", logx.String("chat", guildID), logx.Err(err))
		return seen, nil
	}
	return mergeMembers(seen, admins), nil
}

func mergeMembers(seen []platform.Member, admins []tele.ChatMember) []platform.Member {
	idx := make(map[string]int, len(seen))
	out := append([]platform.Member(nil), seen...)
	for i, m := range out {
		idx[m.ID] = i
	}
	for _, cm := range admins {
		if cm.User == nil {
			continue
		}
		id := strconv.FormatInt(cm.User.ID, 10)
		admin := cm.Role == tele.Administrator || cm.Role == tele.Creator
		if i, ok := idx[id]; ok {
			out[i].Admin = admin
			continue
		}
		idx[id] = len(out)
		out = append(out, platform.Member{ID: id, Name: displayName(cm.User), Username: cm.User.Username, Admin: admin})
	}
	return out
}
