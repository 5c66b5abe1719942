// Package telegram implements the relay Adapter for the Telegram Bot API
// using long polling.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/zulandar/anonrelay/internal/relay"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// maxMessageLen is Telegram's limit on message text, in characters.
	maxMessageLen = 4096
	// maxCaptionLen is Telegram's limit on media captions.
	maxCaptionLen = 1024
	// pollTimeout is the long-polling timeout in seconds.
	pollTimeout = 60
)

// botAPI abstracts the tgbotapi.BotAPI methods we use, enabling test mocks.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Adapter implements relay.Adapter for Telegram.
type Adapter struct {
	bot       botAPI
	botToken  string
	botUserID string

	mu        sync.Mutex
	connected bool
	closed    bool
	listening bool

	inbound chan relay.Event
	done    chan struct{}
	pumpWG  sync.WaitGroup

	retryWait time.Duration // fallback wait when Telegram gives no retry_after
}

// AdapterOpts holds parameters for creating a Telegram Adapter.
type AdapterOpts struct {
	BotToken string // Telegram bot token from @BotFather
	// For testing: inject a mock bot instead of the real Bot API.
	Bot       botAPI
	BotUserID string // with Bot: the bot's own user ID
}

// New creates a Telegram Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Bot == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("telegram: bot token is required")
	}
	return &Adapter{
		bot:       opts.Bot,
		botToken:  opts.BotToken,
		botUserID: opts.BotUserID,
		inbound:   make(chan relay.Event, 100),
		done:      make(chan struct{}),
		retryWait: time.Second,
	}, nil
}

// Connect authenticates against the Bot API.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("telegram: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.bot == nil {
		bot, err := tgbotapi.NewBotAPI(a.botToken)
		if err != nil {
			return fmt.Errorf("telegram: connect: %w", err)
		}
		a.bot = bot
		a.botUserID = strconv.FormatInt(bot.Self.ID, 10)
		log.Printf("telegram: connected as @%s (ID: %d)", bot.Self.UserName, bot.Self.ID)
	}

	a.connected = true
	return nil
}

// Listen starts long polling and returns the channel of inbound events.
// Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan relay.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("telegram: not connected")
	}
	if a.listening {
		return a.inbound, nil
	}
	a.listening = true

	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	u.AllowedUpdates = []string{"message", "callback_query"}
	updates := a.bot.GetUpdatesChan(u)

	a.pumpWG.Add(1)
	go a.pump(ctx, updates)
	return a.inbound, nil
}

// pump converts updates to events until the adapter closes, ctx ends or
// the updates channel is closed.
func (a *Adapter) pump(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	defer a.pumpWG.Done()
	for {
		select {
		case <-a.done:
			return
		case <-ctx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			ev, ok := convertUpdate(upd)
			if !ok {
				continue
			}
			select {
			case a.inbound <- ev:
			case <-a.done:
				return
			}
		}
	}
}

// SendText delivers a text message. Text longer than Telegram allows is
// split; the ID of the first part is returned and only it carries the
// reply reference and buttons.
func (a *Adapter) SendText(ctx context.Context, to string, msg relay.OutboundText) (string, error) {
	chatID, err := a.chatID(to)
	if err != nil {
		return "", err
	}
	replyTo, _ := strconv.Atoi(msg.ReplyTo)

	var firstID string
	for i, part := range relay.ChunkText(msg.Text, maxMessageLen) {
		cfg := tgbotapi.NewMessage(chatID, part)
		if msg.Markdown {
			cfg.ParseMode = tgbotapi.ModeMarkdown
		}
		if i == 0 {
			cfg.ReplyToMessageID = replyTo
			if kb := keyboard(msg.Buttons); kb != nil {
				cfg.ReplyMarkup = *kb
			}
		}
		sent, err := a.sendWithFallback(ctx, cfg, msg.Markdown)
		if err != nil {
			return firstID, fmt.Errorf("telegram: send message: %w", err)
		}
		if i == 0 {
			firstID = strconv.Itoa(sent.MessageID)
		}
	}
	return firstID, nil
}

// sendWithFallback sends cfg and, if Telegram rejects its Markdown, resends
// it as plain text.
func (a *Adapter) sendWithFallback(ctx context.Context, cfg tgbotapi.MessageConfig, markdown bool) (tgbotapi.Message, error) {
	sent, err := a.send(ctx, cfg)
	if err != nil && markdown && isParseError(err) {
		log.Printf("telegram: markdown rejected, resending as plain text: %v", err)
		cfg.ParseMode = ""
		return a.send(ctx, cfg)
	}
	return sent, err
}

// SendPhoto delivers a photo by file ID.
func (a *Adapter) SendPhoto(ctx context.Context, to, photoRef, caption string) (string, error) {
	chatID, err := a.chatID(to)
	if err != nil {
		return "", err
	}
	cfg := tgbotapi.NewPhoto(chatID, tgbotapi.FileID(photoRef))
	cfg.Caption = clip(caption, maxCaptionLen)
	sent, err := a.send(ctx, cfg)
	if err != nil {
		return "", fmt.Errorf("telegram: send photo: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// SendVideo delivers a video by file ID.
func (a *Adapter) SendVideo(ctx context.Context, to, videoRef, caption string) (string, error) {
	chatID, err := a.chatID(to)
	if err != nil {
		return "", err
	}
	cfg := tgbotapi.NewVideo(chatID, tgbotapi.FileID(videoRef))
	cfg.Caption = clip(caption, maxCaptionLen)
	sent, err := a.send(ctx, cfg)
	if err != nil {
		return "", fmt.Errorf("telegram: send video: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// AnswerCallback answers the callback query and, when EditText is set,
// edits the message that carried the button.
func (a *Adapter) AnswerCallback(ctx context.Context, ans relay.CallbackAnswer) error {
	if err := a.requireConnected(); err != nil {
		return err
	}
	if err := a.request(ctx, tgbotapi.NewCallback(ans.CallbackID, "")); err != nil {
		// Expired callbacks can no longer be answered; the edit still works.
		log.Printf("telegram: answer callback %s: %v", ans.CallbackID, err)
	}
	if ans.EditText == "" {
		return nil
	}

	chatID, err := strconv.ParseInt(ans.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q", ans.ChatID)
	}
	msgID, err := strconv.Atoi(ans.MessageID)
	if err != nil {
		return fmt.Errorf("telegram: invalid message id %q", ans.MessageID)
	}

	edit := tgbotapi.NewEditMessageText(chatID, msgID, clip(ans.EditText, maxMessageLen))
	if ans.Markdown {
		edit.ParseMode = tgbotapi.ModeMarkdown
	}
	edit.ReplyMarkup = keyboard(ans.Buttons)
	_, err = a.send(ctx, edit)
	if err != nil && ans.Markdown && isParseError(err) {
		log.Printf("telegram: markdown rejected in edit, resending as plain text: %v", err)
		edit.ParseMode = ""
		_, err = a.send(ctx, edit)
	}
	if err != nil {
		return fmt.Errorf("telegram: edit message: %w", err)
	}
	return nil
}

// Close stops polling and closes the inbound channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.connected = false
	listening := a.listening
	a.mu.Unlock()

	close(a.done)
	if listening {
		a.bot.StopReceivingUpdates()
	}
	a.pumpWG.Wait()
	close(a.inbound)
	return nil
}

// BotUserID returns the bot's Telegram user ID (available after Connect).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

func (a *Adapter) requireConnected() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("telegram: not connected")
	}
	return nil
}

func (a *Adapter) chatID(to string) (int64, error) {
	if err := a.requireConnected(); err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: invalid chat id %q", to)
	}
	return id, nil
}

func (a *Adapter) send(ctx context.Context, c tgbotapi.Chattable) (tgbotapi.Message, error) {
	var sent tgbotapi.Message
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		sent, apiErr = a.bot.Send(c)
		return apiErr
	})
	return sent, err
}

func (a *Adapter) request(ctx context.Context, c tgbotapi.Chattable) error {
	return a.retryOnRateLimit(ctx, func() error {
		_, apiErr := a.bot.Request(c)
		return apiErr
	})
}

// retryOnRateLimit calls fn and retries after the wait Telegram asks for
// on 429 responses. It respects context cancellation.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var apiErr *tgbotapi.Error
		if !errors.As(err, &apiErr) || apiErr.Code != 429 || attempt == maxRetries {
			return err
		}

		wait := a.retryWait
		if apiErr.RetryAfter > 0 {
			wait = time.Duration(apiErr.RetryAfter) * time.Second
		}
		log.Printf("telegram: rate limited (attempt %d/%d), retrying in %v", attempt+1, maxRetries, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// isParseError reports whether Telegram rejected the message's markup.
func isParseError(err error) bool {
	var apiErr *tgbotapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == 400 &&
		strings.Contains(apiErr.Message, "can't parse entities")
}

// keyboard converts button rows to an inline keyboard, or nil for none.
func keyboard(rows [][]relay.Button) *tgbotapi.InlineKeyboardMarkup {
	if len(rows) == 0 {
		return nil
	}
	var kbRows [][]tgbotapi.InlineKeyboardButton
	for _, row := range rows {
		var kbRow []tgbotapi.InlineKeyboardButton
		for _, b := range row {
			kbRow = append(kbRow, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Payload))
		}
		kbRows = append(kbRows, kbRow)
	}
	kb := tgbotapi.NewInlineKeyboardMarkup(kbRows...)
	return &kb
}

// clip shortens s to at most n runes.
func clip(s string, n int) string {
	if parts := relay.ChunkText(s, n); len(parts) > 1 {
		return parts[0]
	}
	return s
}

// convertUpdate maps a Telegram update to a relay event. Only private chats
// are relayed.
func convertUpdate(upd tgbotapi.Update) (relay.Event, bool) {
	switch {
	case upd.CallbackQuery != nil:
		return convertCallback(upd.CallbackQuery)
	case upd.Message != nil:
		return convertMessage(upd.Message)
	default:
		return relay.Event{}, false
	}
}

func convertMessage(m *tgbotapi.Message) (relay.Event, bool) {
	if m.From == nil || m.Chat == nil || !m.Chat.IsPrivate() {
		return relay.Event{}, false
	}
	ev := relay.Event{
		Platform:  "telegram",
		Kind:      relay.EventMessage,
		ChatID:    strconv.FormatInt(m.Chat.ID, 10),
		UserID:    strconv.FormatInt(m.From.ID, 10),
		UserName:  m.From.UserName,
		MessageID: strconv.Itoa(m.MessageID),
		Text:      m.Text,
		Caption:   m.Caption,
		Timestamp: m.Time(),
	}
	if m.ReplyToMessage != nil {
		ev.ReplyToID = strconv.Itoa(m.ReplyToMessage.MessageID)
	}
	if m.IsCommand() {
		ev.Command = strings.ToLower(m.Command())
	}
	if len(m.Photo) > 0 {
		// Telegram lists sizes smallest first.
		ev.PhotoRef = m.Photo[len(m.Photo)-1].FileID
	}
	if m.Video != nil {
		ev.VideoRef = m.Video.FileID
	}
	return ev, true
}

func convertCallback(q *tgbotapi.CallbackQuery) (relay.Event, bool) {
	if q.From == nil {
		return relay.Event{}, false
	}
	ev := relay.Event{
		Platform:   "telegram",
		Kind:       relay.EventCallback,
		UserID:     strconv.FormatInt(q.From.ID, 10),
		UserName:   q.From.UserName,
		CallbackID: q.ID,
		Payload:    q.Data,
		Timestamp:  time.Now(),
	}
	if q.Message != nil {
		ev.MessageID = strconv.Itoa(q.Message.MessageID)
		if q.Message.Chat != nil {
			ev.ChatID = strconv.FormatInt(q.Message.Chat.ID, 10)
		}
	}
	return ev, true
}
