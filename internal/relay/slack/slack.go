// Package slack implements the relay Adapter for Slack direct messages
// using Socket Mode.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/anonrelay/internal/relay"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for reconnection.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff for reconnection.
	maxBackoff = 2 * time.Minute
	// maxReconnectAttempts limits reconnection retries before giving up.
	maxReconnectAttempts = 10
	// maxSectionLen is Slack's limit on a section block's text.
	maxSectionLen = 3000
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	UpdateMessage(channelID, timestamp string, options ...slackapi.MsgOption) (string, string, string, error)
	OpenConversation(params *slackapi.OpenConversationParameters) (*slackapi.Channel, bool, bool, error)
}

// socketClient abstracts the Socket Mode client methods we use.
type socketClient interface {
	RunContext(ctx context.Context) error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) RunContext(ctx context.Context) error { return r.client.RunContext(ctx) }
func (r *realSocketClient) EventsChan() chan socketmode.Event    { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Adapter implements relay.Adapter for Slack Socket Mode.
type Adapter struct {
	client    slackClient
	socket    socketClient
	botUserID string
	appToken  string
	botToken  string

	mu         sync.Mutex
	connected  bool
	closed     bool
	listening  bool
	cancelFunc context.CancelFunc
	dmChans    map[string]string // user ID -> IM channel ID

	inbound chan relay.Event
	done    chan struct{}
	pumpWG  sync.WaitGroup

	baseBackoff  time.Duration // reconnection base backoff (default: baseBackoff const)
	maxBackoff   time.Duration // reconnection max backoff (default: maxBackoff const)
	maxReconnect int           // max reconnection attempts (default: maxReconnectAttempts)
}

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	AppToken string // xapp-... Slack app-level token for Socket Mode
	BotToken string // xoxb-... Slack bot token
	// For testing: inject mock clients instead of real Slack API.
	Client slackClient
	Socket socketClient
}

// New creates a Slack Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}

	return &Adapter{
		client:       opts.Client,
		socket:       opts.Socket,
		appToken:     opts.AppToken,
		botToken:     opts.BotToken,
		dmChans:      make(map[string]string),
		inbound:      make(chan relay.Event, 100),
		done:         make(chan struct{}),
		baseBackoff:  baseBackoff,
		maxBackoff:   maxBackoff,
		maxReconnect: maxReconnectAttempts,
	}, nil
}

// Connect authenticates the bot and prepares the Socket Mode client.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("slack: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.client == nil {
		api := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))
		a.client = api
		a.socket = &realSocketClient{client: socketmode.New(api)}
	}

	// Bot user ID for self-message filtering.
	auth, err := a.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID

	a.connected = true
	return nil
}

// Listen starts Socket Mode and the event pump, and returns the channel of
// inbound events. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan relay.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("slack: not connected")
	}
	if a.listening {
		return a.inbound, nil
	}
	a.listening = true

	listenCtx, cancel := context.WithCancel(ctx)
	a.cancelFunc = cancel

	go a.runWithReconnect(listenCtx)
	a.pumpWG.Add(1)
	go a.pumpEvents(listenCtx)

	return a.inbound, nil
}

// SendText posts a message to the user's IM channel. A ReplyTo makes the
// message a thread reply. Long text is split; the first part's timestamp
// is returned and only it carries the buttons.
func (a *Adapter) SendText(ctx context.Context, to string, msg relay.OutboundText) (string, error) {
	channelID, err := a.imChannel(ctx, to)
	if err != nil {
		return "", err
	}

	var firstTS string
	for i, part := range relay.ChunkText(msg.Text, maxSectionLen) {
		options := buildMessageOptions(part, msg.Markdown, msg.ReplyTo, nil)
		if i == 0 {
			options = buildMessageOptions(part, msg.Markdown, msg.ReplyTo, msg.Buttons)
		}
		var ts string
		err := retryOnRateLimit(ctx, func() error {
			var postErr error
			_, ts, postErr = a.client.PostMessage(channelID, options...)
			return postErr
		})
		if err != nil {
			return firstTS, fmt.Errorf("slack: post message: %w", err)
		}
		if i == 0 {
			firstTS = ts
		}
	}
	return firstTS, nil
}

// SendPhoto posts the photo link with its caption. Slack file uploads are
// not relayed, so refs here are URLs.
func (a *Adapter) SendPhoto(ctx context.Context, to, photoRef, caption string) (string, error) {
	return a.sendLink(ctx, to, photoRef, caption)
}

// SendVideo posts the video link with its caption.
func (a *Adapter) SendVideo(ctx context.Context, to, videoRef, caption string) (string, error) {
	return a.sendLink(ctx, to, videoRef, caption)
}

func (a *Adapter) sendLink(ctx context.Context, to, ref, caption string) (string, error) {
	text := ref
	if caption != "" {
		text = caption + "\n" + ref
	}
	return a.SendText(ctx, to, relay.OutboundText{Text: text})
}

// AnswerCallback edits the message that carried the button. Slack requires
// the acknowledgement within three seconds, so interactions are acked as
// soon as they arrive and an answer without EditText is a no-op.
func (a *Adapter) AnswerCallback(ctx context.Context, ans relay.CallbackAnswer) error {
	if err := a.requireConnected(); err != nil {
		return err
	}
	if ans.EditText == "" {
		return nil
	}

	text := clip(ans.EditText, maxSectionLen)
	options := buildMessageOptions(text, ans.Markdown, "", ans.Buttons)
	if len(ans.Buttons) == 0 {
		// Drop the old buttons along with the old text.
		options = append(options, slackapi.MsgOptionBlocks(textBlock(text, ans.Markdown)))
	}
	err := retryOnRateLimit(ctx, func() error {
		_, _, _, updErr := a.client.UpdateMessage(ans.ChatID, ans.MessageID, options...)
		return updErr
	})
	if err != nil {
		return fmt.Errorf("slack: update message: %w", err)
	}
	return nil
}

// Close stops Socket Mode and closes the inbound channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.connected = false
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	a.mu.Unlock()

	close(a.done)
	a.pumpWG.Wait()
	close(a.inbound)
	return nil
}

// BotUserID returns the bot's Slack user ID (available after Connect).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

func (a *Adapter) requireConnected() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("slack: not connected")
	}
	return nil
}

// imChannel returns the IM channel for a user, opening it on first use.
func (a *Adapter) imChannel(ctx context.Context, userID string) (string, error) {
	if err := a.requireConnected(); err != nil {
		return "", err
	}
	a.mu.Lock()
	id, ok := a.dmChans[userID]
	a.mu.Unlock()
	if ok {
		return id, nil
	}

	var ch *slackapi.Channel
	err := retryOnRateLimit(ctx, func() error {
		var apiErr error
		ch, _, _, apiErr = a.client.OpenConversation(&slackapi.OpenConversationParameters{
			Users:    []string{userID},
			ReturnIM: true,
		})
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("slack: open conversation with %s: %w", userID, err)
	}

	a.mu.Lock()
	a.dmChans[userID] = ch.ID
	a.mu.Unlock()
	return ch.ID, nil
}

// runWithReconnect runs the Socket Mode client and retries with exponential
// backoff when it returns an error.
func (a *Adapter) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < a.maxReconnect; attempt++ {
		err := a.socket.RunContext(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}

		log.Printf("slack: socket mode disconnected (attempt %d/%d): %v, reconnecting in %v",
			attempt+1, a.maxReconnect, err, wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	log.Printf("slack: socket mode exhausted %d reconnection attempts, giving up", a.maxReconnect)
}

// pumpEvents reads Socket Mode events and converts them to relay events.
func (a *Adapter) pumpEvents(ctx context.Context) {
	defer a.pumpWG.Done()
	events := a.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.handleSocketEvent(evt)
		}
	}
}

// emit delivers ev unless the adapter is closing.
func (a *Adapter) emit(ev relay.Event) {
	select {
	case a.inbound <- ev:
	case <-a.done:
	}
}

// handleSocketEvent processes a single Socket Mode event.
func (a *Adapter) handleSocketEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		a.ack(evt)
		a.handleEventsAPI(eventsAPIEvent)

	case socketmode.EventTypeSlashCommand:
		cmd, ok := evt.Data.(slackapi.SlashCommand)
		if !ok {
			return
		}
		a.ack(evt)
		a.handleSlashCommand(cmd)

	case socketmode.EventTypeInteractive:
		callback, ok := evt.Data.(slackapi.InteractionCallback)
		if !ok {
			return
		}
		a.ack(evt)
		a.handleInteraction(callback)

	case socketmode.EventTypeConnecting:
		log.Printf("slack: connecting to Socket Mode...")

	case socketmode.EventTypeConnected:
		log.Printf("slack: connected to Socket Mode")

	case socketmode.EventTypeConnectionError:
		log.Printf("slack: connection error: %v", evt.Data)

	case socketmode.EventTypeDisconnect:
		log.Printf("slack: server requested disconnect, will reconnect")
	}
}

func (a *Adapter) ack(evt socketmode.Event) {
	if evt.Request != nil {
		a.socket.Ack(*evt.Request)
	}
}

// handleEventsAPI processes Events API callbacks.
func (a *Adapter) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	if ev, ok := event.InnerEvent.Data.(*slackevents.MessageEvent); ok {
		a.handleMessage(ev)
	}
}

// handleMessage converts a Slack IM message to a relay event.
func (a *Adapter) handleMessage(ev *slackevents.MessageEvent) {
	if ev.User == a.BotUserID() {
		return
	}
	// Bot messages and subtypes (edits, deletes, joins) are not relayed.
	if ev.BotID != "" || ev.SubType != "" {
		return
	}
	if ev.ChannelType != "im" {
		return
	}

	a.mu.Lock()
	a.dmChans[ev.User] = ev.Channel
	a.mu.Unlock()

	out := relay.Event{
		Platform:  "slack",
		Kind:      relay.EventMessage,
		ChatID:    ev.Channel,
		UserID:    ev.User,
		MessageID: ev.TimeStamp,
		Text:      ev.Text,
		Timestamp: parseSlackTimestamp(ev.TimeStamp),
	}
	// A threaded reply points at the thread's root message.
	if ev.ThreadTimeStamp != "" && ev.ThreadTimeStamp != ev.TimeStamp {
		out.ReplyToID = ev.ThreadTimeStamp
	}
	a.emit(out)
}

// handleSlashCommand converts a slash command to a relay command event.
func (a *Adapter) handleSlashCommand(cmd slackapi.SlashCommand) {
	a.emit(relay.Event{
		Platform:  "slack",
		Kind:      relay.EventMessage,
		ChatID:    cmd.ChannelID,
		UserID:    cmd.UserID,
		UserName:  cmd.UserName,
		Text:      strings.TrimSpace(cmd.Command + " " + cmd.Text),
		Command:   strings.ToLower(strings.TrimPrefix(cmd.Command, "/")),
		Timestamp: time.Now(),
	})
}

// handleInteraction converts a Block Kit button press to a callback event.
func (a *Adapter) handleInteraction(cb slackapi.InteractionCallback) {
	if cb.Type != slackapi.InteractionTypeBlockActions || len(cb.ActionCallback.BlockActions) == 0 {
		return
	}
	action := cb.ActionCallback.BlockActions[0]

	channelID := cb.Container.ChannelID
	if channelID == "" {
		channelID = cb.Channel.ID
	}
	messageTS := cb.Container.MessageTs
	if messageTS == "" {
		messageTS = cb.Message.Timestamp
	}

	a.emit(relay.Event{
		Platform:   "slack",
		Kind:       relay.EventCallback,
		ChatID:     channelID,
		UserID:     cb.User.ID,
		UserName:   cb.User.Name,
		MessageID:  messageTS,
		CallbackID: cb.TriggerID,
		Payload:    action.Value,
		Timestamp:  time.Now(),
	})
}

// buildMessageOptions translates text, thread and buttons into Slack
// MsgOptions. Buttons are rendered as Block Kit actions under a section
// carrying the text; the plain text stays as the notification fallback.
func buildMessageOptions(text string, markdown bool, threadTS string, rows [][]relay.Button) []slackapi.MsgOption {
	options := []slackapi.MsgOption{slackapi.MsgOptionText(text, false)}
	if threadTS != "" {
		options = append(options, slackapi.MsgOptionTS(threadTS))
	}
	if len(rows) > 0 {
		blocks := []slackapi.Block{textBlock(text, markdown)}
		for i, row := range rows {
			var elements []slackapi.BlockElement
			for _, b := range row {
				label := slackapi.NewTextBlockObject(slackapi.PlainTextType, b.Label, false, false)
				elements = append(elements, slackapi.NewButtonBlockElement(b.Payload, b.Payload, label))
			}
			blocks = append(blocks, slackapi.NewActionBlock("row_"+strconv.Itoa(i), elements...))
		}
		options = append(options, slackapi.MsgOptionBlocks(blocks...))
	}
	return options
}

func textBlock(text string, markdown bool) slackapi.Block {
	kind := slackapi.PlainTextType
	if markdown {
		kind = slackapi.MarkdownType
	}
	return slackapi.NewSectionBlock(slackapi.NewTextBlockObject(kind, text, false, false), nil, nil)
}

// clip shortens s to at most n runes.
func clip(s string, n int) string {
	if parts := relay.ChunkText(s, n); len(parts) > 1 {
		return parts[0]
	}
	return s
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit errors.
// It respects context cancellation and the RetryAfter duration from Slack.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}

// parseSlackTimestamp converts a Slack timestamp (e.g., "1234567890.123456")
// to a time.Time.
func parseSlackTimestamp(ts string) time.Time {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}
	}
	usec, _ := strconv.ParseInt(frac, 10, 64)
	return time.Unix(s, usec*int64(time.Microsecond))
}
