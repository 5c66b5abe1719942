// Package discord implements the relay Adapter for Discord direct messages
// using the Gateway WebSocket.
package discord

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/anonrelay/internal/relay"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for rate-limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute
	// maxMessageLen is Discord's limit on message content.
	maxMessageLen = 2000
	// maxRows and maxRowButtons bound a message's component grid.
	maxRows       = 5
	maxRowButtons = 5
	// interactionTTL is how long an acknowledged interaction's token accepts
	// edits. The acknowledgement itself must go out within 3 seconds, so it
	// is sent on arrival.
	interactionTTL = 15 * time.Minute
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	InteractionResponseEdit(interaction *discordgo.Interaction, newresp *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	AddHandler(handler interface{}) func()
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.UserChannelCreate(recipientID, options...)
}
func (r *realSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendComplex(channelID, data, options...)
}
func (r *realSession) InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error {
	return r.s.InteractionRespond(interaction, resp, options...)
}
func (r *realSession) InteractionResponseEdit(interaction *discordgo.Interaction, newresp *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.InteractionResponseEdit(interaction, newresp, options...)
}
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

// pendingInteraction is an acknowledged button press whose message may
// still be edited.
type pendingInteraction struct {
	i        *discordgo.Interaction
	received time.Time
}

// Adapter implements relay.Adapter for Discord via the Gateway WebSocket.
type Adapter struct {
	sess      session
	botToken  string
	botUserID string

	mu        sync.Mutex
	connected bool
	closed    bool
	removers  []func()
	dmChans   map[string]string // user ID -> DM channel ID
	pending   map[string]pendingInteraction

	// emitMu guards inbound against sends after Close.
	emitMu  sync.RWMutex
	stopped bool
	inbound chan relay.Event
	done    chan struct{}

	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken string // Discord bot token
	// For testing: inject a mock session instead of real Discord API.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	return &Adapter{
		sess:        opts.Session,
		botToken:    opts.BotToken,
		dmChans:     make(map[string]string),
		pending:     make(map[string]pendingInteraction),
		inbound:     make(chan relay.Event, 100),
		done:        make(chan struct{}),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}, nil
}

// Connect establishes the Discord Gateway WebSocket connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
		a.sess = &realSession{s: dg}
	}

	// Ready fires on connect and reconnect.
	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.mu.Lock()
		a.botUserID = r.User.ID
		a.mu.Unlock()
		log.Printf("discord: connected as %s (ID: %s)", r.User.Username, r.User.ID)
	})
	a.sess.AddHandler(func(_ *discordgo.Session, d *discordgo.Disconnect) {
		log.Printf("discord: gateway disconnected, discordgo will auto-reconnect")
	})
	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Resumed) {
		log.Printf("discord: gateway session resumed")
	})

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	a.connected = true
	return nil
}

// Listen registers message and interaction handlers and returns the channel
// of inbound events. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan relay.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("discord: not connected")
	}
	if len(a.removers) > 0 {
		return a.inbound, nil
	}

	a.removers = append(a.removers,
		a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			a.handleMessage(m)
		}),
		a.sess.AddHandler(func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
			a.handleInteraction(i)
		}),
	)
	return a.inbound, nil
}

// SendText delivers a text message to the user's DM channel. Long text is
// split; the ID of the first part is returned and only it carries the
// reply reference and buttons.
func (a *Adapter) SendText(ctx context.Context, to string, msg relay.OutboundText) (string, error) {
	channelID, err := a.dmChannel(ctx, to)
	if err != nil {
		return "", err
	}

	var firstID string
	for i, part := range relay.ChunkText(msg.Text, maxMessageLen) {
		data := &discordgo.MessageSend{Content: part}
		if i == 0 {
			if msg.ReplyTo != "" {
				data.Reference = &discordgo.MessageReference{MessageID: msg.ReplyTo, ChannelID: channelID}
			}
			data.Components = components(msg.Buttons)
		}
		sent, err := a.send(ctx, channelID, data)
		if err != nil {
			return firstID, fmt.Errorf("discord: send message: %w", err)
		}
		if i == 0 {
			firstID = sent.ID
		}
	}
	return firstID, nil
}

// SendPhoto delivers a photo by attachment URL as an embed image.
func (a *Adapter) SendPhoto(ctx context.Context, to, photoRef, caption string) (string, error) {
	channelID, err := a.dmChannel(ctx, to)
	if err != nil {
		return "", err
	}
	sent, err := a.send(ctx, channelID, &discordgo.MessageSend{
		Content: clip(caption, maxMessageLen),
		Embeds:  []*discordgo.MessageEmbed{{Image: &discordgo.MessageEmbedImage{URL: photoRef}}},
	})
	if err != nil {
		return "", fmt.Errorf("discord: send photo: %w", err)
	}
	return sent.ID, nil
}

// SendVideo delivers a video by attachment URL; Discord renders the player
// from the link.
func (a *Adapter) SendVideo(ctx context.Context, to, videoRef, caption string) (string, error) {
	channelID, err := a.dmChannel(ctx, to)
	if err != nil {
		return "", err
	}
	content := videoRef
	if caption != "" {
		content = clip(caption, maxMessageLen-len(videoRef)-1) + "\n" + videoRef
	}
	sent, err := a.send(ctx, channelID, &discordgo.MessageSend{Content: content})
	if err != nil {
		return "", fmt.Errorf("discord: send video: %w", err)
	}
	return sent.ID, nil
}

// AnswerCallback edits the message that carried the button when EditText is
// set. The interaction was already acknowledged on arrival, so an answer
// without EditText only releases it.
func (a *Adapter) AnswerCallback(ctx context.Context, ans relay.CallbackAnswer) error {
	if err := a.requireConnected(); err != nil {
		return err
	}
	a.mu.Lock()
	p, ok := a.pending[ans.CallbackID]
	delete(a.pending, ans.CallbackID)
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("discord: unknown or expired interaction %q", ans.CallbackID)
	}
	if ans.EditText == "" {
		return nil
	}

	content := clip(ans.EditText, maxMessageLen)
	comps := components(ans.Buttons)
	// Always send the list so stale buttons are cleared.
	if comps == nil {
		comps = []discordgo.MessageComponent{}
	}
	edit := &discordgo.WebhookEdit{Content: &content, Components: &comps}

	err := a.retryOnRateLimit(ctx, func() error {
		_, editErr := a.sess.InteractionResponseEdit(p.i, edit)
		return editErr
	})
	if err != nil {
		return fmt.Errorf("discord: edit interaction message: %w", err)
	}
	return nil
}

// Close removes the handlers, closes the gateway and the inbound channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.connected = false
	removers := a.removers
	a.removers = nil
	a.mu.Unlock()

	for _, remove := range removers {
		remove()
	}

	close(a.done)
	a.emitMu.Lock()
	a.stopped = true
	close(a.inbound)
	a.emitMu.Unlock()

	if a.sess != nil {
		return a.sess.Close()
	}
	return nil
}

// BotUserID returns the bot's Discord user ID (available after Ready).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// SetBotUserID sets the bot user ID (used for self-message filtering).
func (a *Adapter) SetBotUserID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.botUserID = id
}

func (a *Adapter) requireConnected() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("discord: not connected")
	}
	return nil
}

// dmChannel returns the DM channel for a user, creating it on first use.
func (a *Adapter) dmChannel(ctx context.Context, userID string) (string, error) {
	if err := a.requireConnected(); err != nil {
		return "", err
	}
	a.mu.Lock()
	id, ok := a.dmChans[userID]
	a.mu.Unlock()
	if ok {
		return id, nil
	}

	var ch *discordgo.Channel
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		ch, apiErr = a.sess.UserChannelCreate(userID)
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: open DM with %s: %w", userID, err)
	}

	a.mu.Lock()
	a.dmChans[userID] = ch.ID
	a.mu.Unlock()
	return ch.ID, nil
}

func (a *Adapter) send(ctx context.Context, channelID string, data *discordgo.MessageSend) (*discordgo.Message, error) {
	var sent *discordgo.Message
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		sent, apiErr = a.sess.ChannelMessageSendComplex(channelID, data)
		return apiErr
	})
	return sent, err
}

// emit delivers ev unless the adapter is closing.
func (a *Adapter) emit(ev relay.Event) {
	a.emitMu.RLock()
	defer a.emitMu.RUnlock()
	if a.stopped {
		return
	}
	select {
	case a.inbound <- ev:
	case <-a.done:
	}
}

// handleMessage converts a Discord DM to a relay event.
func (a *Adapter) handleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	// Guild traffic is never relayed.
	if m.GuildID != "" {
		return
	}

	a.mu.Lock()
	if m.Author.ID == a.botUserID {
		a.mu.Unlock()
		return
	}
	a.dmChans[m.Author.ID] = m.ChannelID
	a.mu.Unlock()

	ev := relay.Event{
		Platform:  "discord",
		Kind:      relay.EventMessage,
		ChatID:    m.ChannelID,
		UserID:    m.Author.ID,
		UserName:  m.Author.Username,
		MessageID: m.ID,
		Text:      m.Content,
		Timestamp: m.Timestamp,
	}
	if m.MessageReference != nil {
		ev.ReplyToID = m.MessageReference.MessageID
	}
	if strings.HasPrefix(m.Content, "/") {
		ev.Command = commandName(m.Content)
	}
	for _, att := range m.Attachments {
		switch {
		case ev.PhotoRef == "" && strings.HasPrefix(att.ContentType, "image/"):
			ev.PhotoRef = att.URL
		case ev.VideoRef == "" && strings.HasPrefix(att.ContentType, "video/"):
			ev.VideoRef = att.URL
		}
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp, _ = discordgo.SnowflakeTimestamp(m.ID)
	}
	a.emit(ev)
}

// handleInteraction converts a button press to a callback event and keeps
// the interaction until it is answered.
func (a *Adapter) handleInteraction(i *discordgo.InteractionCreate) {
	if i.Interaction == nil || i.Type != discordgo.InteractionMessageComponent {
		return
	}
	user := i.User
	if user == nil && i.Member != nil {
		user = i.Member.User
	}
	if user == nil {
		return
	}

	deferred := &discordgo.InteractionResponse{Type: discordgo.InteractionResponseDeferredMessageUpdate}
	if err := a.sess.InteractionRespond(i.Interaction, deferred); err != nil {
		log.Printf("discord: acknowledge interaction %s: %v", i.ID, err)
		return
	}

	now := time.Now()
	a.mu.Lock()
	for id, p := range a.pending {
		if now.Sub(p.received) > interactionTTL {
			delete(a.pending, id)
		}
	}
	a.pending[i.ID] = pendingInteraction{i: i.Interaction, received: now}
	a.mu.Unlock()

	ev := relay.Event{
		Platform:   "discord",
		Kind:       relay.EventCallback,
		ChatID:     i.ChannelID,
		UserID:     user.ID,
		UserName:   user.Username,
		CallbackID: i.ID,
		Payload:    i.MessageComponentData().CustomID,
		Timestamp:  now,
	}
	if i.Message != nil {
		ev.MessageID = i.Message.ID
	}
	a.emit(ev)
}

// commandName extracts "cmd" from "/cmd args".
func commandName(text string) string {
	name := strings.TrimPrefix(strings.Fields(text + " ")[0], "/")
	return strings.ToLower(name)
}

// components lays out button rows as Discord action rows. Rows wider than
// Discord allows are wrapped, and buttons past the grid limit are dropped.
func components(rows [][]relay.Button) []discordgo.MessageComponent {
	var buttons [][]discordgo.MessageComponent
	for _, row := range rows {
		var cur []discordgo.MessageComponent
		for _, b := range row {
			if len(cur) == maxRowButtons {
				buttons = append(buttons, cur)
				cur = nil
			}
			cur = append(cur, discordgo.Button{
				Label:    b.Label,
				Style:    discordgo.PrimaryButton,
				CustomID: b.Payload,
			})
		}
		if len(cur) > 0 {
			buttons = append(buttons, cur)
		}
	}
	// Pack single-button rows so a long list still fits the grid.
	if len(buttons) > maxRows {
		var flat []discordgo.MessageComponent
		for _, r := range buttons {
			flat = append(flat, r...)
		}
		buttons = nil
		for len(flat) > 0 && len(buttons) < maxRows {
			n := min(maxRowButtons, len(flat))
			buttons = append(buttons, flat[:n])
			flat = flat[n:]
		}
	}

	var out []discordgo.MessageComponent
	for _, r := range buttons {
		out = append(out, discordgo.ActionsRow{Components: r})
	}
	return out
}

// clip shortens s to at most n runes.
func clip(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if parts := relay.ChunkText(s, n); len(parts) > 1 {
		return parts[0]
	}
	return s
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != 429 {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}
		log.Printf("discord: rate limited (attempt %d/%d), retrying in %v",
			attempt+1, maxRetries, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}
