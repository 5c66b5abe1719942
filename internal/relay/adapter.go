// Package relay implements the anonymous relay: end-user messages are
// forwarded to a single administrator without sender identity, and the
// administrator's threaded replies are routed back to the right user.
package relay

import (
	"context"
	"time"
)

// Adapter is the interface that platform-specific implementations must satisfy.
// Each adapter handles connection management and message delivery for a
// single chat platform. Recipients are always addressed by chat identity
// (user ID); adapters resolve direct-message channels themselves.
type Adapter interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound events from the platform.
	// The channel is closed when the adapter is closed. Listen must only be
	// called after Connect.
	Listen(ctx context.Context) (<-chan Event, error)

	// SendText delivers a text message and returns its platform message ID.
	SendText(ctx context.Context, to string, msg OutboundText) (string, error)

	// SendPhoto delivers a photo by platform reference with an optional caption.
	SendPhoto(ctx context.Context, to, photoRef, caption string) (string, error)

	// SendVideo delivers a video by platform reference with an optional caption.
	SendVideo(ctx context.Context, to, videoRef, caption string) (string, error)

	// AnswerCallback acknowledges a button press and, when EditText is set,
	// replaces the text and buttons of the message that carried the button.
	AnswerCallback(ctx context.Context, ans CallbackAnswer) error

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// EventKind distinguishes plain messages from button callbacks.
type EventKind int

const (
	EventMessage EventKind = iota
	EventCallback
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventCallback:
		return "callback"
	default:
		return "unknown"
	}
}

// Event is one inbound occurrence on the chat platform.
type Event struct {
	Platform  string    // e.g. "telegram", "discord", "slack"
	Kind      EventKind // message or callback
	ChatID    string    // chat the event arrived in
	UserID    string    // sender identity
	UserName  string    // sender name when the platform delivers one (never forwarded)
	MessageID string    // platform message ID (for callbacks: the message carrying the button)
	ReplyToID string    // ID of the message this one directly replies to, if any
	Text      string    // message text
	Caption   string    // attachment caption
	Command   string    // command name without the leading slash, e.g. "start"
	PhotoRef  string    // highest-resolution photo reference
	VideoRef  string    // video reference

	CallbackID string // platform callback/interaction ID
	Payload    string // opaque button payload

	Timestamp time.Time
}

// Content returns the event's text, falling back to the caption.
func (e Event) Content() string {
	if e.Text != "" {
		return e.Text
	}
	return e.Caption
}

// HasMedia reports whether the event carries a photo or video.
func (e Event) HasMedia() bool {
	return e.PhotoRef != "" || e.VideoRef != ""
}

// Button is an inline control carrying an opaque payload.
type Button struct {
	Label   string
	Payload string
}

// OutboundText is a text message to be sent to the chat platform.
type OutboundText struct {
	Text     string
	Markdown bool       // text uses *bold* / _italic_ markup
	ReplyTo  string     // message ID to reply to (empty for none)
	Buttons  [][]Button // rows of inline buttons
}

// CallbackAnswer acknowledges a callback and optionally edits its message.
type CallbackAnswer struct {
	CallbackID string
	ChatID     string
	MessageID  string
	EditText   string // empty: acknowledge only
	Markdown   bool
	Buttons    [][]Button
}

// BotUserIDer is an optional interface that adapters can implement to
// expose the bot's own user ID. This enables self-message filtering.
type BotUserIDer interface {
	BotUserID() string
}
