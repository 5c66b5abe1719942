package relay

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SentMessage is one delivery recorded by MockAdapter.
type SentMessage struct {
	ID       string
	To       string
	Kind     string // "text", "photo" or "video"
	Text     string // text, or caption for media
	MediaRef string
	Markdown bool
	ReplyTo  string
	Buttons  [][]Button
}

// MockAdapter implements Adapter for testing. It records sent messages and
// callback answers, and allows simulating inbound events via
// SimulateInbound.
type MockAdapter struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	inbound   chan Event
	sent      []SentMessage
	answers   []CallbackAnswer
	sendErrs  map[string]error // keyed by recipient
	answerErr error
	botUserID string
	counter   int
}

// NewMockAdapter creates a MockAdapter with a buffered inbound channel.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		inbound:  make(chan Event, 100),
		sendErrs: make(map[string]error),
	}
}

// BotUserID returns the configured bot user ID (implements BotUserIDer).
func (m *MockAdapter) BotUserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.botUserID
}

// SetBotUserID sets the bot user ID for testing.
func (m *MockAdapter) SetBotUserID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.botUserID = id
}

// Connect marks the adapter as connected.
func (m *MockAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock adapter: already closed")
	}
	m.connected = true
	return nil
}

// Listen returns the inbound event channel. Must be called after Connect.
func (m *MockAdapter) Listen(ctx context.Context) (<-chan Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("mock adapter: not connected")
	}
	return m.inbound, nil
}

// SendText records a text message.
func (m *MockAdapter) SendText(ctx context.Context, to string, msg OutboundText) (string, error) {
	return m.record(SentMessage{
		To:       to,
		Kind:     "text",
		Text:     msg.Text,
		Markdown: msg.Markdown,
		ReplyTo:  msg.ReplyTo,
		Buttons:  msg.Buttons,
	})
}

// SendPhoto records a photo message.
func (m *MockAdapter) SendPhoto(ctx context.Context, to, photoRef, caption string) (string, error) {
	return m.record(SentMessage{To: to, Kind: "photo", Text: caption, MediaRef: photoRef})
}

// SendVideo records a video message.
func (m *MockAdapter) SendVideo(ctx context.Context, to, videoRef, caption string) (string, error) {
	return m.record(SentMessage{To: to, Kind: "video", Text: caption, MediaRef: videoRef})
}

func (m *MockAdapter) record(msg SentMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return "", fmt.Errorf("mock adapter: not connected")
	}
	if err := m.sendErrs[msg.To]; err != nil {
		return "", err
	}
	m.counter++
	msg.ID = fmt.Sprintf("msg-%d", m.counter)
	m.sent = append(m.sent, msg)
	return msg.ID, nil
}

// AnswerCallback records the callback answer.
func (m *MockAdapter) AnswerCallback(ctx context.Context, ans CallbackAnswer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("mock adapter: not connected")
	}
	if m.answerErr != nil {
		return m.answerErr
	}
	m.answers = append(m.answers, ans)
	return nil
}

// Close shuts down the mock adapter and closes the inbound channel.
func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.inbound)
	return nil
}

// --- Test helpers ---

// SimulateInbound sends an event into the inbound channel as if it came
// from the chat platform. Safe to call from any goroutine.
func (m *MockAdapter) SimulateInbound(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	m.inbound <- ev
}

// SetSendError makes every send to recipient fail with err. A nil err
// clears it.
func (m *MockAdapter) SetSendError(to string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.sendErrs, to)
		return
	}
	m.sendErrs[to] = err
}

// SetAnswerError makes AnswerCallback fail with err.
func (m *MockAdapter) SetAnswerError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answerErr = err
}

// LastSent returns the most recently sent message.
// Returns zero value and false if no messages have been sent.
func (m *MockAdapter) LastSent() (SentMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return SentMessage{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// SentCount returns the number of messages sent.
func (m *MockAdapter) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// AllSent returns a copy of all sent messages.
func (m *MockAdapter) AllSent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentTo returns the messages sent to one recipient, in order.
func (m *MockAdapter) SentTo(to string) []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SentMessage
	for _, s := range m.sent {
		if s.To == to {
			out = append(out, s)
		}
	}
	return out
}

// Answers returns a copy of all recorded callback answers.
func (m *MockAdapter) Answers() []CallbackAnswer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CallbackAnswer, len(m.answers))
	copy(out, m.answers)
	return out
}
