package relay

import (
	"context"
	"time"
)

const defaultSendTimeout = 15 * time.Second

// sender bounds every adapter call with a timeout.
type sender struct {
	adapter Adapter
	timeout time.Duration
}

func newSender(a Adapter, timeout time.Duration) *sender {
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	return &sender{adapter: a, timeout: timeout}
}

func (s *sender) text(ctx context.Context, to string, msg OutboundText) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.adapter.SendText(ctx, to, msg)
}

func (s *sender) photo(ctx context.Context, to, ref, caption string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.adapter.SendPhoto(ctx, to, ref, caption)
}

func (s *sender) video(ctx context.Context, to, ref, caption string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.adapter.SendVideo(ctx, to, ref, caption)
}

func (s *sender) answer(ctx context.Context, ans CallbackAnswer) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.adapter.AnswerCallback(ctx, ans)
}
