package relay

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"
)

// Router sorts inbound events before the engine sees them. Routing paths:
//  1. Bot self-message → ignore
//  2. Button callback → console (admin only, silent otherwise)
//  3. Command → /start for anyone, /chats for the admin
//  4. Everything else → relay engine
type Router struct {
	engine    *Engine
	console   *Console
	send      *sender
	adminID   string
	botUserID string
	welcome   string
	metrics   *Metrics
	out       io.Writer
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	Engine      *Engine
	Console     *Console
	Adapter     Adapter
	AdminID     string
	BotUserID   string        // bot's user ID for self-message filtering
	WelcomeText string        // defaults to DefaultWelcomeText
	SendTimeout time.Duration // defaults to 15s
	Metrics     *Metrics      // optional
	Out         io.Writer     // defaults to os.Stdout
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("relay: router: engine is required")
	}
	if opts.Console == nil {
		return nil, fmt.Errorf("relay: router: console is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("relay: router: adapter is required")
	}
	if opts.AdminID == "" {
		return nil, fmt.Errorf("relay: router: admin id is required")
	}
	welcome := opts.WelcomeText
	if welcome == "" {
		welcome = DefaultWelcomeText
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Router{
		engine:    opts.Engine,
		console:   opts.Console,
		send:      newSender(opts.Adapter, opts.SendTimeout),
		adminID:   opts.AdminID,
		botUserID: opts.BotUserID,
		welcome:   welcome,
		metrics:   opts.Metrics,
		out:       out,
	}, nil
}

// Handle routes a single inbound event.
func (r *Router) Handle(ctx context.Context, ev Event) {
	if r.isSelfMessage(ev) {
		return
	}

	switch {
	case ev.Kind == EventCallback:
		r.metrics.ObserveEvent(KindCallback)
		r.handleCallback(ctx, ev)
	case ev.Command != "":
		r.metrics.ObserveEvent(KindCommand)
		r.handleCommand(ctx, ev)
	default:
		fmt.Fprintf(r.out, "relay: router: recv [msg=%s reply_to=%s] %q\n",
			ev.MessageID, ev.ReplyToID, truncateRunes(ev.Content(), 80))
		res := r.engine.Handle(ctx, ev)
		fmt.Fprintf(r.out, "relay: router: %s → %s\n", res.Kind, res.Outcome)
	}
}

func (r *Router) isSelfMessage(ev Event) bool {
	return r.botUserID != "" && ev.UserID == r.botUserID
}

func (r *Router) isAdmin(ev Event) bool {
	return ev.UserID == r.adminID
}

// handleCommand answers /start and /chats. Other commands are ignored.
func (r *Router) handleCommand(ctx context.Context, ev Event) {
	switch strings.ToLower(ev.Command) {
	case "start":
		fmt.Fprintf(r.out, "relay: router: → start\n")
		r.reply(ctx, ev, OutboundText{Text: r.welcome, Markdown: true})
	case "chats":
		if !r.isAdmin(ev) {
			return
		}
		fmt.Fprintf(r.out, "relay: router: → chats\n")
		msg, err := r.console.DialogList(ctx)
		if err != nil {
			log.Printf("relay: router: render dialog list: %v", err)
			return
		}
		r.reply(ctx, ev, msg)
	default:
		fmt.Fprintf(r.out, "relay: router: → ignore (unknown command %q)\n", ev.Command)
	}
}

// handleCallback serves the console buttons. Callbacks from anyone but the
// administrator are dropped without acknowledgement.
func (r *Router) handleCallback(ctx context.Context, ev Event) {
	if !r.isAdmin(ev) {
		return
	}
	ans := CallbackAnswer{CallbackID: ev.CallbackID, ChatID: ev.ChatID, MessageID: ev.MessageID}

	switch {
	case ev.Payload == PayloadBackToDialogs:
		fmt.Fprintf(r.out, "relay: router: → back to dialogs\n")
		msg, err := r.console.DialogList(ctx)
		if err != nil {
			log.Printf("relay: router: render dialog list: %v", err)
			r.answer(ctx, ans)
			return
		}
		ans.EditText, ans.Markdown, ans.Buttons = msg.Text, msg.Markdown, msg.Buttons
		r.answer(ctx, ans)

	case strings.HasPrefix(ev.Payload, PayloadHistoryPrefix):
		dialogID, ok := ParseHistoryPayload(ev.Payload)
		if !ok {
			log.Printf("relay: router: malformed history payload %q", ev.Payload)
			r.answer(ctx, ans)
			return
		}
		fmt.Fprintf(r.out, "relay: router: → history [dialog=%d]\n", dialogID)
		chunks, err := r.console.History(ctx, dialogID)
		if err != nil {
			log.Printf("relay: router: render history [dialog=%d]: %v", dialogID, err)
			r.answer(ctx, ans)
			return
		}
		ans.EditText, ans.Markdown, ans.Buttons = chunks[0].Text, chunks[0].Markdown, chunks[0].Buttons
		r.answer(ctx, ans)
		for _, chunk := range chunks[1:] {
			if _, err := r.send.text(ctx, r.adminID, chunk); err != nil {
				log.Printf("relay: router: send history chunk [dialog=%d]: %v", dialogID, err)
				return
			}
		}

	default:
		log.Printf("relay: router: unknown callback payload %q", ev.Payload)
		r.answer(ctx, ans)
	}
}

func (r *Router) reply(ctx context.Context, ev Event, msg OutboundText) {
	msg.ReplyTo = ev.MessageID
	if _, err := r.send.text(ctx, ev.UserID, msg); err != nil {
		log.Printf("relay: router: send response: %v", err)
	}
}

func (r *Router) answer(ctx context.Context, ans CallbackAnswer) {
	if err := r.send.answer(ctx, ans); err != nil {
		log.Printf("relay: router: answer callback: %v", err)
	}
}
