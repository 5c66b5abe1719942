package relay

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/zulandar/anonrelay/internal/models"
)

// Event kinds as counted by Metrics and reported in Result.
const (
	KindUserMessage = "user_message"
	KindAdminReply  = "admin_reply"
	KindAdminOther  = "admin_other"
	KindCommand     = "command"
	KindCallback    = "callback"
)

// Outcome is the terminal state of one engine path.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeIgnored
	OutcomeValidation
	OutcomeNotFound
	OutcomeDelivery
	OutcomeInternal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeValidation:
		return "validation"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeDelivery:
		return "delivery"
	case OutcomeInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Result describes what the engine did with one event.
type Result struct {
	Kind     string
	Outcome  Outcome
	DialogID uint
	Err      error
}

// Engine classifies message events and performs the store and forward
// actions for each path.
type Engine struct {
	store   *DialogStore
	routes  *RoutingTable
	send    *sender
	adminID string
	metrics *Metrics
	out     io.Writer
}

// EngineOpts holds parameters for creating an Engine.
type EngineOpts struct {
	Store       *DialogStore
	Routes      *RoutingTable
	Adapter     Adapter
	AdminID     string
	SendTimeout time.Duration // per adapter call; defaults to 15s
	Metrics     *Metrics      // optional
	Out         io.Writer     // defaults to os.Stdout
}

// NewEngine creates an Engine.
func NewEngine(opts EngineOpts) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("relay: engine: store is required")
	}
	if opts.Routes == nil {
		return nil, fmt.Errorf("relay: engine: routing table is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("relay: engine: adapter is required")
	}
	if opts.AdminID == "" {
		return nil, fmt.Errorf("relay: engine: admin id is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Engine{
		store:   opts.Store,
		routes:  opts.Routes,
		send:    newSender(opts.Adapter, opts.SendTimeout),
		adminID: opts.AdminID,
		metrics: opts.Metrics,
		out:     out,
	}, nil
}

// Handle runs the path chosen by Classify for a message event.
func (e *Engine) Handle(ctx context.Context, ev Event) Result {
	var res Result
	switch c := Classify(ev, e.adminID, e.routes).(type) {
	case UserMessage:
		res = e.handleUserMessage(ctx, ev)
	case AdminReplyToKnown:
		res = e.handleAdminReply(ctx, ev, c.Route)
	case AdminReplyToUnknown:
		res = e.handleUnknownReply(ctx, ev, c.ReplyToID)
	case AdminOther:
		fmt.Fprintf(e.out, "relay: engine: admin message is not a reply, ignoring\n")
		res = Result{Kind: KindAdminOther, Outcome: OutcomeIgnored}
	}
	e.metrics.ObserveEvent(res.Kind)
	e.metrics.ObserveOutcome(res.Outcome)
	return res
}

// handleUserMessage logs the message under the sender's dialog, forwards it
// to the administrator and records the forwarded message for replies.
func (e *Engine) handleUserMessage(ctx context.Context, ev Event) (res Result) {
	res.Kind = KindUserMessage
	defer func() {
		if p := recover(); p != nil {
			log.Printf("relay: engine: panic in user message path: %v", p)
			res = e.failUser(ctx, ev, res.DialogID, fmt.Errorf("panic: %v", p))
		}
	}()

	content := ev.Content()
	if content == "" && !ev.HasMedia() {
		fmt.Fprintf(e.out, "relay: engine: empty message from user, ignoring\n")
		res.Outcome = OutcomeIgnored
		return res
	}

	tag := ExtractHandle(content)
	dialogID, err := e.store.ResolveOrCreateDialog(ctx, ev.UserID, tag)
	if err != nil {
		return e.failUser(ctx, ev, 0, err)
	}
	res.DialogID = dialogID

	mediaID, mediaType := mediaOf(ev)
	if _, err := e.store.AppendMessage(ctx, dialogID, false, content, mediaID, mediaType); err != nil {
		return e.failUser(ctx, ev, dialogID, err)
	}

	header := ForwardHeader(dialogID, tag)
	var fwdID string
	switch mediaType {
	case models.MediaPhoto:
		fwdID, err = e.send.photo(ctx, e.adminID, mediaID, ForwardBody(header, content))
	case models.MediaVideo:
		fwdID, err = e.send.video(ctx, e.adminID, mediaID, ForwardBody(header, content))
	default:
		fwdID, err = e.send.text(ctx, e.adminID, OutboundText{Text: ForwardBody(header, content)})
	}
	if err != nil {
		return e.failUser(ctx, ev, dialogID, fmt.Errorf("forward to admin: %w", err))
	}

	e.routes.Record(fwdID, Route{DialogID: dialogID, UserID: ev.UserID})
	fmt.Fprintf(e.out, "relay: engine: forwarded to admin [dialog=%d msg=%s]\n", dialogID, fwdID)

	if _, err := e.send.text(ctx, ev.UserID, OutboundText{Text: textUserConfirmed, ReplyTo: ev.MessageID}); err != nil {
		log.Printf("relay: engine: confirm to user [dialog=%d]: %v", dialogID, err)
	}
	res.Outcome = OutcomeOK
	return res
}

// failUser logs err and tells the end-user that sending failed.
func (e *Engine) failUser(ctx context.Context, ev Event, dialogID uint, err error) Result {
	log.Printf("relay: engine: user message [dialog=%d]: %v", dialogID, err)
	if _, sendErr := e.send.text(ctx, ev.UserID, OutboundText{Text: textUserFailed, ReplyTo: ev.MessageID}); sendErr != nil {
		log.Printf("relay: engine: send failure notice: %v", sendErr)
	}
	return Result{Kind: KindUserMessage, Outcome: OutcomeInternal, DialogID: dialogID, Err: err}
}

// handleAdminReply logs the administrator's reply and delivers it to the
// end-user. A failed delivery keeps the logged reply.
func (e *Engine) handleAdminReply(ctx context.Context, ev Event, route Route) (res Result) {
	res = Result{Kind: KindAdminReply, DialogID: route.DialogID}
	defer func() {
		if p := recover(); p != nil {
			log.Printf("relay: engine: panic in admin reply path: %v", p)
			e.tellAdmin(ctx, ev, textReplyInternal)
			res = Result{Kind: KindAdminReply, Outcome: OutcomeInternal, DialogID: route.DialogID, Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	reply := ev.Content()
	if reply == "" {
		e.tellAdmin(ctx, ev, textReplyNeedsText)
		res.Outcome = OutcomeValidation
		return res
	}

	if _, err := e.store.AppendMessage(ctx, route.DialogID, true, reply, "", ""); err != nil {
		log.Printf("relay: engine: log admin reply [dialog=%d]: %v", route.DialogID, err)
		e.tellAdmin(ctx, ev, textReplyInternal)
		res.Outcome = OutcomeInternal
		res.Err = err
		return res
	}

	if _, err := e.send.text(ctx, route.UserID, OutboundText{Text: FormatReplyToUser(ev.Platform, reply), Markdown: true}); err != nil {
		log.Printf("relay: engine: deliver reply [dialog=%d]: %v", route.DialogID, err)
		e.tellAdmin(ctx, ev, fmt.Sprintf(textReplyDeliveryFmt, err))
		res.Outcome = OutcomeDelivery
		res.Err = err
		return res
	}

	fmt.Fprintf(e.out, "relay: engine: reply delivered [dialog=%d]\n", route.DialogID)
	e.tellAdmin(ctx, ev, fmt.Sprintf(textReplySentFmt, route.DialogID))
	res.Outcome = OutcomeOK
	return res
}

// handleUnknownReply reports a reply to a message that has no route.
func (e *Engine) handleUnknownReply(ctx context.Context, ev Event, replyToID string) Result {
	fmt.Fprintf(e.out, "relay: engine: no route for replied message %s\n", replyToID)
	e.tellAdmin(ctx, ev, textReplyNotFound)
	return Result{Kind: KindAdminReply, Outcome: OutcomeNotFound}
}

// tellAdmin answers the administrator's message with a status line.
func (e *Engine) tellAdmin(ctx context.Context, ev Event, text string) {
	if _, err := e.send.text(ctx, ev.UserID, OutboundText{Text: text, ReplyTo: ev.MessageID}); err != nil {
		log.Printf("relay: engine: report to admin: %v", err)
	}
}

// mediaOf returns the attachment reference and media type of ev.
func mediaOf(ev Event) (string, string) {
	switch {
	case ev.PhotoRef != "":
		return ev.PhotoRef, models.MediaPhoto
	case ev.VideoRef != "":
		return ev.VideoRef, models.MediaVideo
	default:
		return "", ""
	}
}
