package relay

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
)

type routerFixture struct {
	router  *Router
	adapter *MockAdapter
	store   *DialogStore
	routes  *RoutingTable
}

func setupRouter(t *testing.T, botUserID string) *routerFixture {
	t.Helper()
	store, _ := newTestStore(t)
	routes := NewRoutingTable()
	adapter := NewMockAdapter()
	adapter.Connect(context.Background())

	var out bytes.Buffer
	engine, err := NewEngine(EngineOpts{Store: store, Routes: routes, Adapter: adapter, AdminID: testAdmin, Out: &out})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	console, err := NewConsole(ConsoleOpts{Store: store, ChunkSize: 200})
	if err != nil {
		t.Fatalf("NewConsole: %v", err)
	}
	router, err := NewRouter(RouterOpts{
		Engine:    engine,
		Console:   console,
		Adapter:   adapter,
		AdminID:   testAdmin,
		BotUserID: botUserID,
		Out:       &out,
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return &routerFixture{router: router, adapter: adapter, store: store, routes: routes}
}

func callback(userID, payload string) Event {
	return Event{Kind: EventCallback, ChatID: userID, UserID: userID, MessageID: "m1", CallbackID: "cb1", Payload: payload}
}

// --- NewRouter ---

func TestNewRouter_RequiredFields(t *testing.T) {
	f := setupRouter(t, "")
	engine, console := f.router.engine, f.router.console
	tests := []struct {
		name string
		opts RouterOpts
	}{
		{"nil engine", RouterOpts{Console: console, Adapter: f.adapter, AdminID: "a"}},
		{"nil console", RouterOpts{Engine: engine, Adapter: f.adapter, AdminID: "a"}},
		{"nil adapter", RouterOpts{Engine: engine, Console: console, AdminID: "a"}},
		{"empty admin", RouterOpts{Engine: engine, Console: console, Adapter: f.adapter}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRouter(tt.opts); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

// --- Routing ---

func TestRouter_SelfMessageIgnored(t *testing.T) {
	f := setupRouter(t, "bot")
	f.router.Handle(context.Background(), Event{Kind: EventMessage, UserID: "bot", ChatID: "bot", Text: "echo"})
	if f.adapter.SentCount() != 0 {
		t.Errorf("sent = %d, want 0", f.adapter.SentCount())
	}
}

func TestRouter_StartAnyUser(t *testing.T) {
	f := setupRouter(t, "")
	f.router.Handle(context.Background(), Event{Kind: EventMessage, UserID: "42", ChatID: "42", MessageID: "1", Text: "/start", Command: "start"})

	last, ok := f.adapter.LastSent()
	if !ok || last.To != "42" || last.Text != DefaultWelcomeText || !last.Markdown {
		t.Errorf("welcome = %+v", last)
	}
	var n int64
	f.store.db.Table("dialogs").Count(&n)
	if n != 0 {
		t.Errorf("/start created %d dialogs, want 0", n)
	}
}

func TestRouter_CustomWelcome(t *testing.T) {
	f := setupRouter(t, "")
	f.router.welcome = "custom"
	f.router.Handle(context.Background(), Event{Kind: EventMessage, UserID: "42", Command: "start"})
	last, _ := f.adapter.LastSent()
	if last.Text != "custom" {
		t.Errorf("welcome = %q, want custom", last.Text)
	}
}

func TestRouter_ChatsAdminOnly(t *testing.T) {
	f := setupRouter(t, "")
	ctx := context.Background()

	f.router.Handle(ctx, Event{Kind: EventMessage, UserID: "42", ChatID: "42", Command: "chats"})
	if f.adapter.SentCount() != 0 {
		t.Fatalf("non-admin /chats got a response")
	}

	f.router.Handle(ctx, Event{Kind: EventMessage, UserID: testAdmin, ChatID: testAdmin, Command: "chats"})
	last, ok := f.adapter.LastSent()
	if !ok || last.To != testAdmin || last.Text != textNoDialogs {
		t.Errorf("admin /chats = %+v", last)
	}
}

func TestRouter_UnknownCommandIgnored(t *testing.T) {
	f := setupRouter(t, "")
	f.router.Handle(context.Background(), Event{Kind: EventMessage, UserID: "42", Text: "/help", Command: "help"})
	if f.adapter.SentCount() != 0 {
		t.Errorf("sent = %d, want 0", f.adapter.SentCount())
	}
}

func TestRouter_MessageGoesToEngine(t *testing.T) {
	f := setupRouter(t, "")
	f.router.Handle(context.Background(), Event{Kind: EventMessage, UserID: "42", ChatID: "42", MessageID: "1", Text: "hi"})
	if f.routes.Len() != 1 {
		t.Errorf("routes = %d, want 1", f.routes.Len())
	}
}

// --- Callbacks ---

func TestRouter_CallbackNonAdminSilent(t *testing.T) {
	f := setupRouter(t, "")
	f.router.Handle(context.Background(), callback("42", PayloadBackToDialogs))
	f.router.Handle(context.Background(), callback("42", "history_1"))
	if len(f.adapter.Answers()) != 0 || f.adapter.SentCount() != 0 {
		t.Errorf("non-admin callback got a response: answers=%d sent=%d", len(f.adapter.Answers()), f.adapter.SentCount())
	}
}

func TestRouter_HistoryCallback(t *testing.T) {
	f := setupRouter(t, "")
	ctx := context.Background()
	id, _ := f.store.ResolveOrCreateDialog(ctx, "42", nil)
	f.store.AppendMessage(ctx, id, false, "hello there", "", "")

	f.router.Handle(ctx, callback(testAdmin, HistoryPayload(id)))

	answers := f.adapter.Answers()
	if len(answers) != 1 {
		t.Fatalf("answers = %d, want 1", len(answers))
	}
	a := answers[0]
	if a.CallbackID != "cb1" || a.MessageID != "m1" || a.ChatID != testAdmin {
		t.Errorf("answer target = %+v", a)
	}
	if !strings.Contains(a.EditText, "hello there") || !a.Markdown {
		t.Errorf("EditText = %q", a.EditText)
	}
	if len(a.Buttons) != 1 || a.Buttons[0][0].Payload != PayloadBackToDialogs {
		t.Errorf("buttons = %+v", a.Buttons)
	}
	if f.adapter.SentCount() != 0 {
		t.Errorf("short history sent %d extra messages", f.adapter.SentCount())
	}
}

func TestRouter_LongHistorySendsRemainingChunks(t *testing.T) {
	f := setupRouter(t, "")
	ctx := context.Background()
	id, _ := f.store.ResolveOrCreateDialog(ctx, "42", nil)
	for i := 0; i < 8; i++ {
		f.store.AppendMessage(ctx, id, false, fmt.Sprintf("message number %d %s", i, strings.Repeat("z", 40)), "", "")
	}

	f.router.Handle(ctx, callback(testAdmin, HistoryPayload(id)))

	if len(f.adapter.Answers()) != 1 {
		t.Fatalf("answers = %d, want 1", len(f.adapter.Answers()))
	}
	extra := f.adapter.SentTo(testAdmin)
	if len(extra) == 0 {
		t.Fatal("expected extra chunks sent to admin")
	}
	for _, m := range extra {
		if m.Buttons != nil {
			t.Error("continuation chunk carries buttons")
		}
	}
}

func TestRouter_BackToDialogsEditsMessage(t *testing.T) {
	f := setupRouter(t, "")
	ctx := context.Background()
	id, _ := f.store.ResolveOrCreateDialog(ctx, "42", nil)

	f.router.Handle(ctx, callback(testAdmin, PayloadBackToDialogs))

	answers := f.adapter.Answers()
	if len(answers) != 1 {
		t.Fatalf("answers = %d, want 1", len(answers))
	}
	if !strings.Contains(answers[0].EditText, fmt.Sprintf("Диалог %d", id)) {
		t.Errorf("EditText = %q", answers[0].EditText)
	}
	if len(answers[0].Buttons) != 1 || answers[0].Buttons[0][0].Payload != HistoryPayload(id) {
		t.Errorf("buttons = %+v", answers[0].Buttons)
	}
	if f.adapter.SentCount() != 0 {
		t.Errorf("back_to_dialogs sent %d new messages, want 0", f.adapter.SentCount())
	}
}

func TestRouter_MalformedPayloadAcknowledged(t *testing.T) {
	f := setupRouter(t, "")
	f.router.Handle(context.Background(), callback(testAdmin, "history_abc"))

	answers := f.adapter.Answers()
	if len(answers) != 1 || answers[0].EditText != "" {
		t.Errorf("answers = %+v, want bare acknowledgement", answers)
	}
}
