package relay

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/zulandar/anonrelay/internal/models"
)

// Callback payloads carried by console buttons.
const (
	PayloadHistoryPrefix = "history_"
	PayloadBackToDialogs = "back_to_dialogs"
)

const (
	textNoDialogs     = "📭 Нет активных диалогов."
	textListHeader    = "📋 *Активные диалоги:*\n\n"
	textEmptyDialog   = "Диалог %d не содержит сообщений."
	textBackToDialogs = "🔙 К списку диалогов"

	listTimeLayout    = "2006-01-02 15:04:05"
	historyTimeLayout = "2006-01-02 15:04"
)

var separator = strings.Repeat("─", 20)

// HistoryPayload returns the button payload that opens a dialog's history.
func HistoryPayload(dialogID uint) string {
	return PayloadHistoryPrefix + strconv.FormatUint(uint64(dialogID), 10)
}

// ParseHistoryPayload extracts the dialog ID from a history payload.
func ParseHistoryPayload(payload string) (uint, bool) {
	rest, ok := strings.CutPrefix(payload, PayloadHistoryPrefix)
	if !ok || rest == "" {
		return 0, false
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

// Console renders the administrator's read-only views of the dialog store.
type Console struct {
	store        *DialogStore
	listButtons  int
	historyLimit int
	previewLimit int
	previewChars int
	chunkSize    int
	escape       func(string) string
}

// ConsoleOpts holds parameters for creating a Console. Zero limits fall
// back to the defaults in parentheses.
type ConsoleOpts struct {
	Store        *DialogStore
	Platform     string // selects text escaping; defaults to Telegram Markdown
	ListButtons  int // (10)
	HistoryLimit int // (100)
	PreviewLimit int // (2)
	PreviewChars int // (50)
	ChunkSize    int // (4000)
}

// NewConsole creates a Console.
func NewConsole(opts ConsoleOpts) (*Console, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("relay: console: store is required")
	}
	return &Console{
		store:        opts.Store,
		listButtons:  orDefault(opts.ListButtons, 10),
		historyLimit: orDefault(opts.HistoryLimit, 100),
		previewLimit: orDefault(opts.PreviewLimit, 2),
		previewChars: orDefault(opts.PreviewChars, 50),
		chunkSize:    orDefault(opts.ChunkSize, 4000),
		escape:       EscaperFor(opts.Platform),
	}, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// DialogList renders the active dialog list with one history button per
// dialog, most recently active first.
func (c *Console) DialogList(ctx context.Context) (OutboundText, error) {
	dialogs, err := c.store.ListActiveDialogs(ctx)
	if err != nil {
		return OutboundText{}, err
	}
	if len(dialogs) == 0 {
		return OutboundText{Text: textNoDialogs}, nil
	}

	var b strings.Builder
	b.WriteString(textListHeader)
	for _, d := range dialogs {
		preview, err := c.store.ListMessages(ctx, d.ID, c.previewLimit)
		if err != nil {
			return OutboundText{}, err
		}
		b.WriteString(c.renderListEntry(d, preview))
	}

	var buttons [][]Button
	for i, d := range dialogs {
		if i == c.listButtons {
			break
		}
		buttons = append(buttons, []Button{{
			Label:   fmt.Sprintf("📨 История диалога %d", d.ID),
			Payload: HistoryPayload(d.ID),
		}})
	}
	return OutboundText{Text: b.String(), Markdown: true, Buttons: buttons}, nil
}

func (c *Console) renderListEntry(d models.Dialog, preview []models.DialogMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*🆔 Диалог %d*", d.ID)
	if tag := d.Tag(); tag != "" {
		b.WriteString("\n👤 Указал тег: " + c.escape(tag))
	} else {
		b.WriteString("\n👤 Аноним")
	}
	fmt.Fprintf(&b, "\n⏰ Последняя активность: %s\n", d.LastActivity.Format(listTimeLayout))

	var lines strings.Builder
	for _, m := range preview {
		if m.Text == "" {
			continue
		}
		prefix := "👤 Аноним: "
		if m.FromAdmin {
			prefix = "👨‍💼 Вы: "
		}
		lines.WriteString(prefix + c.escape(truncateRunes(m.Text, c.previewChars)) + "\n")
	}
	if lines.Len() > 0 {
		b.WriteString("📝 " + lines.String())
	}
	b.WriteString(separator + "\n")
	return b.String()
}

// History renders a dialog transcript, oldest first, split into chunks.
// Chunks break between entries so markup is never cut in half. Only the
// first chunk carries the back button.
func (c *Console) History(ctx context.Context, dialogID uint) ([]OutboundText, error) {
	msgs, err := c.store.ListMessages(ctx, dialogID, c.historyLimit)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return []OutboundText{{
			Text:    fmt.Sprintf(textEmptyDialog, dialogID),
			Buttons: backButton(),
		}}, nil
	}

	entries := make([]string, 0, len(msgs)+1)
	entries = append(entries, fmt.Sprintf("📜 *История диалога %d:*\n\n", dialogID))
	for _, m := range msgs {
		who := "👤 *Аноним*"
		if m.FromAdmin {
			who = "👨‍💼 *Вы*"
		}
		entries = append(entries, fmt.Sprintf("%s (%s):\n%s\n\n", who, m.SentAt.Format(historyTimeLayout), c.historyBody(m)))
	}

	chunks := PackChunks(entries, c.chunkSize)
	out := make([]OutboundText, len(chunks))
	for i, chunk := range chunks {
		out[i] = OutboundText{Text: chunk, Markdown: true}
	}
	out[0].Buttons = backButton()
	return out, nil
}

func (c *Console) historyBody(m models.DialogMessage) string {
	var media string
	switch m.MediaType {
	case models.MediaPhoto:
		media = "[фото]"
	case models.MediaVideo:
		media = "[видео]"
	}
	text := c.escape(m.Text)
	switch {
	case media == "":
		return text
	case text == "":
		return media
	default:
		return media + " " + text
	}
}

func backButton() [][]Button {
	return [][]Button{{{Label: textBackToDialogs, Payload: PayloadBackToDialogs}}}
}
