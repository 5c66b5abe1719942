package relay

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/zulandar/anonrelay/internal/config"
)

// Texts shown to end-users and the administrator.
const (
	DefaultWelcomeText = "Привет! 👋\n\n" +
		"*Это анонимный бот.*\n\n" +
		"Просто напиши сюда своё сообщение, и оно *анонимно* перейдёт администратору.\n\n" +
		"📌 *Как это работает:*\n" +
		"1. Ты пишешь сюда что угодно: вопрос, новость или предложение\n" +
		"2. Администратор получает твоё сообщение *без твоего имени*\n" +
		"3. Он может ответить тебе, и ответ тоже придёт *анонимно*\n\n" +
		"💡 *Если хочешь, чтобы пост был неанонимным:* укажи в тексте свой @username."

	textUserConfirmed    = "✅ Ваше сообщение анонимно отправлено администратору. Ожидайте ответа."
	textUserFailed       = "❌ Произошла ошибка при отправке. Попробуйте позже."
	textReplyNotFound    = "❌ Не могу найти диалог для этого сообщения. Возможно, бот был перезапущен."
	textReplyNeedsText   = "❌ Ответ должен содержать текст."
	textReplyInternal    = "❌ Ошибка при отправке ответа."
	textReplySentFmt     = "✅ Ответ отправлен в диалог %d."
	textReplyDeliveryFmt = "❌ Не удалось отправить ответ. Пользователь, возможно, заблокировал бота. Ошибка: %v"
	textReplyToUserFmt   = "💬 *Ответ администратора:*\n\n%s\n\n_(Вы можете продолжить диалог, просто напишите снова)_"
)

// markdownEscaper escapes the characters that carry meaning in legacy
// Telegram-style Markdown.
var markdownEscaper = strings.NewReplacer(
	"_", `\_`,
	"*", `\*`,
	"[", `\[`,
	"`", "\\`",
)

// discordEscaper backslash-escapes Discord's markdown characters.
var discordEscaper = strings.NewReplacer(
	`\`, `\\`,
	"_", `\_`,
	"*", `\*`,
	"~", `\~`,
	"`", "\\`",
	"|", `\|`,
)

// slackEscaper encodes the control characters of Slack mrkdwn. Slack has no
// backslash escapes for formatting characters.
var slackEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
)

// EscapeMarkdown makes s safe to embed in a Telegram Markdown message.
func EscapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

// EscaperFor returns the escaping function for free text placed inside a
// formatted message on platform. Unknown platforms get Telegram's rules.
func EscaperFor(platform string) func(string) string {
	switch platform {
	case config.PlatformDiscord:
		return discordEscaper.Replace
	case config.PlatformSlack:
		return slackEscaper.Replace
	default:
		return EscapeMarkdown
	}
}

// ForwardHeader builds the header that precedes a forwarded user message.
func ForwardHeader(dialogID uint, tag *string) string {
	h := fmt.Sprintf("🆔 Диалог: %d", dialogID)
	if tag != nil && *tag != "" {
		h += "\n👤 Пользователь указал: " + *tag
	}
	return h
}

// ForwardBody joins the header and the user's content into one message.
// With no content the header stands alone.
func ForwardBody(header, content string) string {
	if content == "" {
		return header
	}
	return header + "\n\n" + content
}

// FormatReplyToUser wraps an administrator reply for delivery to a user on
// platform.
func FormatReplyToUser(platform, text string) string {
	return fmt.Sprintf(textReplyToUserFmt, EscaperFor(platform)(text))
}

// truncateRunes shortens s to at most max runes, appending "..." if cut.
func truncateRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max]) + "..."
}

// ChunkText splits s into pieces of at most size runes. Pieces never split
// a multi-byte character.
func ChunkText(s string, size int) []string {
	if s == "" {
		return nil
	}
	if size <= 0 || utf8.RuneCountInString(s) <= size {
		return []string{s}
	}
	r := []rune(s)
	var chunks []string
	for len(r) > 0 {
		n := size
		if n > len(r) {
			n = len(r)
		}
		chunks = append(chunks, string(r[:n]))
		r = r[n:]
	}
	return chunks
}

// PackChunks joins parts into chunks of at most size runes without splitting
// a part. A part longer than size on its own is cut with ChunkText.
func PackChunks(parts []string, size int) []string {
	var (
		chunks []string
		cur    strings.Builder
		curLen int
	)
	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curLen = 0
		}
	}
	for _, p := range parts {
		n := utf8.RuneCountInString(p)
		if size > 0 && curLen+n > size {
			flush()
			if n > size {
				chunks = append(chunks, ChunkText(p, size)...)
				continue
			}
		}
		cur.WriteString(p)
		curLen += n
	}
	flush()
	return chunks
}
