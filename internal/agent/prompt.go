package agent

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ashureev/chatrelay/internal/domain"
)

// Wake words, longest first so "hello bot" wins over a shorter prefix.
var (
	englishWakeWords = []string{"hello bot", "hey bot", "hi bot"}
	hebrewWakeWords  = []string{"הלו בוט", "היי בוט", "הי בוט"}
)

// StripWakeWord reports whether content starts with a wake word and returns
// the remainder with surrounding whitespace removed. English matching is
// case-insensitive. A wake word must end at a word boundary.
func StripWakeWord(content string) (bool, string) {
	normalized := strings.TrimSpace(content)

	for _, w := range englishWakeWords {
		if len(normalized) >= len(w) && strings.EqualFold(normalized[:len(w)], w) && atBoundary(normalized[len(w):]) {
			return true, strings.TrimSpace(normalized[len(w):])
		}
	}
	for _, w := range hebrewWakeWords {
		if strings.HasPrefix(normalized, w) && atBoundary(normalized[len(w):]) {
			return true, strings.TrimSpace(normalized[len(w):])
		}
	}
	return false, content
}

func atBoundary(rest string) bool {
	if rest == "" {
		return true
	}
	r, _ := utf8.DecodeRuneInString(rest)
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

// FormatContext renders session context one turn per line.
func FormatContext(entries []domain.ContextEntry) string {
	var b strings.Builder
	for _, e := range entries {
		content := strings.TrimSpace(e.Content)
		if content == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		role := strings.ToUpper(e.Role)
		switch {
		case !e.Timestamp.IsZero() && e.Sender != "":
			fmt.Fprintf(&b, "[%s] %s (%s): %s", e.Timestamp.UTC().Format("2006-01-02T15:04:05Z"), role, e.Sender, content)
		case !e.Timestamp.IsZero():
			fmt.Fprintf(&b, "[%s] %s: %s", e.Timestamp.UTC().Format("2006-01-02T15:04:05Z"), role, content)
		default:
			fmt.Fprintf(&b, "%s: %s", role, content)
		}
	}
	return b.String()
}

// AugmentPrompt appends a context summary to a system prompt, as shown in
// debug output.
func AugmentPrompt(prompt, contextText string) string {
	if contextText == "" {
		return prompt
	}
	return prompt + "\n\nConversation context:\n" + contextText
}

// DebugMessage renders the diagnostic sent ahead of a reply in debug chats.
func DebugMessage(userEntry, prompt, persona string, history []domain.ContextEntry) string {
	contextText := FormatContext(history)
	shown := contextText
	if shown == "" {
		shown = "None"
	}
	return "** DEBUG INFO **\n" +
		"[User Entry]: " + userEntry + "\n" +
		"[Prompt]: " + AugmentPrompt(prompt, contextText) + "\n" +
		"[Persona]: " + persona + "\n" +
		"[Context]:\n" + shown
}
