// Package prompt assembles the text prompt sent to the generation provider.
//
// A prompt is the system preamble, as many recent history turns as fit the
// character budget, and the current user message. Turns are selected newest
// first so the freshest context survives truncation, then emitted oldest
// first so the provider reads the conversation in order. A turn either fits
// whole or is dropped; turns are never split.
package prompt

import (
	"strings"
	"unicode"
)

// DefaultPreamble is the system instruction used when none is configured.
const DefaultPreamble = "You are a helpful AI assistant. Provide clear, accurate, and engaging responses. Maintain conversation context and refer to previous messages when relevant."

const (
	// partOverhead pads each part for its label and the joining newline.
	partOverhead = 10
	// currentReserve is budget held back up front for the current message.
	currentReserve = 50
)

// Turn is one prior exchange in the conversation.
type Turn struct {
	Role    string
	Content string
}

// Builder renders prompts under a fixed character budget.
type Builder struct {
	preamble  string
	maxLength int
}

// NewBuilder returns a Builder with the given system preamble and character
// budget. An empty preamble falls back to DefaultPreamble; a non-positive
// budget falls back to 4000.
func NewBuilder(preamble string, maxLength int) *Builder {
	if preamble == "" {
		preamble = DefaultPreamble
	}
	if maxLength <= 0 {
		maxLength = 4000
	}
	return &Builder{preamble: preamble, maxLength: maxLength}
}

// Build renders the prompt for current given the prior history, oldest turn
// first. The preamble and the current message are always included, even when
// they alone exceed the budget; history fills whatever budget remains.
func (b *Builder) Build(history []Turn, current string) string {
	parts := []string{"System: " + b.preamble}
	total := len(current) + currentReserve + len(b.preamble) + partOverhead

	// Walk history newest to oldest, keeping turns while they fit.
	for i := len(history) - 1; i >= 0; i-- {
		line := formatTurn(history[i])
		if total+len(line)+partOverhead > b.maxLength {
			break
		}
		parts = append(parts, line)
		total += len(line) + partOverhead
	}

	// Kept turns were appended newest first; restore chronological order.
	for i, j := 1, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}

	parts = append(parts, "User: "+current)
	return strings.Join(parts, "\n")
}

func formatTurn(t Turn) string {
	return roleLabel(t.Role) + ": " + t.Content
}

// roleLabel renders a role name as a prompt label ("user" -> "User").
func roleLabel(role string) string {
	switch role {
	case "user":
		return "User"
	case "assistant":
		return "Assistant"
	}
	r := []rune(role)
	if len(r) > 0 {
		r[0] = unicode.ToUpper(r[0])
	}
	return string(r)
}
