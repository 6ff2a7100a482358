package session

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/modelgate/modelgate/internal/texts"
)

// Pending marks that the next free-text message from a user answers a
// previously issued settings prompt instead of being a chat turn. The
// set is closed: every state has exactly one validation rule, all of
// them in Resolve.
type Pending int

const (
	PendingNone Pending = iota
	PendingTemperature
	PendingTopP
	PendingMaxTokens
	PendingSystemPrompt
)

// String returns the state name for logging.
func (p Pending) String() string {
	switch p {
	case PendingNone:
		return "none"
	case PendingTemperature:
		return "temperature"
	case PendingTopP:
		return "top_p"
	case PendingMaxTokens:
		return "max_tokens"
	case PendingSystemPrompt:
		return "system_prompt"
	default:
		return fmt.Sprintf("pending(%d)", int(p))
	}
}

// Resolution is the outcome of feeding free text to the pending-input
// state machine.
type Resolution struct {
	// Handled reports that the input was consumed by a pending prompt
	// and must not reach the chat path.
	Handled bool
	// OK reports that validation passed and the session field was
	// updated. When false the pending state is left unchanged so the
	// user can simply resend.
	OK bool
	// Reply is the user-facing confirmation or error text.
	Reply string
}

// Resolve feeds one free-text message to the pending-input state
// machine. When no prompt is pending it reports Handled=false and the
// caller routes the text to the chat path.
//
// On a valid answer the corresponding field is updated and the pending
// marker cleared. On an invalid answer the prior value and the pending
// marker are left untouched — the attempt is consumed, the user is told
// why, and the next message is interpreted against the same prompt.
func (m *Manager) Resolve(user UserID, input string) Resolution {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.sessionLocked(user)
	switch sess.Pending {
	case PendingNone:
		return Resolution{}

	case PendingTemperature:
		v, err := parseDecimal(input)
		// The positive form of the range check also rejects NaN, which
		// ParseFloat accepts but every comparison is false for.
		if err != nil || !(v >= 0.0 && v <= 2.0) {
			return Resolution{Handled: true, Reply: texts.ErrTemp}
		}
		sess.Temperature = v
		sess.Pending = PendingNone
		return Resolution{Handled: true, OK: true, Reply: fmt.Sprintf("temperature = %s", formatDecimal(v))}

	case PendingTopP:
		v, err := parseDecimal(input)
		if err != nil || !(v >= 0.0 && v <= 1.0) {
			return Resolution{Handled: true, Reply: texts.ErrTopP}
		}
		sess.TopP = v
		sess.Pending = PendingNone
		return Resolution{Handled: true, OK: true, Reply: fmt.Sprintf("top_p = %s", formatDecimal(v))}

	case PendingMaxTokens:
		v, err := strconv.Atoi(strings.TrimSpace(input))
		if err != nil || v <= 0 {
			return Resolution{Handled: true, Reply: texts.ErrMax}
		}
		sess.MaxTokens = v
		sess.Pending = PendingNone
		return Resolution{Handled: true, OK: true, Reply: fmt.Sprintf("max_tokens = %d", v)}

	case PendingSystemPrompt:
		// Accepted verbatim. An empty string clears the prompt, which
		// makes subsequent turns omit the system message entirely.
		sess.SystemPrompt = input
		sess.Pending = PendingNone
		return Resolution{Handled: true, OK: true, Reply: texts.SystemPromptSet}

	default:
		// Unknown marker: clear it rather than eat chat input forever.
		sess.Pending = PendingNone
		return Resolution{}
	}
}

// parseDecimal parses a decimal number accepting both comma and period
// as the separator ("1,5" and "1.5" are the same value).
func parseDecimal(s string) (float64, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", "."))
	return strconv.ParseFloat(s, 64)
}

// formatDecimal renders a float the way users typed it: no exponent,
// no trailing zeros.
func formatDecimal(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
