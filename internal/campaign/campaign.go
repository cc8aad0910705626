// Package campaign defines the broadcast campaign record, its monotonic
// status model and the closed audience selector enumeration.
package campaign

import (
	"fmt"
	"strings"
	"time"
)

// ErrorSampleCap bounds the number of recent error summaries kept on a
// campaign row so a large broadcast cannot grow the record without limit.
const ErrorSampleCap = 10

type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
)

// statusRank orders the lifecycle. Transitions may only increase rank;
// sent and failed share the terminal rank and never convert into each other.
var statusRank = map[Status]int{
	StatusDraft:     0,
	StatusScheduled: 1,
	StatusSending:   2,
	StatusSent:      3,
	StatusFailed:    3,
}

func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// CanTransition reports whether moving from one status to to is a forward
// lifecycle step. Skipping intermediate states is allowed (draft -> sending
// for an immediate run); moving backward or between terminal states is not.
func CanTransition(from, to Status) bool {
	fr, ok := statusRank[from]
	if !ok {
		return false
	}
	tr, ok := statusRank[to]
	if !ok {
		return false
	}
	return tr > fr
}

// Selector is the closed audience enumeration. Anything outside this set is
// a validation error, never a silent empty audience.
type Selector string

const (
	// SelectorAll targets every active recipient.
	SelectorAll Selector = "all"
	// SelectorFree targets active recipients without a paid tier
	// (tier "free", empty or unset).
	SelectorFree Selector = "free"
	// SelectorPremium targets active recipients on a paid tier
	// ("premium" or "basic").
	SelectorPremium Selector = "premium"
)

func ParseSelector(raw string) (Selector, error) {
	switch Selector(strings.ToLower(strings.TrimSpace(raw))) {
	case SelectorAll:
		return SelectorAll, nil
	case SelectorFree:
		return SelectorFree, nil
	case SelectorPremium:
		return SelectorPremium, nil
	default:
		return "", fmt.Errorf("%w: unknown audience selector %q", ErrValidation, raw)
	}
}

// Message is the authored broadcast content. Text is mandatory; the photo
// and the inline URL button are optional extras.
type Message struct {
	Text       string `json:"text"`
	PhotoURL   string `json:"photo_url,omitempty"`
	ButtonText string `json:"button_text,omitempty"`
	ButtonURL  string `json:"button_url,omitempty"`
}

func (m Message) Validate() error {
	if strings.TrimSpace(m.Text) == "" {
		return fmt.Errorf("%w: message text is empty", ErrValidation)
	}
	if (m.ButtonText == "") != (m.ButtonURL == "") {
		return fmt.Errorf("%w: button requires both text and url", ErrValidation)
	}
	return nil
}

type Campaign struct {
	ID       string   `json:"id"`
	Message  Message  `json:"message"`
	Audience Selector `json:"audience"`
	Status   Status   `json:"status"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`

	TotalRecipients int `json:"total_recipients"`
	SentCount       int `json:"sent_count"`
	FailedCount     int `json:"failed_count"`

	// LastErrors holds up to ErrorSampleCap recent delivery error summaries.
	LastErrors []string `json:"last_errors,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
