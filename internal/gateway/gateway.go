// Package gateway talks to the Telegram Bot API and classifies each
// per-recipient result into delivered, permanently failed or transient.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	tele "gopkg.in/telebot.v4"

	"tgblast/internal/campaign"
)

type Kind int

const (
	// Delivered means the gateway accepted the message for the recipient.
	Delivered Kind = iota
	// PermanentFailure means the recipient is unreachable and a retry can
	// never succeed (blocked the bot, deleted the account, chat gone).
	PermanentFailure
	// TransientFailure covers everything else: flood control, gateway 5xx,
	// timeouts, transport errors, malformed responses.
	TransientFailure
)

func (k Kind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case PermanentFailure:
		return "permanent"
	case TransientFailure:
		return "transient"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the classified result of one delivery attempt. It is
// aggregated into campaign counters and never persisted per recipient.
type Outcome struct {
	Kind   Kind
	Reason string
}

func (o Outcome) Delivered() bool { return o.Kind == Delivered }

// Gateway is the per-recipient send operation the dispatcher depends on.
// Implementations must classify internally and never return an error that
// could abort a whole window.
type Gateway interface {
	Send(ctx context.Context, chatID int64, msg campaign.Message) Outcome
}

// Classify maps a raw gateway error to an outcome. It is deterministic:
// the same error code always yields the same kind.
//
// Telegram reports "bot was blocked by the user" as 403 and "chat not
// found" / "user is deactivated" as 400; both mean the recipient will never
// be reachable again. 429 carries a retry-after hint but is still transient
// for the purposes of a single run.
func Classify(err error) Outcome {
	if err == nil {
		return Outcome{Kind: Delivered}
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return Outcome{
			Kind:   TransientFailure,
			Reason: fmt.Sprintf("flood control, retry after %ds", flood.RetryAfter),
		}
	}
	var terr *tele.Error
	if errors.As(err, &terr) {
		reason := terr.Description
		if reason == "" {
			reason = terr.Error()
		}
		switch terr.Code {
		case http.StatusForbidden, http.StatusBadRequest:
			return Outcome{Kind: PermanentFailure, Reason: reason}
		default:
			return Outcome{Kind: TransientFailure, Reason: reason}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Outcome{Kind: TransientFailure, Reason: "send timed out"}
	}
	return Outcome{Kind: TransientFailure, Reason: err.Error()}
}
