package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"tgblast/internal/campaign"
)

type Config struct {
	Token string
	// SendTimeout bounds each individual API call.
	SendTimeout time.Duration
	// RatePerSec is the gateway's published sustained ceiling. The limiter
	// here is a backstop under the dispatcher's window pacing.
	RatePerSec int
}

// Telegram sends campaign messages through the Bot API. It is send-only;
// no update polling is started.
type Telegram struct {
	bot     *tele.Bot
	limiter *rate.Limiter
	log     zerolog.Logger
}

func NewTelegram(cfg Config, log zerolog.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 25
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     log,
	}, nil
}

// Send delivers one message and classifies the result. HTML markup is used
// for formatting; if Telegram rejects the entity markup the message is
// retried once as plain text so a formatting mistake cannot fail a whole
// audience.
func (t *Telegram) Send(ctx context.Context, chatID int64, msg campaign.Message) Outcome {
	if err := t.limiter.Wait(ctx); err != nil {
		return Classify(err)
	}

	err := t.send(chatID, msg, tele.ModeHTML)
	if err != nil && isParseError(err) {
		t.log.Debug().Int64("chat_id", chatID).Err(err).Msg("entity parse rejected, retrying as plain text")
		plain := msg
		plain.Text = stripTags(msg.Text)
		err = t.send(chatID, plain, "")
	}

	out := Classify(err)
	switch out.Kind {
	case PermanentFailure:
		t.log.Info().Int64("chat_id", chatID).Str("reason", out.Reason).Msg("recipient unreachable")
	case TransientFailure:
		t.log.Warn().Int64("chat_id", chatID).Str("reason", out.Reason).Msg("delivery failed")
	}
	return out
}

func (t *Telegram) send(chatID int64, msg campaign.Message, parseMode tele.ParseMode) error {
	opts := &tele.SendOptions{ParseMode: parseMode}
	if msg.ButtonText != "" && msg.ButtonURL != "" {
		rm := &tele.ReplyMarkup{}
		rm.Inline(rm.Row(rm.URL(msg.ButtonText, msg.ButtonURL)))
		opts.ReplyMarkup = rm
	}

	to := tele.ChatID(chatID)
	if msg.PhotoURL != "" {
		photo := &tele.Photo{File: tele.FromURL(msg.PhotoURL), Caption: msg.Text}
		_, err := t.bot.Send(to, photo, opts)
		return err
	}
	_, err := t.bot.Send(to, msg.Text, opts)
	return err
}

// isParseError recognizes Telegram's complaints about broken HTML entities.
func isParseError(err error) bool {
	var terr *tele.Error
	if !errors.As(err, &terr) || terr.Code != http.StatusBadRequest {
		return false
	}
	desc := strings.ToLower(terr.Description)
	return strings.Contains(desc, "parse") || strings.Contains(desc, "entit")
}

// stripTags removes angle-bracket markup for the plain-text fallback.
func stripTags(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	depth := 0
	for _, r := range s {
		switch {
		case r == '<':
			depth++
		case r == '>':
			if depth > 0 {
				depth--
			}
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}
