package notifier

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/pauljones0/zdm-digest-bot/internal/digest"
	"github.com/pauljones0/zdm-digest-bot/internal/util"
)

const (
	// telegramMaxMessage is the Bot API limit for one text message, in runes.
	telegramMaxMessage = 4096
	sleepBetweenParts  = 500 * time.Millisecond
)

// Telegram posts the plain-text digest to a chat through the Bot API.
type Telegram struct {
	token    string
	chatID   int64
	endpoint string
	pause    time.Duration

	mu  sync.Mutex
	api *tgbotapi.BotAPI
}

func NewTelegram(token string, chatID int64) *Telegram {
	return &Telegram{
		token:    token,
		chatID:   chatID,
		endpoint: tgbotapi.APIEndpoint,
		pause:    sleepBetweenParts,
	}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(ctx context.Context, d *digest.Digest) (Outcome, error) {
	if t.token == "" || t.chatID == 0 {
		return OutcomeNotConfigured, nil
	}

	api, err := t.client(ctx)
	if err != nil {
		return OutcomeFailed, err
	}

	parts := splitMessage(d.PlainBody, telegramMaxMessage)
	for i, part := range parts {
		msg := tgbotapi.NewMessage(t.chatID, part)
		msg.DisableWebPagePreview = true
		if _, err := api.Send(msg); err != nil {
			return OutcomeFailed, fmt.Errorf("sending digest part %d to chat %d: %w", i+1, t.chatID, err)
		}

		if i < len(parts)-1 {
			select {
			case <-ctx.Done():
				return OutcomeFailed, ctx.Err()
			case <-time.After(t.pause):
			}
		}
	}
	return OutcomeSent, nil
}

// client creates the bot API on first use. Construction calls getMe, so it
// is retried a few times before the channel is treated as failed.
func (t *Telegram) client(ctx context.Context) (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.api != nil {
		return t.api, nil
	}

	var api *tgbotapi.BotAPI
	err := util.RetryWithBackoff(ctx, 2, 500*time.Millisecond, func(int) error {
		var err error
		api, err = tgbotapi.NewBotAPIWithAPIEndpoint(t.token, t.endpoint)
		if err != nil && strings.Contains(err.Error(), "Unauthorized") {
			return fmt.Errorf("%w: %v", util.ErrPermanent, err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating bot API: %w", err)
	}
	t.api = api
	return api, nil
}

// splitMessage breaks text into chunks of at most limit runes, cutting on
// line boundaries where possible.
func splitMessage(text string, limit int) []string {
	if text == "" {
		return nil
	}
	var parts []string
	var cur strings.Builder
	curLen := 0

	flush := func() {
		if cur.Len() > 0 {
			parts = append(parts, strings.TrimRight(cur.String(), "\n"))
			cur.Reset()
			curLen = 0
		}
	}

	for _, line := range strings.SplitAfter(text, "\n") {
		runes := []rune(line)
		for len(runes) > limit {
			flush()
			parts = append(parts, string(runes[:limit]))
			runes = runes[limit:]
		}
		if curLen+len(runes) > limit {
			flush()
		}
		cur.WriteString(string(runes))
		curLen += len(runes)
	}
	flush()
	return parts
}
