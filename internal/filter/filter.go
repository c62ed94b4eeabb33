// Package filter decides which merged deals are eligible for delivery.
//
// Two modes are mutually exclusive. With an empty whitelist the engine runs in
// blacklist mode; otherwise only whitelisted titles that clear their keyword's
// thresholds survive. The blacklist is applied once more on top of either
// result.
package filter

import (
	"log/slog"
	"strings"

	"github.com/pauljones0/zdm-digest-bot/internal/models"
)

type Mode int

const (
	ModeBlacklist Mode = iota
	ModeWhitelist
)

func (m Mode) String() string {
	if m == ModeWhitelist {
		return "whitelist"
	}
	return "blacklist"
}

type Engine struct {
	rules  Rules
	detail bool
}

// New builds an engine. When detail is set the engine logs its mode, word
// lists and every eligible deal.
func New(rules Rules, detail bool) *Engine {
	return &Engine{rules: rules, detail: detail}
}

func (e *Engine) Mode() Mode {
	if len(e.rules.Whitelist) == 0 {
		return ModeBlacklist
	}
	return ModeWhitelist
}

// Apply returns the eligible subset of deals in their input order, with
// Delivered reset to false. deliveredIDs holds the ids that were already
// sent and must never be queued again.
func (e *Engine) Apply(deals []models.Deal, deliveredIDs map[string]struct{}) []models.Deal {
	mode := e.Mode()
	if e.detail {
		if mode == ModeBlacklist {
			slog.Info("Whitelist is empty, running in blacklist mode", "blacklist", strings.Join(e.rules.Blacklist, ","))
		} else {
			slog.Info("Whitelist is not empty, running in whitelist mode", "whitelist", strings.Join(e.rules.Words(), ","))
		}
	}

	selected := make([]models.Deal, 0, len(deals))
	for _, d := range deals {
		if _, sent := deliveredIDs[d.ID]; sent {
			continue
		}
		var ok bool
		if mode == ModeBlacklist {
			ok = !e.blacklisted(d.Title)
		} else {
			ok = e.whitelisted(d)
		}
		if ok {
			selected = append(selected, d)
		}
	}

	// Second blacklist pass, applied regardless of mode.
	eligible := selected[:0]
	for _, d := range selected {
		if e.blacklisted(d.Title) {
			continue
		}
		d.Delivered = false
		eligible = append(eligible, d)
	}

	if e.detail {
		slog.Info("Deals pending delivery", "count", len(eligible))
		for _, d := range eligible {
			slog.Info("Pending deal", "id", d.ID, "title", d.Title)
		}
	}
	return eligible
}

func (e *Engine) blacklisted(title string) bool {
	for _, w := range e.rules.Blacklist {
		if strings.Contains(title, w) {
			return true
		}
	}
	return false
}

// whitelisted evaluates d against the first keyword its title contains.
// Later keywords are not consulted even if the first one rejects the deal.
func (e *Engine) whitelisted(d models.Deal) bool {
	for _, kw := range e.rules.Whitelist {
		if !strings.Contains(d.Title, kw.Word) {
			continue
		}
		return d.VotedCount > kw.MinVoted &&
			d.CommentCount > kw.MinComments &&
			!e.limitedPrice(d.Price)
	}
	return false
}

func (e *Engine) limitedPrice(price string) bool {
	if price == "" {
		return false
	}
	for _, m := range e.rules.PriceMarkers {
		if m != "" && strings.Contains(price, m) {
			return true
		}
	}
	return false
}
