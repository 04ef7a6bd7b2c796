// Package memory composes conversation recall for AI calls and persists new
// turns per memory kind. Kinds share one store contract; backends live in
// the inmem and redis subpackages.
package memory

import (
	"context"
	"math"
	"regexp"
	"time"
)

// Memory kinds in canonical recall order.
const (
	KindShortTerm = "short_term"
	KindLongTerm  = "long_term"
	KindEpisodic  = "episodic"
	KindSemantic  = "semantic"
	KindProfile   = "profile"
)

// KindOrder fixes the canonical concatenation order of recalled messages.
var KindOrder = []string{KindShortTerm, KindLongTerm, KindEpisodic, KindSemantic, KindProfile}

type (
	// Entry is one persisted memory item: a conversation turn, a summary, a
	// fact, or a vectoriser marker.
	Entry struct {
		// Role is "user", "assistant" or "system".
		Role    string `json:"role"`
		Content string `json:"content"`
		// CreatedAt drives retention and time-decay ranking.
		CreatedAt time.Time `json:"created_at"`
	}

	// Store persists memory entries under opaque keys. Implementations must
	// be safe for concurrent use. Keys compose "<kind>:<session_key>".
	Store interface {
		// Append adds entries to the key's history in order.
		Append(ctx context.Context, key string, entries ...Entry) error

		// Load returns the key's history in chronological order. A missing
		// key yields an empty history, not an error.
		Load(ctx context.Context, key string) ([]Entry, error)

		// Prune physically removes entries created before the cutoff and
		// returns the removed count.
		Prune(ctx context.Context, key string, before time.Time) (int, error)
	}
)

// DecayScore ranks an entry by age under exponential half-life decay. An
// entry exactly one half-life old scores 0.5.
func DecayScore(ageDays, halfLifeDays float64) float64 {
	if halfLifeDays <= 0 {
		return 1
	}
	return math.Exp(-ageDays * math.Ln2 / halfLifeDays)
}

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	ipv4Pattern  = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
)

// Scrub applies the named PII policy to text before storage. The
// "strip-email-ip" policy replaces email addresses with "[email]" and IPv4
// addresses with "[ip]". Unknown or empty policies return text unchanged.
func Scrub(policy, text string) string {
	if policy != "strip-email-ip" {
		return text
	}
	text = emailPattern.ReplaceAllString(text, "[email]")
	return ipv4Pattern.ReplaceAllString(text, "[ip]")
}
