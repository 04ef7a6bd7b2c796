package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/namel3ss/n3flow/ir"
	"github.com/namel3ss/n3flow/provider"
)

type (
	// Composer builds recall messages for AI calls and persists new turns
	// through each binding's pipeline.
	Composer struct {
		stores   map[string]Store
		fallback Store

		// Now is injectable for retention and decay tests.
		Now func() time.Time

		// Summarize invokes a sub-model to condense a transcript. Required
		// when any binding declares an llm_summariser step.
		Summarize SubModel

		// ExtractFacts invokes a sub-model to pull discrete facts from a
		// transcript. Required for llm_fact_extractor steps.
		ExtractFacts FactExtractor
	}

	// SubModel condenses text through a named model.
	SubModel func(ctx context.Context, model, text string) (string, error)

	// FactExtractor pulls discrete facts from text through a named model.
	FactExtractor func(ctx context.Context, model, text string) ([]string, error)

	// Recall is the composed prompt context for one AI call.
	Recall struct {
		Messages []provider.Message
		// ScopeFallback marks that a per_user binding fell back to the
		// session scope because no user id was available.
		ScopeFallback bool
	}
)

// defaultRecallCount caps recall when a binding declares no rules.
const defaultRecallCount = 20

// NewComposer builds a composer over named stores. fallback serves bindings
// that name no store.
func NewComposer(stores map[string]Store, fallback Store) *Composer {
	return &Composer{stores: stores, fallback: fallback, Now: time.Now}
}

// BuildMessages composes recall messages for the call in canonical kind
// order: short_term turns, then long_term, episodic, semantic, and finally
// the profile rendered as a synthetic system snippet.
func (c *Composer) BuildMessages(ctx context.Context, call *ir.AICall, sessionID, userID string) (Recall, error) {
	var out Recall
	for _, kind := range KindOrder {
		binding := bindingFor(call, kind)
		if binding == nil {
			continue
		}
		key, fellBack := sessionKey(binding, sessionID, userID)
		if fellBack {
			out.ScopeFallback = true
		}
		entries, err := c.recallEntries(ctx, binding, key)
		if err != nil {
			return Recall{}, err
		}
		out.Messages = append(out.Messages, renderEntries(kind, entries)...)
	}
	return out, nil
}

// Persist appends the latest turn to every binding and runs each binding's
// pipeline steps.
func (c *Composer) Persist(ctx context.Context, call *ir.AICall, sessionID, userID, userText, assistantText string) error {
	now := c.Now()
	for _, binding := range call.Memory {
		key, _ := sessionKey(binding, sessionID, userID)
		store := c.storeFor(binding)
		scrubbedUser := Scrub(binding.PIIPolicy, userText)
		scrubbedAssistant := Scrub(binding.PIIPolicy, assistantText)
		err := store.Append(ctx, kindKey(binding.Kind, key),
			Entry{Role: provider.RoleUser, Content: scrubbedUser, CreatedAt: now},
			Entry{Role: provider.RoleAssistant, Content: scrubbedAssistant, CreatedAt: now},
		)
		if err != nil {
			return err
		}
		transcript := scrubbedUser + "\n" + scrubbedAssistant
		for _, step := range binding.Pipeline {
			if err := c.runPipelineStep(ctx, binding, step, key, transcript, now); err != nil {
				return err
			}
		}
	}
	return nil
}

// Vacuum physically prunes entries older than each binding's retention and
// returns the total removed.
func (c *Composer) Vacuum(ctx context.Context, call *ir.AICall, sessionID, userID string) (int, error) {
	now := c.Now()
	total := 0
	for _, binding := range call.Memory {
		if binding.RetentionDays <= 0 {
			continue
		}
		key, _ := sessionKey(binding, sessionID, userID)
		cutoff := now.AddDate(0, 0, -binding.RetentionDays)
		n, err := c.storeFor(binding).Prune(ctx, kindKey(binding.Kind, key), cutoff)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (c *Composer) runPipelineStep(ctx context.Context, binding *ir.MemoryBinding, step ir.MemoryPipelineStep, key, transcript string, now time.Time) error {
	target := step.Target
	if target == "" {
		target = binding.Kind
	}
	store := c.storeFor(binding)
	switch step.Kind {
	case "llm_summariser":
		if c.Summarize == nil {
			return fmt.Errorf("memory pipeline for %s needs a summariser but none is configured", binding.Kind)
		}
		summary, err := c.Summarize(ctx, step.Model, transcript)
		if err != nil {
			return err
		}
		return store.Append(ctx, kindKey(target, key),
			Entry{Role: provider.RoleSystem, Content: summary, CreatedAt: now})
	case "llm_fact_extractor":
		if c.ExtractFacts == nil {
			return fmt.Errorf("memory pipeline for %s needs a fact extractor but none is configured", binding.Kind)
		}
		facts, err := c.ExtractFacts(ctx, step.Model, transcript)
		if err != nil {
			return err
		}
		entries := make([]Entry, 0, len(facts))
		for _, fact := range facts {
			entries = append(entries, Entry{Role: provider.RoleSystem, Content: fact, CreatedAt: now})
		}
		if len(entries) == 0 {
			return nil
		}
		return store.Append(ctx, kindKey(target, key), entries...)
	case "vectoriser":
		if step.Target == "" {
			target = KindSemantic
		}
		marker := fmt.Sprintf("[vectoriser:%s] %s", step.Model, transcript)
		return store.Append(ctx, kindKey(target, key),
			Entry{Role: provider.RoleSystem, Content: marker, CreatedAt: now})
	default:
		return fmt.Errorf("unknown memory pipeline step '%s'", step.Kind)
	}
}

// recallEntries loads and filters a binding's history: retention first, then
// either decay-ranked top-K or chronological tail per the recall rules.
func (c *Composer) recallEntries(ctx context.Context, binding *ir.MemoryBinding, key string) ([]Entry, error) {
	now := c.Now()
	store := c.storeFor(binding)
	rules := binding.Recall
	if len(rules) == 0 {
		rules = []ir.RecallRule{{Source: binding.Kind, Count: defaultRecallCount}}
	}
	var out []Entry
	for _, rule := range rules {
		source := rule.Source
		if source == "" {
			source = binding.Kind
		}
		entries, err := store.Load(ctx, kindKey(source, key))
		if err != nil {
			return nil, err
		}
		if binding.RetentionDays > 0 {
			cutoff := now.AddDate(0, 0, -binding.RetentionDays)
			entries = filterAfter(entries, cutoff)
		}
		switch {
		case binding.HalfLifeDays > 0 && rule.TopK > 0:
			entries = topKByDecay(entries, now, binding.HalfLifeDays, rule.TopK)
		case rule.Count > 0 && len(entries) > rule.Count:
			entries = entries[len(entries)-rule.Count:]
		}
		out = append(out, entries...)
	}
	return out, nil
}

// topKByDecay keeps the K highest-scoring entries under half-life decay and
// returns them in chronological order.
func topKByDecay(entries []Entry, now time.Time, halfLife float64, k int) []Entry {
	type scored struct {
		entry Entry
		score float64
		index int
	}
	ranked := make([]scored, len(entries))
	for i, e := range entries {
		age := now.Sub(e.CreatedAt).Hours() / 24
		ranked[i] = scored{entry: e, score: DecayScore(age, halfLife), index: i}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if k < len(ranked) {
		ranked = ranked[:k]
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].index < ranked[j].index })
	out := make([]Entry, len(ranked))
	for i, s := range ranked {
		out[i] = s.entry
	}
	return out
}

func filterAfter(entries []Entry, cutoff time.Time) []Entry {
	var out []Entry
	for _, e := range entries {
		if !e.CreatedAt.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// renderEntries turns entries into chat messages. Short-term turns keep
// their roles; profile entries collapse into one system snippet; everything
// else becomes individual system messages.
func renderEntries(kind string, entries []Entry) []provider.Message {
	if len(entries) == 0 {
		return nil
	}
	if kind == KindProfile {
		parts := make([]string, 0, len(entries))
		for _, e := range entries {
			parts = append(parts, e.Content)
		}
		return []provider.Message{{
			Role:    provider.RoleSystem,
			Content: "User profile: " + strings.Join(parts, "; "),
		}}
	}
	out := make([]provider.Message, 0, len(entries))
	for _, e := range entries {
		role := e.Role
		if kind != KindShortTerm {
			role = provider.RoleSystem
		}
		out = append(out, provider.Message{Role: role, Content: e.Content})
	}
	return out
}

func (c *Composer) storeFor(binding *ir.MemoryBinding) Store {
	if s, ok := c.stores[binding.Store]; ok {
		return s
	}
	return c.fallback
}

func bindingFor(call *ir.AICall, kind string) *ir.MemoryBinding {
	for _, b := range call.Memory {
		if b.Kind == kind {
			return b
		}
	}
	return nil
}

// sessionKey resolves a binding's storage key. Per-user scope requires a
// user id; without one it falls back to the session scope.
func sessionKey(binding *ir.MemoryBinding, sessionID, userID string) (string, bool) {
	if binding.Scope == "per_user" {
		if userID != "" {
			return "user:" + userID, false
		}
		return sessionID, true
	}
	return sessionID, false
}

func kindKey(kind, sessionKey string) string {
	return kind + ":" + sessionKey
}
