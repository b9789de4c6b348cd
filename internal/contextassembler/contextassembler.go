// Package contextassembler implements §4.2 of SPEC_FULL.md: gathering
// candidate context sections for a task in priority tiers, applying a
// character budget with deterministic tie-breaks, and optionally persisting
// the result as a ContextSnapshot.
package contextassembler

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/taskgraph/orchestrator/internal/embedcache"
	"github.com/taskgraph/orchestrator/internal/llm"
	"github.com/taskgraph/orchestrator/internal/orcherr"
	"github.com/taskgraph/orchestrator/internal/store"
	"github.com/taskgraph/orchestrator/internal/telemetry"
	"github.com/taskgraph/orchestrator/internal/types"
)

// SummarizationStrategy controls how an over-length section is shortened.
type SummarizationStrategy string

const (
	StrategyNone     SummarizationStrategy = "none"
	StrategyTruncate SummarizationStrategy = "truncate"
	StrategySentence SummarizationStrategy = "sentence"
)

// Options configures one gather() call. Zero values mean "use the
// component default" except where noted.
type Options struct {
	IncludeIndex        bool
	IncludeDeps         bool
	IncludePlanSiblings bool
	IncludeRetrieved    bool
	UseMemory           bool

	KPerCategory            int
	RetrievalK              int
	RetrievalMinSimilarity  float64
	RetrievalMaxCandidates  int
	ManualIDs               []string

	BudgetTotalChars      int
	BudgetPerSectionChars int
	SummarizationStrategy SummarizationStrategy

	SaveSnapshot bool
	Label        string
}

// MemoryHit is one result returned by a MemorySource query.
type MemoryHit struct {
	SourceID string
	Content  string
	Score    float64
}

// MemorySource is the narrow slice of the Memory collaborator (§4.8) the
// assembler needs: semantic lookup of past experiences relevant to a task.
type MemorySource interface {
	Query(ctx context.Context, text string, k int) ([]MemoryHit, error)
}

// Bundle is the assembled context returned to the caller.
type Bundle struct {
	Combined string
	Sections []types.SectionMeta
	Budget   *BudgetMeta
}

// BudgetMeta reports the limits applied to this bundle. Omitted (nil) when
// gather() was called with no budget configured.
type BudgetMeta struct {
	TotalChars      int
	PerSectionChars int
}

type candidate struct {
	sourceID string
	kind     types.SectionKind
	tier     int
	text     string
	score    *float64
}

// Assembler gathers and budgets context bundles for one plan's tasks.
type Assembler struct {
	Store   *store.PlanStore
	Backend llm.Backend // optional; nil disables semantic retrieval
	Cache   embedcache.Cache
	Memory  MemorySource // optional
	Logger  telemetry.Logger
}

// Gather implements the gather() operation.
func (a *Assembler) Gather(ctx context.Context, taskID string, opts Options) (*Bundle, error) {
	task, err := a.Store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	logger := a.logger()

	var candidates []candidate

	if opts.IncludeIndex {
		if root, err := a.Store.RootOf(ctx, taskID); err == nil && root.ID != taskID {
			if out, ok, err := a.Store.GetOutput(ctx, root.ID); err == nil && ok && out != "" {
				candidates = append(candidates, candidate{sourceID: root.ID, kind: types.SectionKindIndex, tier: 1, text: out})
			}
		}
	}

	if opts.IncludeDeps {
		deps, err := a.Store.RequiredBy(ctx, taskID)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, a.gatherFromIDs(ctx, deps, types.SectionKindDepRequires, 2, opts.KPerCategory)...)

		refers, err := a.refersIDs(ctx, taskID)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, a.gatherFromIDs(ctx, refers, types.SectionKindDepRefers, 6, opts.KPerCategory)...)
	}

	if opts.IncludePlanSiblings {
		sibs, err := a.Store.Siblings(ctx, taskID)
		if err != nil {
			return nil, err
		}
		var ids []string
		for _, s := range sibs {
			if s.ID != taskID {
				ids = append(ids, s.ID)
			}
		}
		candidates = append(candidates, a.gatherFromIDs(ctx, ids, types.SectionKindSibling, 3, opts.KPerCategory)...)
	}

	if opts.IncludeRetrieved {
		retrieved, err := a.gatherRetrieved(ctx, task, opts)
		if err != nil {
			logger.Warn(ctx, "retrieval disabled for this gather call", "task_id", taskID, "error", err.Error())
		} else {
			candidates = append(candidates, retrieved...)
		}
	}

	if opts.UseMemory && a.Memory != nil {
		if input, ok, err := a.taskQueryText(ctx, task); err == nil && ok {
			hits, err := a.Memory.Query(ctx, input, opts.effectiveK())
			if err != nil {
				logger.Warn(ctx, "memory query failed", "task_id", taskID, "error", err.Error())
			}
			for _, h := range hits {
				score := h.Score
				candidates = append(candidates, candidate{sourceID: h.SourceID, kind: types.SectionKindMemory, tier: 5, text: h.Content, score: &score})
			}
		}
	}

	for _, id := range opts.ManualIDs {
		if out, ok, err := a.Store.GetOutput(ctx, id); err == nil && ok && out != "" {
			candidates = append(candidates, candidate{sourceID: id, kind: types.SectionKindManual, tier: 7, text: out})
		}
	}

	sections, texts, budget := applyBudget(candidates, opts.BudgetTotalChars, opts.BudgetPerSectionChars, opts.SummarizationStrategy)

	var combined strings.Builder
	for i, sm := range sections {
		if i > 0 {
			combined.WriteString("\n\n")
		}
		combined.WriteString(texts[sm.SourceID+"#"+string(sm.Kind)])
	}

	bundle := &Bundle{Combined: combined.String(), Sections: sections, Budget: budget}

	if opts.SaveSnapshot {
		label := opts.Label
		if label == "" {
			label = "default"
		}
		_, err := a.Store.SaveSnapshot(ctx, types.ContextSnapshot{
			TaskID:       taskID,
			Label:        label,
			CombinedText: bundle.Combined,
			Sections:     bundle.Sections,
		})
		if err != nil {
			return nil, err
		}
	}
	return bundle, nil
}

func (o Options) effectiveK() int {
	if o.RetrievalK > 0 {
		return o.RetrievalK
	}
	return 5
}

func (a *Assembler) gatherFromIDs(ctx context.Context, ids []string, kind types.SectionKind, tier, limit int) []candidate {
	var out []candidate
	for _, id := range ids {
		if limit > 0 && len(out) >= limit {
			break
		}
		content, ok, err := a.Store.GetOutput(ctx, id)
		if err != nil || !ok || content == "" {
			continue // missing source task or empty output is skipped, not fatal
		}
		out = append(out, candidate{sourceID: id, kind: kind, tier: tier, text: content})
	}
	return out
}

func (a *Assembler) refersIDs(ctx context.Context, taskID string) ([]string, error) {
	links, err := a.Store.OutgoingLinks(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, l := range links {
		if l.Kind == types.LinkKindRefers {
			ids = append(ids, l.ToID)
		}
	}
	return ids, nil
}

func (a *Assembler) taskQueryText(ctx context.Context, task *types.Task) (string, bool, error) {
	input, err := a.Store.GetInput(ctx, task.ID)
	if err != nil {
		return "", false, err
	}
	if input == "" {
		return task.Name, true, nil
	}
	return input, true, nil
}

func (a *Assembler) gatherRetrieved(ctx context.Context, task *types.Task, opts Options) ([]candidate, error) {
	if a.Backend == nil {
		return nil, orcherr.New(orcherr.KindBackendPermanent, "no_embedding_backend", "no LLM backend configured for retrieval", nil)
	}
	query, ok, err := a.taskQueryText(ctx, task)
	if err != nil {
		return nil, err
	}
	if !ok || query == "" {
		return nil, nil
	}

	all, err := a.Store.PlanTasks(ctx)
	if err != nil {
		return nil, err
	}
	maxCandidates := opts.RetrievalMaxCandidates
	if maxCandidates <= 0 {
		maxCandidates = 50
	}
	type pool struct {
		id      string
		content string
	}
	var poolItems []pool
	for _, t := range all {
		if t.ID == task.ID || t.Status != types.TaskStatusCompleted {
			continue
		}
		content, ok, err := a.Store.GetOutput(ctx, t.ID)
		if err != nil || !ok || content == "" {
			continue
		}
		poolItems = append(poolItems, pool{id: t.ID, content: content})
		if len(poolItems) >= maxCandidates {
			break
		}
	}
	if len(poolItems) == 0 {
		return nil, nil
	}

	queryVec, err := a.embed(ctx, query)
	if err != nil {
		return nil, err
	}

	minSim := opts.RetrievalMinSimilarity
	type scored struct {
		candidate
	}
	var ranked []scored
	for _, p := range poolItems {
		vec, err := a.embed(ctx, p.content)
		if err != nil {
			return nil, err
		}
		sim := cosineSimilarity(queryVec, vec)
		if sim < minSim {
			continue
		}
		s := sim
		ranked = append(ranked, scored{candidate{sourceID: p.id, kind: types.SectionKindRetrieved, tier: 4, text: p.content, score: &s}})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return *ranked[i].score > *ranked[j].score })

	k := opts.effectiveK()
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	out := make([]candidate, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, r.candidate)
	}
	return out, nil
}

func (a *Assembler) embed(ctx context.Context, text string) ([]float32, error) {
	model := a.Backend.Name()
	if a.Cache != nil {
		if vec, ok, err := a.Cache.Get(ctx, text, model); err == nil && ok {
			return vec, nil
		}
	}
	resp, err := a.Backend.Embed(ctx, llm.EmbedRequest{Model: model, Input: []string{text}})
	if err != nil {
		return nil, err
	}
	if len(resp.Vectors) == 0 {
		return nil, orcherr.New(orcherr.KindBackendPermanent, "empty_embedding", "embedding backend returned no vectors", nil)
	}
	if a.Cache != nil {
		_ = a.Cache.Put(ctx, text, model, resp.Vectors[0])
	}
	return resp.Vectors[0], nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func (a *Assembler) logger() telemetry.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return telemetry.NoopLogger{}
}

// applyBudget implements §4.2's apply_budget: greedy by priority tier, ties
// broken by source id ascending, truncating per-section and then to the
// remaining total. Deterministic: identical candidates always produce
// identical output.
func applyBudget(candidates []candidate, totalBudget, perSectionBudget int, strategy SummarizationStrategy) ([]types.SectionMeta, map[string]string, *BudgetMeta) {
	if strategy == "" {
		strategy = StrategyTruncate
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].tier != candidates[j].tier {
			return candidates[i].tier < candidates[j].tier
		}
		return candidates[i].sourceID < candidates[j].sourceID
	})

	texts := make(map[string]string)
	if totalBudget <= 0 && perSectionBudget <= 0 {
		var sections []types.SectionMeta
		for _, c := range candidates {
			sections = append(sections, types.SectionMeta{
				SourceID: c.sourceID, Kind: c.kind, PriorityTier: c.tier,
				Length: len(c.text), TruncatedReason: types.TruncatedNone, Score: c.score,
			})
			texts[c.sourceID+"#"+string(c.kind)] = c.text
		}
		return sections, texts, nil
	}

	remaining := totalBudget
	var sections []types.SectionMeta
	for _, c := range candidates {
		text := c.text
		reason := types.TruncatedNone
		droppedBySectionCap := false

		if perSectionBudget > 0 && len(text) > perSectionBudget {
			t, dropped := truncateText(text, perSectionBudget, strategy)
			if dropped {
				droppedBySectionCap = true
			} else {
				text = t
				reason = types.TruncatedPerSection
			}
		}
		if droppedBySectionCap {
			continue
		}

		if totalBudget > 0 {
			if remaining <= 0 {
				continue
			}
			if len(text) > remaining {
				t, dropped := truncateText(text, remaining, strategy)
				if dropped {
					continue
				}
				text = t
				if reason == types.TruncatedPerSection {
					reason = types.TruncatedBoth
				} else {
					reason = types.TruncatedTotal
				}
			}
			remaining -= len(text)
		}

		sections = append(sections, types.SectionMeta{
			SourceID: c.sourceID, Kind: c.kind, PriorityTier: c.tier,
			Length: len(text), TruncatedReason: reason, Score: c.score,
		})
		texts[c.sourceID+"#"+string(c.kind)] = text
	}
	return sections, texts, &BudgetMeta{TotalChars: totalBudget, PerSectionChars: perSectionBudget}
}

// truncateText shortens text to at most limit characters per strategy.
// The second return value is true when strategy == none and text does not
// already fit, signaling the caller to drop the section instead of cutting
// it.
func truncateText(text string, limit int, strategy SummarizationStrategy) (string, bool) {
	if len(text) <= limit {
		return text, false
	}
	switch strategy {
	case StrategyNone:
		return "", true
	case StrategySentence:
		window := text[:limit]
		cut := -1
		for i := len(window) - 1; i >= 0; i-- {
			if window[i] == '.' || window[i] == '!' || window[i] == '?' {
				cut = i + 1
				break
			}
		}
		if cut <= 0 {
			return window, false
		}
		return window[:cut], false
	default:
		return text[:limit], false
	}
}
