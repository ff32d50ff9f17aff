// Package relevance ranks catalog tables by how likely they are to be
// needed for a request. Scores combine embedding similarity, keyword
// matches on table names, intent hints and carry-over from the previous
// turn of a refinement thread.
package relevance

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/duckmesh/querygen/internal/catalog"
	"github.com/duckmesh/querygen/internal/observability"
)

const (
	WeightSimilarity = 10.0
	WeightKeyword    = 15.0
	WeightIntent     = 25.0
	WeightCarryOver  = 1000.0

	DefaultTopN            = 10
	DefaultMaxTables       = 25
	DefaultMinSimilarity   = 0.5
	DefaultSimilarityLimit = 20

	FuzzyThreshold = 0.85
)

const TargetTable = "table"

// Match is one row returned by an Index similarity search.
type Match struct {
	TargetType string
	Table      string
	Similarity float64
}

type Index interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	SearchSimilar(ctx context.Context, tenantID string, vector []float32, limit int) ([]Match, error)
}

type Request struct {
	TenantID        string
	Message         string
	PreviousMessage string
	Refinement      bool
	// NeedsSearch is false when the intent stage judged the prior set
	// sufficient for a refinement.
	NeedsSearch    bool
	RequiredTables []string
	NewEntities    []string
	PriorTables    []string
}

type Candidate struct {
	Table   string   `json:"table"`
	Score   float64  `json:"score"`
	Signals []string `json:"signals,omitempty"`
}

type Result struct {
	Tables     []string
	Candidates []Candidate
	NoMatch    bool
	Degraded   bool
}

type Options struct {
	TopN            int
	MaxTables       int
	MinSimilarity   float64
	SimilarityLimit int
}

func (o Options) withDefaults() Options {
	if o.TopN <= 0 {
		o.TopN = DefaultTopN
	}
	if o.MaxTables <= 0 {
		o.MaxTables = DefaultMaxTables
	}
	if o.MinSimilarity <= 0 {
		o.MinSimilarity = DefaultMinSimilarity
	}
	if o.SimilarityLimit <= 0 {
		o.SimilarityLimit = DefaultSimilarityLimit
	}
	return o
}

type Scorer struct {
	Index   Index
	Options Options
	Logger  *slog.Logger
}

func NewScorer(index Index, opts Options, logger *slog.Logger) *Scorer {
	return &Scorer{Index: index, Options: opts.withDefaults(), Logger: logger}
}

// Search never fails on index errors; it falls back to keyword scoring and
// marks the result Degraded. Only context cancellation is returned.
func (s *Scorer) Search(ctx context.Context, req Request, cat *catalog.Catalog) (Result, error) {
	opts := s.Options.withDefaults()
	logger := observability.LoggerForContext(ctx, s.Logger)
	if cat == nil {
		return Result{NoMatch: true}, nil
	}

	prior := knownTables(cat, req.PriorTables)
	if req.Refinement && len(prior) > 0 && !req.NeedsSearch && len(req.RequiredTables) == 0 {
		return Result{Tables: truncate(prior, opts.MaxTables)}, nil
	}

	scores := newScoreboard()
	degraded := false

	if s.Index != nil {
		matches, err := s.similar(ctx, req, opts)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			degraded = true
			observability.IncrementRelevanceFallback()
			logger.Warn("embedding search unavailable, using keyword scoring", "error", err)
		}
		for _, m := range matches {
			if m.TargetType != "" && m.TargetType != TargetTable {
				continue
			}
			if m.Similarity < opts.MinSimilarity {
				continue
			}
			t, ok := cat.Table(m.Table)
			if !ok {
				continue
			}
			scores.add(t.Name, m.Similarity*WeightSimilarity, "similarity")
		}
	} else {
		degraded = true
	}

	tokens := Tokens(req.Message)
	for _, t := range cat.Tables {
		if KeywordMatch(tokens, t.Name) {
			scores.add(t.Name, WeightKeyword, "keyword")
		}
	}

	for _, hint := range req.RequiredTables {
		if name, ok := resolveHint(cat, hint); ok {
			scores.add(name, WeightIntent, "intent")
		}
	}

	if req.Refinement {
		for _, name := range prior {
			scores.add(name, WeightCarryOver, "carry_over")
		}
	}

	candidates := scores.ranked()
	top := candidates
	if len(top) > opts.TopN {
		top = top[:opts.TopN]
	}
	tables := make([]string, 0, len(top))
	for _, c := range top {
		tables = append(tables, c.Table)
	}
	tables = Expand(cat, tables)

	if req.Refinement && len(prior) > 0 {
		tables = merge(prior, tables)
	}
	tables = truncate(tables, opts.MaxTables)

	res := Result{Tables: tables, Candidates: candidates, Degraded: degraded}
	if len(tables) == 0 {
		res.NoMatch = true
	}
	logger.Debug("schema relevance scored",
		"tables", len(tables),
		"candidates", len(candidates),
		"degraded", degraded,
	)
	return res, nil
}

func (s *Scorer) similar(ctx context.Context, req Request, opts Options) ([]Match, error) {
	vector, err := s.Index.Embed(ctx, SearchText(req))
	if err != nil {
		return nil, err
	}
	if len(vector) == 0 {
		return nil, nil
	}
	return s.Index.SearchSimilar(ctx, req.TenantID, vector, opts.SimilarityLimit)
}

// SearchText is the text embedded for similarity search. Refinements fold
// in the previous message and any newly named entities.
func SearchText(req Request) string {
	if !req.Refinement || strings.TrimSpace(req.PreviousMessage) == "" {
		return req.Message
	}
	parts := []string{req.PreviousMessage, req.Message}
	parts = append(parts, req.NewEntities...)
	return strings.Join(parts, " ")
}

// Expand adds every table one relationship hop away from a retained table.
// Original order is kept and neighbors follow.
func Expand(cat *catalog.Catalog, tables []string) []string {
	out := make([]string, 0, len(tables))
	seen := make(map[string]struct{}, len(tables))
	add := func(name string) {
		key := strings.ToLower(name)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, name)
	}
	for _, name := range tables {
		add(name)
	}
	for _, name := range tables {
		for _, neighbor := range cat.Neighbors(name) {
			if t, ok := cat.Table(neighbor); ok {
				add(t.Name)
			}
		}
	}
	return out
}

func merge(prior, found []string) []string {
	out := make([]string, 0, len(prior)+len(found))
	seen := map[string]struct{}{}
	for _, list := range [][]string{prior, found} {
		for _, name := range list {
			key := strings.ToLower(name)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, name)
		}
	}
	return out
}

func truncate(tables []string, max int) []string {
	if len(tables) > max {
		return tables[:max]
	}
	return tables
}

func knownTables(cat *catalog.Catalog, names []string) []string {
	out := make([]string, 0, len(names))
	seen := map[string]struct{}{}
	for _, name := range names {
		t, ok := cat.Table(name)
		if !ok {
			continue
		}
		key := strings.ToLower(t.Name)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t.Name)
	}
	return out
}

func resolveHint(cat *catalog.Catalog, hint string) (string, bool) {
	if t, ok := cat.Table(hint); ok {
		return t.Name, true
	}
	folded := fold(hint)
	for _, t := range cat.Tables {
		if Ratio(folded, fold(t.Name)) > FuzzyThreshold {
			return t.Name, true
		}
	}
	return "", false
}

type scoreboard struct {
	order  []string
	byName map[string]*Candidate
}

func newScoreboard() *scoreboard {
	return &scoreboard{byName: map[string]*Candidate{}}
}

func (b *scoreboard) add(table string, score float64, signal string) {
	key := strings.ToLower(table)
	c, ok := b.byName[key]
	if !ok {
		c = &Candidate{Table: table}
		b.byName[key] = c
		b.order = append(b.order, key)
	}
	c.Score += score
	c.Signals = append(c.Signals, signal)
}

func (b *scoreboard) ranked() []Candidate {
	out := make([]Candidate, 0, len(b.order))
	for _, key := range b.order {
		out = append(out, *b.byName[key])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Table < out[j].Table
	})
	return out
}
