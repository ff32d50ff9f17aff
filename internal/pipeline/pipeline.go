// Package pipeline runs one natural-language request through intent
// classification, schema relevance search, canonical query construction,
// enforcement, compilation, validation and bounded correction.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/duckmesh/querygen/internal/canonical"
	"github.com/duckmesh/querygen/internal/catalog"
	"github.com/duckmesh/querygen/internal/compiler"
	"github.com/duckmesh/querygen/internal/correction"
	"github.com/duckmesh/querygen/internal/enforcer"
	"github.com/duckmesh/querygen/internal/nl2sql"
	"github.com/duckmesh/querygen/internal/observability"
	"github.com/duckmesh/querygen/internal/qerr"
	"github.com/duckmesh/querygen/internal/relevance"
	"github.com/duckmesh/querygen/internal/validation"
)

var ErrSuperseded = errors.New("pipeline: run superseded by a newer request")

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeNoMatch Outcome = "no-match"
	OutcomeBlocked Outcome = "blocked"
	OutcomeFailed  Outcome = "failed"
	OutcomeDirect  Outcome = "direct"
)

const DefaultHighConfidence = 0.9

const (
	noMatchMessage = "I could not find any tables related to your request. Try naming the data you are looking for."
	blockedMessage = "None of the tables needed for this request can be queried."
	greetingReply  = "Hello! Ask me a question about your data and I will write the SQL for it."
	guideReply     = "I can answer questions about the tables in your database by writing read-only SQL."
	offTopicReply  = "I can only help with questions about your data."
	ambiguousReply = "Could you clarify your request?"
)

type Request struct {
	TenantID       string `json:"tenant_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
	// Dialect overrides the tenant's configured dialect.
	Dialect string `json:"dialect,omitempty"`
}

type StageTiming struct {
	Stage    string        `json:"stage"`
	Route    Route         `json:"route,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

type Response struct {
	RunID       string               `json:"run_id"`
	Outcome     Outcome              `json:"outcome"`
	SQL         string               `json:"sql,omitempty"`
	Dialect     string               `json:"dialect,omitempty"`
	Warnings    []enforcer.Warning   `json:"warnings,omitempty"`
	Message     string               `json:"message,omitempty"`
	Error       string               `json:"error,omitempty"`
	ErrorKind   qerr.Kind            `json:"error_kind,omitempty"`
	LastSQL     string               `json:"last_sql,omitempty"`
	Attempts    int                  `json:"attempts"`
	Corrections []correction.Attempt `json:"corrections,omitempty"`
	Tables      []string             `json:"tables,omitempty"`
	Refinement  bool                 `json:"refinement"`
	Degraded    bool                 `json:"degraded,omitempty"`
	Trace       []StageTiming        `json:"trace,omitempty"`

	// Err is the terminal failure, if any.
	Err error `json:"-"`
}

type Dependencies struct {
	Source    Source
	Caches    Caches
	Intent    nl2sql.IntentClassifier
	Builder   nl2sql.QueryBuilder
	Corrector *correction.Corrector
	Scorer    *relevance.Scorer
	Validator *validation.Validator
	Threads   *ThreadStore
	Runs      *Runs
}

type Options struct {
	DefaultDialect compiler.Dialect
	MaxAttempts    int
	HighConfidence float64
	RunTimeout     time.Duration
}

type Pipeline struct {
	deps   Dependencies
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

func New(deps Dependencies, opts Options, logger *slog.Logger) (*Pipeline, error) {
	if err := ValidateTransitions(); err != nil {
		return nil, err
	}
	if deps.Source == nil {
		return nil, fmt.Errorf("catalog source is required")
	}
	if deps.Builder == nil {
		return nil, fmt.Errorf("query builder is required")
	}
	if deps.Validator == nil {
		deps.Validator = validation.New(nil, 0, false, logger)
	}
	if deps.Scorer == nil {
		deps.Scorer = relevance.NewScorer(nil, relevance.Options{}, logger)
	}
	if deps.Corrector == nil {
		deps.Corrector = correction.New(nil, logger)
	}
	if deps.Threads == nil {
		deps.Threads = NewThreadStore(0, 0)
	}
	if deps.Runs == nil {
		deps.Runs = NewRuns()
	}
	if opts.DefaultDialect == "" {
		opts.DefaultDialect = compiler.Postgres
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = correction.MaxAttempts
	}
	if opts.HighConfidence <= 0 {
		opts.HighConfidence = DefaultHighConfidence
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{deps: deps, opts: opts, logger: logger, now: time.Now}, nil
}

// Invalidate drops cached tenant inputs and conversation state after a
// schema edit.
func (p *Pipeline) Invalidate(tenantID string) {
	p.deps.Caches.Invalidator().Invalidate(tenantID)
	p.deps.Threads.Invalidate(tenantID)
}

// run is the mutable state of one turn.
type run struct {
	req     Request
	id      string
	dialect compiler.Dialect
	tenant  tenantContext
	view    *catalog.Catalog
	prior   ThreadState

	intent     nl2sql.Intent
	refinement bool
	tables     []string
	degraded   bool
	scope      *catalog.Catalog

	query    *canonical.Query
	sql      string
	warnings []enforcer.Warning

	errors      []string
	corrections []correction.Attempt
	attempts    int
	lastSQL     string

	message string
	err     error
	trace   []StageTiming
}

// Generate runs one turn. The error is non-nil only for invalid requests
// or when ctx ends; every pipeline outcome is reported in Response.
func (p *Pipeline) Generate(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.TenantID) == "" {
		return Response{}, qerr.New(qerr.KindInternal, "tenant_id is required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return Response{}, qerr.New(qerr.KindInternal, "message is required")
	}

	runCtx, runID, done := p.deps.Runs.Start(ctx, req.TenantID, req.ConversationID)
	defer done()
	if p.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, p.opts.RunTimeout)
		defer cancel()
	}
	runCtx = observability.ContextWithRunID(runCtx, runID)
	logger := observability.LoggerForContext(runCtx, p.logger).With(slog.String("tenant_id", req.TenantID))

	r := &run{req: req, id: runID}
	started := p.now()
	stage := StageBootstrap
	for !stage.Terminal() {
		if err := context.Cause(runCtx); err != nil {
			return p.interrupted(r, err, logger)
		}
		stageStart := p.now()
		route := p.execute(runCtx, stage, r)
		elapsed := p.now().Sub(stageStart)
		observability.ObserveStage(stage.String(), elapsed)
		r.trace = append(r.trace, StageTiming{Stage: stage.String(), Route: route, Duration: elapsed})
		logger.Debug("pipeline stage finished", "stage", stage.String(), "route", string(route), "elapsed", elapsed)

		if r.err != nil && runCtx.Err() != nil {
			return p.interrupted(r, context.Cause(runCtx), logger)
		}
		next, err := Next(stage, route)
		if err != nil {
			r.err = qerr.Wrap(err, qerr.KindInternal, "Internal routing error")
		}
		stage = next
	}

	resp := p.finish(stage, r)
	observability.ObservePipelineRun(string(resp.Outcome), resp.Attempts, p.now().Sub(started))
	logger.Info("pipeline run finished",
		"outcome", string(resp.Outcome),
		"attempts", resp.Attempts,
		"tables", len(resp.Tables),
		"elapsed", p.now().Sub(started),
	)
	return resp, nil
}

func (p *Pipeline) interrupted(r *run, cause error, logger *slog.Logger) (Response, error) {
	logger.Info("pipeline run interrupted", "cause", cause)
	observability.ObservePipelineRun("cancelled", r.attempts, 0)
	return Response{RunID: r.id, Outcome: OutcomeFailed, Attempts: r.attempts, Trace: r.trace, Err: cause, Error: cause.Error()}, cause
}

func (p *Pipeline) execute(ctx context.Context, stage Stage, r *run) Route {
	switch stage {
	case StageBootstrap:
		return p.bootstrap(ctx, r)
	case StageIntent:
		return p.classify(ctx, r)
	case StageSchemaSearch:
		return p.search(ctx, r)
	case StageBuildQuery:
		return p.build(ctx, r)
	case StageEnforce:
		return p.enforce(r)
	case StageCompile:
		return p.compile(r)
	case StageValidate:
		return p.validate(ctx, r)
	case StageCorrect:
		return p.correct(ctx, r)
	}
	r.err = qerr.New(qerr.KindInternal, "unknown stage %s", stage)
	return RouteFail
}

func (p *Pipeline) bootstrap(ctx context.Context, r *run) Route {
	tc, err := bootstrap(ctx, p.deps.Source, p.deps.Caches, r.req.TenantID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			r.err = qerr.Wrap(err, qerr.KindInternal, "No schema catalog is configured for this tenant")
		} else {
			r.err = qerr.Wrap(err, qerr.KindInternal, "Schema catalog is unavailable")
		}
		return RouteFail
	}
	r.tenant = tc
	r.view = catalog.ApplySensitivity(tc.Catalog, tc.Rules)

	name := r.req.Dialect
	if name == "" {
		name = tc.Agent.Dialect
	}
	r.dialect = p.opts.DefaultDialect
	if name != "" {
		d, err := compiler.ParseDialect(name)
		if err != nil {
			r.err = qerr.Wrap(err, qerr.KindCompile, "Unsupported SQL dialect %q", name)
			return RouteFail
		}
		r.dialect = d
	}
	if prior, ok := p.deps.Threads.Get(r.req.TenantID, r.req.ConversationID); ok {
		r.prior = prior
	}
	return RouteNext
}

func (p *Pipeline) classify(ctx context.Context, r *run) Route {
	logger := observability.LoggerForContext(ctx, p.logger)
	intent := nl2sql.Intent{Kind: nl2sql.IntentDatabaseQuery, NeedsSchemaSearch: true}
	if p.deps.Intent != nil {
		got, err := p.deps.Intent.Classify(ctx, nl2sql.IntentRequest{
			TenantID:        r.req.TenantID,
			Message:         r.req.Message,
			PreviousMessage: r.prior.Message,
			PreviousSQL:     r.prior.SQL,
			Tables:          r.view.TableNames(),
			Restricted:      nl2sql.RestrictedEntities(r.view),
		})
		switch {
		case err == nil:
			intent = got
		case ctx.Err() != nil:
			r.err = ctx.Err()
			return RouteFail
		default:
			logger.Warn("intent classification failed, treating as a new query", "error", err)
		}
	}
	r.intent = intent

	if intent.Conversational() {
		r.message = directReply(intent)
		return RouteDirect
	}

	r.refinement = intent.Refinement && !r.prior.Empty()
	if !r.refinement {
		r.prior = ThreadState{}
	}

	if p.shortcut(r) {
		tables := knownTables(r.view, intent.RequiredTables)
		if r.refinement {
			tables = mergeTables(r.prior.Tables, tables)
		}
		r.tables = tables
		return RouteShortcut
	}
	return RouteSearch
}

// shortcut reports whether the intent alone names a complete table set.
func (p *Pipeline) shortcut(r *run) bool {
	in := r.intent
	if in.Confidence < p.opts.HighConfidence || in.NeedsSchemaSearch || len(in.RequiredTables) == 0 {
		return false
	}
	if r.refinement && len(in.NewEntities) > 0 {
		return false
	}
	for _, name := range in.RequiredTables {
		if !r.view.HasTable(name) {
			return false
		}
	}
	return true
}

func (p *Pipeline) search(ctx context.Context, r *run) Route {
	req := relevance.Request{
		TenantID:       r.req.TenantID,
		Message:        r.req.Message,
		Refinement:     r.refinement,
		NeedsSearch:    r.intent.NeedsSchemaSearch,
		RequiredTables: r.intent.RequiredTables,
		NewEntities:    r.intent.NewEntities,
	}
	if r.refinement {
		req.PreviousMessage = r.prior.Message
		req.PriorTables = r.prior.Tables
	}
	res, err := p.deps.Scorer.Search(ctx, req, r.view)
	if err != nil {
		r.err = err
		return RouteFail
	}
	r.degraded = res.Degraded
	if res.NoMatch {
		r.message = noMatchMessage
		return RouteNoMatch
	}
	r.tables = res.Tables
	return RouteNext
}

func (p *Pipeline) build(ctx context.Context, r *run) Route {
	r.scope = r.view.Subset(r.tables)
	req := nl2sql.BuildRequest{
		TenantID:      r.req.TenantID,
		Message:       r.req.Message,
		Dialect:       string(r.dialect),
		Intent:        r.intent,
		Tables:        nl2sql.TableContexts(r.scope),
		Relationships: nl2sql.RelationshipLines(r.scope),
		Restricted:    nl2sql.RestrictedEntities(r.scope),
	}
	if r.refinement {
		req.PreviousSQL = r.prior.SQL
		if r.prior.Query != nil {
			if data, err := r.prior.Query.MarshalJSON(); err == nil {
				req.PreviousQuery = data
			}
		}
	}
	res, err := p.deps.Builder.Build(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			r.err = ctx.Err()
			return RouteFail
		}
		r.err = qerr.Wrap(err, qerr.KindProvider, "Query construction failed")
		return RouteFail
	}
	q, err := canonical.Decode(res.Query)
	if err != nil {
		r.err = qerr.Wrap(err, qerr.KindProvider, "The query builder returned a query that could not be read")
		return RouteFail
	}
	r.query = q
	return RouteNext
}

func (p *Pipeline) enforce(r *run) Route {
	res := enforcer.Enforce(r.query, r.scope)
	r.warnings = append(r.warnings, res.Warnings...)
	if res.Blocked {
		r.err = qerr.New(qerr.KindPolicyDenied, blockedMessage)
		return RouteBlocked
	}
	r.query = res.Query
	return RouteNext
}

func (p *Pipeline) compile(r *run) Route {
	sqlText, err := compiler.Compile(r.query, r.dialect, r.scope)
	if err != nil {
		if qerr.KindOf(err) == qerr.KindInternal {
			err = qerr.Wrap(err, qerr.KindCompile, "Query could not be compiled")
		}
		r.err = err
		return RouteFail
	}
	r.sql = sqlText
	return RouteNext
}

func (p *Pipeline) validate(ctx context.Context, r *run) Route {
	v := *p.deps.Validator
	if r.tenant.Agent.MaxRows > 0 {
		v.MaxRows = r.tenant.Agent.MaxRows
	}
	if !r.tenant.Agent.SandboxEnabled {
		v.Sandbox = nil
	}
	res, err := v.Validate(ctx, validation.Request{SQL: r.sql, Dialect: r.dialect, Scope: r.scope})
	if err != nil {
		r.err = err
		return RouteFail
	}
	if res.Valid {
		r.warnings = append(r.warnings, res.Warnings...)
		return RouteValid
	}
	r.lastSQL = r.sql
	r.errors = res.Errors
	r.err = res.Err()
	switch res.Failure {
	case validation.FailureConnection:
		return RouteFail
	case validation.FailurePolicy:
		return RouteBlocked
	}
	return RouteInvalid
}

func (p *Pipeline) correct(ctx context.Context, r *run) Route {
	if r.attempts >= p.opts.MaxAttempts-1 {
		return RouteExhausted
	}
	r.attempts++
	attempt, err := p.deps.Corrector.Propose(ctx, correction.Request{
		TenantID:  r.req.TenantID,
		Dialect:   r.dialect,
		Iteration: r.attempts,
		FailedSQL: r.sql,
		Errors:    r.errors,
		Scope:     r.scope,
		Query:     r.query,
	})
	r.corrections = append(r.corrections, attempt)

	switch {
	case err == nil:
		r.sql = attempt.ProposedSQL
		return RouteRetry
	case ctx.Err() != nil:
		r.err = ctx.Err()
		return RouteFail
	case errors.Is(err, correction.ErrIdenticalFix):
		r.errors = append([]string{correction.IdenticalFixMessage(attempt.Note)}, r.errors...)
	default:
		observability.LoggerForContext(ctx, p.logger).Warn("sql correction failed", "iteration", r.attempts, "error", err)
	}
	if r.attempts >= p.opts.MaxAttempts-1 {
		return RouteExhausted
	}
	return RouteAgain
}

func (p *Pipeline) finish(stage Stage, r *run) Response {
	resp := Response{
		RunID:       r.id,
		Dialect:     string(r.dialect),
		Warnings:    enforcer.Dedupe(r.warnings),
		Attempts:    r.attempts,
		Corrections: r.corrections,
		Tables:      r.tables,
		Refinement:  r.refinement,
		Degraded:    r.degraded,
		Trace:       r.trace,
		Message:     r.message,
	}
	switch stage {
	case StageRespond:
		resp.Outcome = OutcomeSuccess
		resp.SQL = r.sql
		p.deps.Threads.Save(r.req.TenantID, r.req.ConversationID, ThreadState{
			Message: r.req.Message,
			Query:   r.query,
			SQL:     r.sql,
			Tables:  r.tables,
			SavedAt: p.now().UTC(),
		})
		return resp
	case StageNoMatch:
		resp.Outcome = OutcomeNoMatch
		return resp
	case StageDirectResponse:
		resp.Outcome = OutcomeDirect
		return resp
	case StageBlocked:
		resp.Outcome = OutcomeBlocked
		resp.Message = blockedMessage
	default:
		resp.Outcome = OutcomeFailed
		resp.LastSQL = r.lastSQL
	}
	if r.err == nil {
		r.err = qerr.New(qerr.KindInternal, "pipeline stopped without a result")
	}
	resp.Err = r.err
	resp.ErrorKind = qerr.KindOf(r.err)
	resp.Error = qerr.Message(r.err)
	return resp
}

func directReply(in nl2sql.Intent) string {
	if strings.TrimSpace(in.DirectResponse) != "" {
		return in.DirectResponse
	}
	if in.Ambiguous && len(in.ClarifyingQuestions) > 0 {
		return strings.Join(in.ClarifyingQuestions, "\n")
	}
	switch {
	case in.Ambiguous:
		return ambiguousReply
	case in.Kind == nl2sql.IntentGreeting:
		return greetingReply
	case in.Kind == nl2sql.IntentDataGuide:
		return guideReply
	}
	return offTopicReply
}

func knownTables(cat *catalog.Catalog, names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if t, ok := cat.Table(name); ok {
			out = append(out, t.Name)
		}
	}
	return out
}

func mergeTables(prior, found []string) []string {
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
	if len(out) > relevance.DefaultMaxTables {
		out = out[:relevance.DefaultMaxTables]
	}
	return out
}
