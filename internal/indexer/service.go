// Package indexer rebuilds the per-tenant table embedding index that the
// relevance scorer searches.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/duckmesh/querygen/internal/bus"
	"github.com/duckmesh/querygen/internal/cache"
	"github.com/duckmesh/querygen/internal/catalog"
	"github.com/duckmesh/querygen/internal/indexstore"
	"github.com/duckmesh/querygen/internal/nl2sql"
	"github.com/duckmesh/querygen/internal/observability"
)

type Catalog interface {
	ListTenants(ctx context.Context) ([]catalog.Tenant, error)
	LoadCatalog(ctx context.Context, tenantID string) (*catalog.Catalog, error)
	LoadSensitivityRules(ctx context.Context, tenantID string) (catalog.SensitivityRules, error)
	LoadEmbeddings(ctx context.Context, tenantID string) ([]catalog.TableEmbedding, error)
	UpsertEmbeddings(ctx context.Context, tenantID string, embeddings []catalog.TableEmbedding) error
}

type Service struct {
	Catalog     Catalog
	Embedder    nl2sql.Embedder
	Snapshots   *indexstore.Store
	Invalidator cache.Invalidator
	// Queue, when set, delivers on-demand rebuilds between full passes.
	Queue  bus.ReindexQueue
	Config Config
	Logger *slog.Logger
	Clock  func() time.Time
}

type Config struct {
	Interval     time.Duration
	BatchSize    int
	Model        string
	ConsumerID   string
	ClaimLimit   int
	LeaseSeconds int
	PollInterval time.Duration
}

type Summary struct {
	TenantID string
	Embedded int
	Reused   int
	Snapshot string
	Pruned   string
}

// Run rebuilds every tenant each Interval and, with a Queue, drains
// reindex requests each PollInterval.
func (s *Service) Run(ctx context.Context) error {
	s.ensureDefaults()

	full := time.NewTicker(s.Config.Interval)
	defer full.Stop()
	var poll <-chan time.Time
	if s.Queue != nil {
		pollTicker := time.NewTicker(s.Config.PollInterval)
		defer pollTicker.Stop()
		poll = pollTicker.C
	}

	s.runFullPass(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-full.C:
			s.runFullPass(ctx)
		case <-poll:
			if _, err := s.DrainQueue(ctx); err != nil && s.Logger != nil {
				s.Logger.ErrorContext(ctx, "reindex queue drain failed", slog.Any("error", err))
			}
		}
	}
}

func (s *Service) runFullPass(ctx context.Context) {
	if _, err := s.ProcessOnce(ctx); err != nil && s.Logger != nil {
		s.Logger.ErrorContext(ctx, "indexer cycle failed", slog.Any("error", err))
	}
}

// DrainQueue claims pending reindex jobs and rebuilds their tenants. A job
// for the same tenant claimed twice in one batch is rebuilt once.
func (s *Service) DrainQueue(ctx context.Context) ([]Summary, error) {
	s.ensureDefaults()
	if s.Queue == nil {
		return nil, nil
	}
	if requeued, err := s.Queue.RequeueExpired(ctx); err != nil {
		return nil, fmt.Errorf("requeue expired jobs: %w", err)
	} else if requeued > 0 && s.Logger != nil {
		s.Logger.WarnContext(ctx, "requeued expired reindex jobs", slog.Int("count", requeued))
	}

	claim, err := s.Queue.Claim(ctx, s.Config.ConsumerID, s.Config.ClaimLimit, s.Config.LeaseSeconds)
	if err != nil {
		return nil, fmt.Errorf("claim reindex jobs: %w", err)
	}

	byTenant := make(map[string][]string)
	var order []string
	for _, job := range claim.Jobs {
		if _, ok := byTenant[job.TenantID]; !ok {
			order = append(order, job.TenantID)
		}
		byTenant[job.TenantID] = append(byTenant[job.TenantID], job.JobID)
	}

	var summaries []Summary
	var errs []error
	for _, tenantID := range order {
		jobIDs := byTenant[tenantID]
		summary, err := s.RebuildTenant(ctx, tenantID)
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenantID, err))
			if nackErr := s.Queue.Nack(ctx, s.Config.ConsumerID, jobIDs, err.Error()); nackErr != nil {
				errs = append(errs, fmt.Errorf("nack tenant %s: %w", tenantID, nackErr))
			}
			continue
		}
		if err := s.Queue.Ack(ctx, s.Config.ConsumerID, jobIDs); err != nil {
			errs = append(errs, fmt.Errorf("ack tenant %s: %w", tenantID, err))
		}
		summaries = append(summaries, summary)
	}
	return summaries, errors.Join(errs...)
}

// ProcessOnce rebuilds every active tenant. A failing tenant does not stop
// the others; their errors are joined.
func (s *Service) ProcessOnce(ctx context.Context) ([]Summary, error) {
	s.ensureDefaults()
	tenants, err := s.Catalog.ListTenants(ctx)
	if err != nil {
		err = fmt.Errorf("list tenants: %w", err)
		observability.ObserveIndexerRun(err, 0)
		return nil, err
	}

	var (
		summaries []Summary
		errs      []error
		embedded  int
	)
	for _, tenant := range tenants {
		if tenant.Status != "" && !strings.EqualFold(tenant.Status, "active") {
			continue
		}
		summary, err := s.RebuildTenant(ctx, tenant.TenantID)
		if err != nil {
			if ctx.Err() != nil {
				return summaries, ctx.Err()
			}
			errs = append(errs, fmt.Errorf("rebuild tenant %s: %w", tenant.TenantID, err))
			continue
		}
		embedded += summary.Embedded
		summaries = append(summaries, summary)
	}

	err = errors.Join(errs...)
	observability.ObserveIndexerRun(err, embedded)
	return summaries, err
}

// RebuildTenant embeds every queryable table whose content or model
// changed since the stored embedding and publishes a fresh snapshot.
func (s *Service) RebuildTenant(ctx context.Context, tenantID string) (Summary, error) {
	s.ensureDefaults()
	summary := Summary{TenantID: tenantID}

	cat, err := s.Catalog.LoadCatalog(ctx, tenantID)
	if err != nil {
		return summary, fmt.Errorf("load catalog: %w", err)
	}
	rules, err := s.Catalog.LoadSensitivityRules(ctx, tenantID)
	if err != nil && !errors.Is(err, catalog.ErrNotFound) {
		return summary, fmt.Errorf("load sensitivity rules: %w", err)
	}
	view := catalog.ApplySensitivity(cat, rules)

	existing, err := s.Catalog.LoadEmbeddings(ctx, tenantID)
	if err != nil && !errors.Is(err, catalog.ErrNotFound) {
		return summary, fmt.Errorf("load embeddings: %w", err)
	}
	stored := make(map[string]catalog.TableEmbedding, len(existing))
	for _, e := range existing {
		stored[strings.ToLower(e.TableName)] = e
	}

	var current, pending []catalog.TableEmbedding
	now := s.Clock().UTC()
	for _, t := range view.Tables {
		if !t.Queryable {
			continue
		}
		content := TableContent(t)
		if prev, ok := stored[strings.ToLower(t.Name)]; ok && prev.Content == content && prev.Model == s.Config.Model && len(prev.Vector) > 0 {
			current = append(current, prev)
			summary.Reused++
			continue
		}
		vector, err := s.Embedder.Embed(ctx, content)
		if err != nil {
			return summary, fmt.Errorf("embed table %s: %w", t.Name, err)
		}
		e := catalog.TableEmbedding{TableName: t.Name, Content: content, Model: s.Config.Model, Vector: vector, UpdatedAt: now}
		pending = append(pending, e)
		current = append(current, e)
	}

	for start := 0; start < len(pending); start += s.Config.BatchSize {
		end := start + s.Config.BatchSize
		if end > len(pending) {
			end = len(pending)
		}
		if err := s.Catalog.UpsertEmbeddings(ctx, tenantID, pending[start:end]); err != nil {
			return summary, fmt.Errorf("upsert embeddings: %w", err)
		}
	}
	summary.Embedded = len(pending)

	if s.Snapshots != nil && len(current) > 0 && (len(pending) > 0 || len(existing) != len(current)) {
		snap, err := s.Snapshots.Save(ctx, tenantID, current, now)
		if err != nil {
			return summary, fmt.Errorf("save index snapshot: %w", err)
		}
		summary.Snapshot = snap.Key
		summary.Pruned = snap.Pruned
	}
	if s.Invalidator != nil && summary.Embedded > 0 {
		s.Invalidator.Invalidate(tenantID)
	}

	if s.Logger != nil {
		s.Logger.InfoContext(ctx, "indexer rebuilt tenant",
			slog.String("tenant_id", tenantID),
			slog.Int("embedded", summary.Embedded),
			slog.Int("reused", summary.Reused),
			slog.String("snapshot", summary.Snapshot),
			slog.String("pruned", summary.Pruned),
		)
	}
	return summary, nil
}

func (s *Service) ensureDefaults() {
	if s.Clock == nil {
		s.Clock = time.Now
	}
	if s.Config.Interval <= 0 {
		s.Config.Interval = 15 * time.Minute
	}
	if s.Config.BatchSize <= 0 {
		s.Config.BatchSize = 64
	}
	if s.Config.ConsumerID == "" {
		s.Config.ConsumerID = "indexer"
	}
	if s.Config.PollInterval <= 0 {
		s.Config.PollInterval = 5 * time.Second
	}
}
