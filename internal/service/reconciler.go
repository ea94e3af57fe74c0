// Package service provides the business logic layer (use cases).
// Reconciler keeps unified_subscriptions consistent with MercadoPago
// preapprovals; the other services build on it.
package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/petgourmet/storefront-api/internal/domain"
	"github.com/petgourmet/storefront-api/internal/infra/observability"
	"github.com/petgourmet/storefront-api/internal/infra/resilience"
	"github.com/petgourmet/storefront-api/internal/port"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var reconcileTracer = otel.Tracer("service/reconciler")

// amountTolerance is how far a preapproval amount may drift from the local
// row and still be considered the same subscription.
const amountTolerance = 0.01

// ReconcilerConfig tunes the reconciler.
type ReconcilerConfig struct {
	PendingExpiry  time.Duration
	BatchSize      int
	MaxConcurrency int
	Interval       time.Duration
}

// Reconciler compares local subscriptions with MercadoPago and applies
// allowed state transitions.
type Reconciler struct {
	subs     port.SubscriptionStore
	gateway  port.PaymentGateway
	cfg      ReconcilerConfig
	bulkhead *resilience.Bulkhead
	metrics  *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewReconciler creates a Reconciler.
func NewReconciler(subs port.SubscriptionStore, gateway port.PaymentGateway, cfg ReconcilerConfig, metrics *observability.Metrics, logger *zap.Logger) *Reconciler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	// PostgREST pages are capped at 1000 rows.
	if cfg.BatchSize > 1000 {
		cfg.BatchSize = 1000
	}
	return &Reconciler{
		subs:     subs,
		gateway:  gateway,
		cfg:      cfg,
		bulkhead: resilience.NewBulkhead(cfg.MaxConcurrency),
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Reconcile resolves the MercadoPago preapproval of sub and brings the
// local row in line with it.
func (r *Reconciler) Reconcile(ctx context.Context, sub *domain.Subscription) (*domain.ReconcileResult, error) {
	ctx, span := reconcileTracer.Start(ctx, "Reconciler.Reconcile")
	defer span.End()
	span.SetAttributes(attribute.Int64("subscription.id", sub.ID))

	start := time.Now()
	defer func() { r.metrics.RecordRequestDuration("reconcile", time.Since(start)) }()

	remote, searched, err := r.resolve(ctx, sub)
	if err != nil {
		r.metrics.IncrReconcile(domain.ReconcileError)
		return nil, fmt.Errorf("resolve preapproval for subscription %d: %w", sub.ID, err)
	}
	if remote == nil {
		return r.unresolved(ctx, sub)
	}
	return r.apply(ctx, sub, remote, searched)
}

// ReconcileWith applies an already fetched preapproval to sub.
func (r *Reconciler) ReconcileWith(ctx context.Context, sub *domain.Subscription, remote *domain.Preapproval) (*domain.ReconcileResult, error) {
	ctx, span := reconcileTracer.Start(ctx, "Reconciler.ReconcileWith")
	defer span.End()
	span.SetAttributes(attribute.Int64("subscription.id", sub.ID), attribute.String("preapproval.id", remote.ID))

	return r.apply(ctx, sub, remote, sub.MercadoPagoSubscriptionID != remote.ID)
}

// resolve finds the preapproval for sub: by stored id, then by
// external_reference, then by payer email and amount. searched reports
// whether the result came from a search and needs linking.
func (r *Reconciler) resolve(ctx context.Context, sub *domain.Subscription) (remote *domain.Preapproval, searched bool, err error) {
	if sub.MercadoPagoSubscriptionID != "" {
		p, err := r.gateway.GetPreapproval(ctx, sub.MercadoPagoSubscriptionID)
		if err == nil {
			return p, false, nil
		}
		var notFound *domain.ErrNotFound
		if !errors.As(err, &notFound) {
			return nil, false, err
		}
		r.logger.Warn("stored preapproval id not found, searching",
			zap.Int64("subscription_id", sub.ID),
			zap.String("preapproval_id", sub.MercadoPagoSubscriptionID),
		)
	}

	if sub.ExternalReference != "" {
		found, err := r.gateway.SearchPreapprovals(ctx, domain.PreapprovalSearch{ExternalReference: sub.ExternalReference})
		if err != nil {
			return nil, false, err
		}
		found = lo.Filter(found, func(p domain.Preapproval, _ int) bool {
			return p.ExternalReference == "" || p.ExternalReference == sub.ExternalReference
		})
		if len(found) > 0 {
			newest := newestFirst(found)[0]
			return &newest, true, nil
		}
	}

	if sub.CustomerEmail == "" {
		return nil, false, nil
	}
	found, err := r.gateway.SearchPreapprovals(ctx, domain.PreapprovalSearch{PayerEmail: sub.CustomerEmail})
	if err != nil {
		return nil, false, err
	}
	candidates := lo.Filter(found, func(p domain.Preapproval, _ int) bool {
		return math.Abs(p.AutoRecurring.TransactionAmount-sub.TransactionAmount) <= amountTolerance
	})
	for _, c := range newestFirst(candidates) {
		linked, err := r.linkedElsewhere(ctx, sub, c.ID)
		if err != nil {
			return nil, false, err
		}
		if !linked {
			return &c, true, nil
		}
	}
	return nil, false, nil
}

// linkedElsewhere reports whether preapprovalID already belongs to another row.
func (r *Reconciler) linkedElsewhere(ctx context.Context, sub *domain.Subscription, preapprovalID string) (bool, error) {
	other, err := r.subs.GetSubscriptionByPreapprovalID(ctx, preapprovalID)
	if err != nil {
		var notFound *domain.ErrNotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, err
	}
	return other.ID != sub.ID, nil
}

func newestFirst(ps []domain.Preapproval) []domain.Preapproval {
	out := append([]domain.Preapproval(nil), ps...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].DateCreated, out[j].DateCreated
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
	return out
}

// unresolved handles a subscription with no preapproval at MercadoPago.
// Pending rows past the expiry window become expired.
func (r *Reconciler) unresolved(ctx context.Context, sub *domain.Subscription) (*domain.ReconcileResult, error) {
	now := r.now().UTC()
	res := &domain.ReconcileResult{
		SubscriptionID: sub.ID,
		Action:         domain.ReconcileNotFound,
		From:           sub.Status,
		To:             sub.Status,
	}

	if sub.Status == domain.SubscriptionPending && r.cfg.PendingExpiry > 0 && now.Sub(sub.CreatedAt) > r.cfg.PendingExpiry {
		expired := domain.SubscriptionExpired
		updated, applied, err := r.subs.TransitionSubscription(ctx, sub.ID, sub.Status, domain.SubscriptionPatch{
			Status:     &expired,
			LastSyncAt: &now,
		})
		if err != nil {
			r.metrics.IncrReconcile(domain.ReconcileError)
			return nil, err
		}
		if !applied {
			return r.finish(res, domain.ReconcileConflict, "status changed concurrently", nil), nil
		}
		r.metrics.IncrTransition(sub.Status, expired)
		res.To = expired
		r.logger.Info("pending subscription expired",
			zap.Int64("subscription_id", sub.ID),
			zap.String("external_reference", sub.ExternalReference),
		)
		return r.finish(res, domain.ReconcileExpired, "no preapproval found before expiry", updated), nil
	}

	updated, err := r.subs.UpdateSubscription(ctx, sub.ID, domain.SubscriptionPatch{LastSyncAt: &now})
	if err != nil {
		r.metrics.IncrReconcile(domain.ReconcileError)
		return nil, err
	}
	return r.finish(res, domain.ReconcileNotFound, "no matching preapproval", updated), nil
}

// apply moves sub towards the state of remote.
func (r *Reconciler) apply(ctx context.Context, sub *domain.Subscription, remote *domain.Preapproval, link bool) (*domain.ReconcileResult, error) {
	now := r.now().UTC()
	res := &domain.ReconcileResult{
		SubscriptionID: sub.ID,
		PreapprovalID:  remote.ID,
		From:           sub.Status,
		To:             sub.Status,
	}
	log := r.logger.With(
		zap.Int64("subscription_id", sub.ID),
		zap.String("external_reference", sub.ExternalReference),
		zap.String("preapproval_id", remote.ID),
	)

	patch := domain.SubscriptionPatch{LastSyncAt: &now}
	if link {
		id := remote.ID
		patch.MercadoPagoSubscriptionID = &id
		if remote.ExternalReference != "" && remote.ExternalReference != sub.ExternalReference {
			ref := remote.ExternalReference
			patch.ExternalReference = &ref
		}
		res.Linked = true
		log.Info("linking subscription to preapproval")
	}
	if remote.InitPoint != "" && sub.InitPoint == "" {
		ip := remote.InitPoint
		patch.InitPoint = &ip
	}
	if remote.NextPaymentDate != nil {
		next := *remote.NextPaymentDate
		patch.NextBillingDate = &next
	}
	if remote.Summarized != nil && remote.Summarized.ChargedQuantity > sub.ChargesMade {
		charged := remote.Summarized.ChargedQuantity
		patch.ChargesMade = &charged
	}

	target, known := domain.StatusFromPreapproval(remote.Status)
	switch {
	case !known:
		log.Warn("unknown preapproval status", zap.String("remote_status", remote.Status))
		updated, err := r.subs.UpdateSubscription(ctx, sub.ID, patch)
		if err != nil {
			r.metrics.IncrReconcile(domain.ReconcileError)
			return nil, err
		}
		return r.finish(res, r.unchangedOrLinked(link), "unknown remote status "+remote.Status, updated), nil

	case target == sub.Status:
		updated, err := r.subs.UpdateSubscription(ctx, sub.ID, patch)
		if err != nil {
			r.metrics.IncrReconcile(domain.ReconcileError)
			return nil, err
		}
		return r.finish(res, r.unchangedOrLinked(link), "", updated), nil

	case !sub.Status.CanTransitionTo(target):
		log.Warn("preapproval status conflicts with local state",
			zap.String("local_status", string(sub.Status)),
			zap.String("remote_status", remote.Status),
		)
		// Keep the link and sync timestamp; the status stays as is.
		conflictPatch := domain.SubscriptionPatch{
			LastSyncAt:                patch.LastSyncAt,
			MercadoPagoSubscriptionID: patch.MercadoPagoSubscriptionID,
			ExternalReference:         patch.ExternalReference,
		}
		updated, err := r.subs.UpdateSubscription(ctx, sub.ID, conflictPatch)
		if err != nil {
			r.metrics.IncrReconcile(domain.ReconcileError)
			return nil, err
		}
		res.To = target
		return r.finish(res, domain.ReconcileConflict,
			fmt.Sprintf("transition %s -> %s not allowed", sub.Status, target), updated), nil
	}

	patch.Status = &target
	if target == domain.SubscriptionCancelled {
		patch.CancelledAt = &now
	}
	updated, applied, err := r.subs.TransitionSubscription(ctx, sub.ID, sub.Status, patch)
	if err != nil {
		r.metrics.IncrReconcile(domain.ReconcileError)
		return nil, err
	}
	if !applied {
		log.Warn("subscription changed concurrently, transition skipped", zap.String("target_status", string(target)))
		return r.finish(res, domain.ReconcileConflict, "status changed concurrently", nil), nil
	}

	r.metrics.IncrTransition(sub.Status, target)
	res.To = target
	log.Info("subscription status reconciled",
		zap.String("from", string(sub.Status)),
		zap.String("to", string(target)),
	)
	return r.finish(res, domain.ReconcileUpdated, "", updated), nil
}

func (r *Reconciler) unchangedOrLinked(link bool) string {
	if link {
		return domain.ReconcileLinked
	}
	return domain.ReconcileUnchanged
}

func (r *Reconciler) finish(res *domain.ReconcileResult, action, detail string, sub *domain.Subscription) *domain.ReconcileResult {
	res.Action = action
	res.Detail = detail
	res.Subscription = sub
	r.metrics.IncrReconcile(action)
	return res
}

// ============================================================
// Bulk sync
// ============================================================

// SyncAll reconciles every subscription matching filter with bounded
// concurrency. Rows are read in pages of cfg.BatchSize, keyed on id so rows
// that change status mid-run do not shift the next page. A positive
// filter.Limit caps the total. Failures of single rows are reported, not
// returned.
func (r *Reconciler) SyncAll(ctx context.Context, filter domain.SubscriptionFilter) (*domain.SyncReport, error) {
	ctx, span := reconcileTracer.Start(ctx, "Reconciler.SyncAll")
	defer span.End()

	if len(filter.Statuses) == 0 {
		filter.Statuses = []domain.SubscriptionStatus{
			domain.SubscriptionPending,
			domain.SubscriptionActive,
			domain.SubscriptionPaused,
			domain.SubscriptionSuspended,
		}
	}
	batch := r.cfg.BatchSize
	total := filter.Limit

	page := filter
	page.Offset = 0
	report := &domain.SyncReport{}
	var results []*domain.ReconcileResult
	for {
		size := batch
		if total > 0 && total-report.Scanned < size {
			size = total - report.Scanned
		}
		page.Limit = size

		subs, err := r.subs.ListSubscriptions(ctx, page)
		if err != nil {
			return nil, fmt.Errorf("list subscriptions: %w", err)
		}
		pageResults, err := r.syncPage(ctx, subs)
		if err != nil {
			return nil, err
		}
		results = append(results, pageResults...)
		report.Scanned += len(subs)

		if len(subs) < size {
			break
		}
		if total > 0 && report.Scanned >= total {
			report.HasMore = true
			break
		}
		page.AfterID = subs[len(subs)-1].ID
	}
	span.SetAttributes(attribute.Int("sync.scanned", report.Scanned))

	sort.Slice(results, func(i, j int) bool { return results[i].SubscriptionID < results[j].SubscriptionID })
	report.Results = results
	report.Actions = lo.CountValuesBy(results, func(r *domain.ReconcileResult) string { return r.Action })

	r.logger.Info("subscription sync finished",
		zap.Int("scanned", report.Scanned),
		zap.Bool("has_more", report.HasMore),
		zap.Any("actions", report.Actions),
	)
	return report, nil
}

func (r *Reconciler) syncPage(ctx context.Context, subs []domain.Subscription) ([]*domain.ReconcileResult, error) {
	var (
		mu      sync.Mutex
		results = make([]*domain.ReconcileResult, 0, len(subs))
	)

	g, gCtx := errgroup.WithContext(ctx)
	for i := range subs {
		sub := &subs[i]
		g.Go(func() error {
			if err := r.bulkhead.Acquire(gCtx); err != nil {
				return err
			}
			defer r.bulkhead.Release()

			res, err := r.Reconcile(gCtx, sub)
			if err != nil {
				r.logger.Error("reconcile failed",
					zap.Int64("subscription_id", sub.ID),
					zap.Error(err),
				)
				res = &domain.ReconcileResult{
					SubscriptionID: sub.ID,
					Action:         domain.ReconcileError,
					From:           sub.Status,
					To:             sub.Status,
					Detail:         err.Error(),
				}
			}
			res.Subscription = nil

			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Run calls SyncAll every cfg.Interval until ctx is done. A zero interval
// disables the worker.
func (r *Reconciler) Run(ctx context.Context) {
	if r.cfg.Interval <= 0 {
		r.logger.Info("subscription sync worker disabled")
		return
	}
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("subscription sync worker started", zap.Duration("interval", r.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("subscription sync worker stopped")
			return
		case <-ticker.C:
			// Skip rows synced within the last interval, they were just checked.
			cutoff := r.now().Add(-r.cfg.Interval)
			if _, err := r.SyncAll(ctx, domain.SubscriptionFilter{SyncedBefore: &cutoff}); err != nil && ctx.Err() == nil {
				r.logger.Error("periodic subscription sync failed", zap.Error(err))
			}
		}
	}
}
