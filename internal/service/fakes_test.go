package service_test

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/petgourmet/storefront-api/internal/domain"
	"github.com/petgourmet/storefront-api/internal/infra/observability"
	"github.com/petgourmet/storefront-api/internal/service"

	"go.uber.org/zap"
)

// --- Subscription store ---

type memSubs struct {
	mu     sync.Mutex
	rows   map[int64]*domain.Subscription
	nextID int64

	// beforeTransition runs inside TransitionSubscription, before the guard
	// is checked, to simulate a concurrent writer.
	beforeTransition func(row *domain.Subscription)

	// failWrites is returned by the next N subscription writes.
	failWrites int
	lists      int
}

func (m *memSubs) writeFailure() error {
	if m.failWrites > 0 {
		m.failWrites--
		return &domain.ErrExternalService{Service: "supabase", Err: fmt.Errorf("connection reset")}
	}
	return nil
}

func newMemSubs(rows ...domain.Subscription) *memSubs {
	m := &memSubs{rows: map[int64]*domain.Subscription{}, nextID: 100}
	for i := range rows {
		r := rows[i]
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now()
		}
		m.rows[r.ID] = &r
	}
	return m
}

func (m *memSubs) get(id int64) domain.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[id]
}

func (m *memSubs) CreateSubscription(_ context.Context, sub *domain.Subscription) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	row := *sub
	row.ID = m.nextID
	row.CreatedAt = time.Now()
	m.rows[row.ID] = &row
	out := row
	return &out, nil
}

func (m *memSubs) GetSubscription(_ context.Context, id int64) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rows[id]; ok {
		out := *r
		return &out, nil
	}
	return nil, &domain.ErrNotFound{Resource: "subscription", ID: fmt.Sprint(id)}
}

func (m *memSubs) findBy(match func(*domain.Subscription) bool, id string) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if match(r) {
			out := *r
			return &out, nil
		}
	}
	return nil, &domain.ErrNotFound{Resource: "subscription", ID: id}
}

func (m *memSubs) GetSubscriptionByExternalReference(_ context.Context, ref string) (*domain.Subscription, error) {
	return m.findBy(func(r *domain.Subscription) bool { return r.ExternalReference == ref }, ref)
}

func (m *memSubs) GetSubscriptionByPreapprovalID(_ context.Context, id string) (*domain.Subscription, error) {
	return m.findBy(func(r *domain.Subscription) bool { return r.MercadoPagoSubscriptionID == id }, id)
}

func (m *memSubs) ListSubscriptionsByUser(_ context.Context, userID string) ([]domain.Subscription, error) {
	return m.list(func(r *domain.Subscription) bool { return r.UserID == userID }), nil
}

func (m *memSubs) ListSubscriptions(_ context.Context, f domain.SubscriptionFilter) ([]domain.Subscription, error) {
	out := m.list(func(r *domain.Subscription) bool {
		if len(f.Statuses) > 0 {
			ok := false
			for _, s := range f.Statuses {
				ok = ok || s == r.Status
			}
			if !ok {
				return false
			}
		}
		if f.SyncedBefore != nil && r.LastSyncAt != nil && !r.LastSyncAt.Before(*f.SyncedBefore) {
			return false
		}
		return r.ID > f.AfterID
	})
	m.mu.Lock()
	m.lists++
	m.mu.Unlock()
	if f.Offset > 0 {
		if f.Offset > len(out) {
			f.Offset = len(out)
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memSubs) list(match func(*domain.Subscription) bool) []domain.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Subscription
	for _, r := range m.rows {
		if match(r) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memSubs) UpdateSubscription(_ context.Context, id int64, p domain.SubscriptionPatch) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeFailure(); err != nil {
		return nil, err
	}
	r, ok := m.rows[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "subscription", ID: fmt.Sprint(id)}
	}
	applyPatch(r, p)
	out := *r
	return &out, nil
}

func (m *memSubs) TransitionSubscription(_ context.Context, id int64, expected domain.SubscriptionStatus, p domain.SubscriptionPatch) (*domain.Subscription, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeFailure(); err != nil {
		return nil, false, err
	}
	r, ok := m.rows[id]
	if !ok {
		return nil, false, nil
	}
	if m.beforeTransition != nil {
		m.beforeTransition(r)
	}
	if r.Status != expected {
		return nil, false, nil
	}
	applyPatch(r, p)
	out := *r
	return &out, true, nil
}

func applyPatch(r *domain.Subscription, p domain.SubscriptionPatch) {
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.ExternalReference != nil {
		r.ExternalReference = *p.ExternalReference
	}
	if p.MercadoPagoSubscriptionID != nil {
		r.MercadoPagoSubscriptionID = *p.MercadoPagoSubscriptionID
	}
	if p.InitPoint != nil {
		r.InitPoint = *p.InitPoint
	}
	if p.NextBillingDate != nil {
		t := *p.NextBillingDate
		r.NextBillingDate = &t
	}
	if p.LastBillingDate != nil {
		t := *p.LastBillingDate
		r.LastBillingDate = &t
	}
	if p.ChargesMade != nil {
		r.ChargesMade = *p.ChargesMade
	}
	if p.LastPaymentID != nil {
		r.LastPaymentID = *p.LastPaymentID
	}
	if p.CancelledAt != nil {
		t := *p.CancelledAt
		r.CancelledAt = &t
	}
	if p.LastSyncAt != nil {
		t := *p.LastSyncAt
		r.LastSyncAt = &t
	}
}

// --- Billing store ---

type memBilling struct {
	mu   sync.Mutex
	rows map[string]domain.BillingRecord

	// failInserts is returned by the next N inserts.
	failInserts int
}

func newMemBilling() *memBilling { return &memBilling{rows: map[string]domain.BillingRecord{}} }

func (m *memBilling) RecordBilling(_ context.Context, rec *domain.BillingRecord) (*domain.BillingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInserts > 0 {
		m.failInserts--
		return nil, &domain.ErrExternalService{Service: "supabase", Err: fmt.Errorf("connection reset")}
	}
	if _, ok := m.rows[rec.MercadoPagoPaymentID]; ok {
		return nil, &domain.ErrDuplicate{Key: "billing_history:" + rec.MercadoPagoPaymentID}
	}
	m.rows[rec.MercadoPagoPaymentID] = *rec
	out := *rec
	return &out, nil
}

func (m *memBilling) ListBillingHistory(_ context.Context, subscriptionID int64) ([]domain.BillingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BillingRecord
	for _, r := range m.rows {
		if r.SubscriptionID == subscriptionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memBilling) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// --- Order store ---

type memOrders struct {
	mu     sync.Mutex
	rows   map[int64]*domain.Order
	nextID int64

	// beforeAdvance runs inside AdvancePaymentStatus, before the guard is
	// checked, to simulate a concurrent writer.
	beforeAdvance func(row *domain.Order)
}

func newMemOrders(rows ...domain.Order) *memOrders {
	m := &memOrders{rows: map[int64]*domain.Order{}, nextID: 500}
	for i := range rows {
		r := rows[i]
		m.rows[r.ID] = &r
	}
	return m
}

func (m *memOrders) get(id int64) domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[id]
}

func (m *memOrders) CreateOrder(_ context.Context, o *domain.Order) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	row := *o
	row.ID = m.nextID
	m.rows[row.ID] = &row
	out := row
	return &out, nil
}

func (m *memOrders) GetOrder(_ context.Context, id int64) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rows[id]; ok {
		out := *r
		return &out, nil
	}
	return nil, &domain.ErrNotFound{Resource: "order", ID: fmt.Sprint(id)}
}

func (m *memOrders) UpdateOrder(_ context.Context, id int64, fields map[string]any) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "order", ID: fmt.Sprint(id)}
	}
	applyOrderFields(r, fields)
	out := *r
	return &out, nil
}

func (m *memOrders) AdvancePaymentStatus(_ context.Context, id int64, from []domain.PaymentStatus, fields map[string]any) (*domain.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return nil, false, nil
	}
	if m.beforeAdvance != nil {
		m.beforeAdvance(r)
	}
	allowed := false
	for _, st := range from {
		allowed = allowed || st == r.PaymentStatus
	}
	if !allowed {
		return nil, false, nil
	}
	applyOrderFields(r, fields)
	out := *r
	return &out, true, nil
}

func applyOrderFields(r *domain.Order, fields map[string]any) {
	for k, v := range fields {
		switch k {
		case "status":
			r.Status = fmt.Sprint(v)
		case "payment_status":
			r.PaymentStatus = domain.PaymentStatus(fmt.Sprint(v))
		case "mercadopago_payment_id":
			r.MercadoPagoPaymentID = fmt.Sprint(v)
		case "mercadopago_preference_id":
			r.MercadoPagoPreferenceID = fmt.Sprint(v)
		case "external_reference":
			r.ExternalReference = fmt.Sprint(v)
		}
	}
}

// --- Webhook log store ---

type memLogs struct {
	mu   sync.Mutex
	rows map[string]*domain.WebhookLog

	// lostInsertAck makes the next insert commit and then report a
	// duplicate, like a retried POST whose first answer was lost.
	lostInsertAck bool
}

func newMemLogs() *memLogs { return &memLogs{rows: map[string]*domain.WebhookLog{}} }

func (m *memLogs) get(key string) domain.WebhookLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[key]
}

func (m *memLogs) GetWebhookLog(_ context.Context, key string) (*domain.WebhookLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rows[key]; ok {
		out := *r
		return &out, nil
	}
	return nil, &domain.ErrNotFound{Resource: "webhook_log", ID: key}
}

func (m *memLogs) InsertWebhookLog(_ context.Context, l *domain.WebhookLog) (*domain.WebhookLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[l.EventKey]; ok {
		return nil, &domain.ErrDuplicate{Key: l.EventKey}
	}
	row := *l
	row.CreatedAt = time.Now()
	m.rows[l.EventKey] = &row
	if m.lostInsertAck {
		m.lostInsertAck = false
		return nil, &domain.ErrDuplicate{Key: l.EventKey}
	}
	out := row
	return &out, nil
}

func (m *memLogs) UpdateWebhookLog(_ context.Context, key string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[key]
	if !ok {
		return &domain.ErrNotFound{Resource: "webhook_log", ID: key}
	}
	for k, v := range fields {
		switch k {
		case "status":
			r.Status = fmt.Sprint(v)
		case "attempts":
			r.Attempts = v.(int)
		case "claim_id":
			r.ClaimID = fmt.Sprint(v)
		case "error_message":
			if v == nil {
				r.ErrorMessage = ""
			} else {
				r.ErrorMessage = fmt.Sprint(v)
			}
		}
	}
	return nil
}

func (m *memLogs) ListWebhookLogs(_ context.Context, status string, limit, offset int) ([]domain.WebhookLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WebhookLog
	for _, r := range m.rows {
		if status == "" || r.Status == status {
			out = append(out, *r)
		}
	}
	return out, nil
}

// --- Payment gateway ---

type fakeGateway struct {
	mu           sync.Mutex
	preapprovals map[string]*domain.Preapproval
	payments     map[string]*domain.Payment
	authorized   map[string]*domain.AuthorizedPayment
	err          error

	created      []domain.PreapprovalRequest
	preferences  []domain.PreferenceRequest
	statusCalls  []string
	searchCalls  []domain.PreapprovalSearch
	createResult *domain.Preapproval
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		preapprovals: map[string]*domain.Preapproval{},
		payments:     map[string]*domain.Payment{},
		authorized:   map[string]*domain.AuthorizedPayment{},
	}
}

func (g *fakeGateway) CreatePreapproval(_ context.Context, req *domain.PreapprovalRequest) (*domain.Preapproval, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.created = append(g.created, *req)
	if g.createResult != nil {
		return g.createResult, nil
	}
	return &domain.Preapproval{ID: "pre-new", Status: domain.PreapprovalPending, InitPoint: "https://mp.test/checkout/pre-new", ExternalReference: req.ExternalReference}, nil
}

func (g *fakeGateway) GetPreapproval(_ context.Context, id string) (*domain.Preapproval, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	if p, ok := g.preapprovals[id]; ok {
		out := *p
		return &out, nil
	}
	return nil, &domain.ErrNotFound{Resource: "preapproval", ID: id}
}

func (g *fakeGateway) UpdatePreapprovalStatus(_ context.Context, id, status string) (*domain.Preapproval, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.statusCalls = append(g.statusCalls, id+":"+status)
	if p, ok := g.preapprovals[id]; ok {
		p.Status = status
	}
	return &domain.Preapproval{ID: id, Status: status}, nil
}

func (g *fakeGateway) SearchPreapprovals(_ context.Context, q domain.PreapprovalSearch) ([]domain.Preapproval, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.searchCalls = append(g.searchCalls, q)
	var out []domain.Preapproval
	for _, p := range g.preapprovals {
		if q.ExternalReference != "" && p.ExternalReference != q.ExternalReference {
			continue
		}
		if q.PayerEmail != "" && !strings.EqualFold(p.PayerEmail, q.PayerEmail) {
			continue
		}
		out = append(out, *p)
	}
	return out, nil
}

func (g *fakeGateway) GetPayment(_ context.Context, id string) (*domain.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	if p, ok := g.payments[id]; ok {
		out := *p
		return &out, nil
	}
	return nil, &domain.ErrNotFound{Resource: "payment", ID: id}
}

func (g *fakeGateway) GetAuthorizedPayment(_ context.Context, id string) (*domain.AuthorizedPayment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	if p, ok := g.authorized[id]; ok {
		out := *p
		return &out, nil
	}
	return nil, &domain.ErrNotFound{Resource: "authorized_payment", ID: id}
}

func (g *fakeGateway) CreatePreference(_ context.Context, req *domain.PreferenceRequest) (*domain.Preference, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.preferences = append(g.preferences, *req)
	return &domain.Preference{ID: "pref-" + req.ExternalReference, InitPoint: "https://mp.test/pay/" + req.ExternalReference}, nil
}

// --- Locker ---

type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocker() *memLocker { return &memLocker{held: map[string]bool{}} }

func (l *memLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
		return nil
	}, nil
}

// --- Notifier ---

type recNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recNotifier) add(kind string, id int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, fmt.Sprintf("%s:%d", kind, id))
	return nil
}

func (n *recNotifier) OrderConfirmed(_ context.Context, o *domain.Order) error {
	return n.add("order_confirmed", o.ID)
}

func (n *recNotifier) SubscriptionActivated(_ context.Context, s *domain.Subscription) error {
	return n.add("subscription_activated", s.ID)
}

func (n *recNotifier) SubscriptionCancelled(_ context.Context, s *domain.Subscription) error {
	return n.add("subscription_cancelled", s.ID)
}

func (n *recNotifier) PaymentFailed(_ context.Context, s *domain.Subscription, _ string) error {
	return n.add("payment_failed", s.ID)
}

func (n *recNotifier) sent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

// --- Wiring ---

type harness struct {
	subs       *memSubs
	billing    *memBilling
	orders     *memOrders
	logs       *memLogs
	gateway    *fakeGateway
	locker     *memLocker
	notifier   *recNotifier
	reconciler *service.Reconciler
	subSvc     *service.SubscriptionService
	orderSvc   *service.OrderService
	webhooks   *service.WebhookService
}

func newHarness(subs *memSubs, orders *memOrders) *harness {
	if subs == nil {
		subs = newMemSubs()
	}
	if orders == nil {
		orders = newMemOrders()
	}
	h := &harness{
		subs:     subs,
		billing:  newMemBilling(),
		orders:   orders,
		logs:     newMemLogs(),
		gateway:  newFakeGateway(),
		locker:   newMemLocker(),
		notifier: &recNotifier{},
	}
	metrics := observability.NewMetrics()
	logger := zap.NewNop()

	h.reconciler = service.NewReconciler(h.subs, h.gateway, service.ReconcilerConfig{
		PendingExpiry:  72 * time.Hour,
		BatchSize:      50,
		MaxConcurrency: 3,
	}, metrics, logger)
	h.subSvc = service.NewSubscriptionService(h.subs, h.billing, h.gateway, h.reconciler, h.locker, h.notifier,
		service.SubscriptionConfig{SiteURL: "https://petgourmet.test", CurrencyID: "MXN", LockTTL: time.Second}, metrics, logger)
	h.orderSvc = service.NewOrderService(h.orders, h.gateway, h.notifier,
		service.OrderConfig{SiteURL: "https://petgourmet.test", WebhookURL: "https://petgourmet.test/api/mercadopago/webhook"}, metrics, logger)
	h.webhooks = service.NewWebhookService(h.logs, h.gateway, h.orderSvc, h.subSvc, h.reconciler, "", metrics, logger)
	return h
}

func ptrTime(t time.Time) *time.Time { return &t }
