package domain

// ============================================================
// Health, stats & reconciliation reports
// ============================================================

// HealthStatus is returned by GET /healthz.
type HealthStatus struct {
	Status   string          `json:"status"` // healthy, degraded, unhealthy
	Services []ServiceHealth `json:"services"`
}

// ServiceHealth represents the health of an individual dependency.
type ServiceHealth struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	LatencyMs   int64  `json:"latencyMs"`
	LastChecked string `json:"lastChecked"`
}

// Reconcile actions.
const (
	ReconcileUnchanged = "unchanged"
	ReconcileUpdated   = "updated"
	ReconcileLinked    = "linked"
	ReconcileConflict  = "conflict"
	ReconcileNotFound  = "not_found"
	ReconcileExpired   = "expired"
	ReconcileError     = "error"
)

// ReconcileResult describes what reconciling one subscription did.
type ReconcileResult struct {
	SubscriptionID int64              `json:"subscription_id"`
	PreapprovalID  string             `json:"preapproval_id,omitempty"`
	Action         string             `json:"action"`
	From           SubscriptionStatus `json:"from"`
	To             SubscriptionStatus `json:"to"`
	Linked         bool               `json:"linked,omitempty"`
	Detail         string             `json:"detail,omitempty"`
	Subscription   *Subscription      `json:"subscription,omitempty"`
}

// SyncReport summarises a bulk sync.
type SyncReport struct {
	Scanned int                `json:"scanned"`
	HasMore bool               `json:"has_more"`
	Actions map[string]int     `json:"actions"`
	Results []*ReconcileResult `json:"results"`
}

// StatsSnapshot is returned by GET /api/admin/stats.
type StatsSnapshot struct {
	WebhooksProcessed  float64            `json:"webhooksProcessed"`
	WebhooksDuplicated float64            `json:"webhooksDuplicated"`
	WebhooksFailed     float64            `json:"webhooksFailed"`
	ReconcileActions   map[string]float64 `json:"reconcileActions"`
	ExternalErrors     map[string]float64 `json:"externalErrors"`
	CacheHitRate       float64            `json:"cacheHitRate"`
}

// ListResponse wraps paginated list results.
type ListResponse[T any] struct {
	Data     []T  `json:"data"`
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	HasMore  bool `json:"has_more"`
}
