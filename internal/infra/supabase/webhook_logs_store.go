package supabase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petgourmet/storefront-api/internal/domain"
)

// ============================================================
// webhook_logs — delivery ledger via PostgREST
// ============================================================

func (c *Client) GetWebhookLog(ctx context.Context, eventKey string) (*domain.WebhookLog, error) {
	ctx, span := tracer.Start(ctx, "Supabase.GetWebhookLog")
	defer span.End()

	body, err := c.doGet(ctx, fmt.Sprintf("webhook_logs?event_key=%s&limit=1", eq(eventKey)))
	if err != nil {
		return nil, err
	}
	rows, err := decodeRows[domain.WebhookLog](body, "webhook_log")
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &domain.ErrNotFound{Resource: "webhook_log", ID: eventKey}
	}
	return &rows[0], nil
}

func (c *Client) InsertWebhookLog(ctx context.Context, log *domain.WebhookLog) (*domain.WebhookLog, error) {
	ctx, span := tracer.Start(ctx, "Supabase.InsertWebhookLog")
	defer span.End()

	row := map[string]any{
		"event_key":    log.EventKey,
		"webhook_type": log.WebhookType,
		"action":       log.Action,
		"data_id":      log.DataID,
		"status":       log.Status,
		"attempts":     log.Attempts,
		"created_at":   c.now().UTC().Format(time.RFC3339),
	}
	if log.ClaimID != "" {
		row["claim_id"] = log.ClaimID
	}
	if len(log.Payload) > 0 {
		row["payload"] = log.Payload
	}

	body, err := c.doPost(ctx, "webhook_logs", row)
	if err != nil {
		var dup *domain.ErrDuplicate
		if errors.As(err, &dup) {
			return nil, &domain.ErrDuplicate{Key: log.EventKey}
		}
		return nil, err
	}
	rows, err := decodeRows[domain.WebhookLog](body, "webhook_log")
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no result from webhook_logs insert")
	}
	return &rows[0], nil
}

func (c *Client) UpdateWebhookLog(ctx context.Context, eventKey string, fields map[string]any) error {
	ctx, span := tracer.Start(ctx, "Supabase.UpdateWebhookLog")
	defer span.End()

	_, err := c.doPatch(ctx, fmt.Sprintf("webhook_logs?event_key=%s", eq(eventKey)), fields)
	return err
}

func (c *Client) ListWebhookLogs(ctx context.Context, status string, limit, offset int) ([]domain.WebhookLog, error) {
	ctx, span := tracer.Start(ctx, "Supabase.ListWebhookLogs")
	defer span.End()

	path := fmt.Sprintf("webhook_logs?select=id,event_key,webhook_type,action,data_id,status,attempts,error_message,created_at,processed_at&order=created_at.desc&limit=%d&offset=%d", limit, offset)
	if status != "" {
		path += "&status=" + eq(status)
	}
	body, err := c.doGet(ctx, path)
	if err != nil {
		return nil, err
	}
	return decodeRows[domain.WebhookLog](body, "webhook_logs")
}
