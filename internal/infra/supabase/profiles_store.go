package supabase

import (
	"context"
	"fmt"

	"github.com/petgourmet/storefront-api/internal/domain"
)

func (c *Client) GetProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	ctx, span := tracer.Start(ctx, "Supabase.GetProfile")
	defer span.End()

	body, err := c.doGet(ctx, fmt.Sprintf("profiles?id=%s&select=id,email,full_name,role&limit=1", eq(userID)))
	if err != nil {
		return nil, err
	}
	rows, err := decodeRows[domain.Profile](body, "profile")
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &domain.ErrNotFound{Resource: "profile", ID: userID}
	}
	return &rows[0], nil
}
