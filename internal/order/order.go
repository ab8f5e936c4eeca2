// Package order turns a confirmed purchase into download links.
package order

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"examhub/internal/apperr"
	"examhub/internal/hub"
	"examhub/internal/logger"
	"examhub/internal/model"
	"examhub/internal/token"
)

var (
	ErrOrderNotFound = apperr.NotFound("order not found")
	ErrItemNotFound  = apperr.NotFound("order item not found")
)

// Items reads the storefront's purchased line items.
type Items interface {
	ForOrder(ctx context.Context, orderID string) ([]model.LineItem, error)
	Get(ctx context.Context, itemID string) (model.LineItem, error)
}

// Publisher sends an event to the room.
type Publisher interface {
	Publish(ctx context.Context, ev hub.Event) error
}

// Grant is one issued link.
type Grant struct {
	ItemID        string    `json:"item_id"`
	PackTitle     string    `json:"pack_title"`
	Token         string    `json:"token"`
	DownloadURL   string    `json:"download_url"`
	ExpiresAt     time.Time `json:"expires_at"`
	RemainingUses int       `json:"remaining_downloads"`
}

// Confirmer issues a token per line item of a paid order and notifies the
// buyer.
type Confirmer struct {
	items   Items
	tokens  *token.Service
	pub     Publisher
	clock   clockwork.Clock
	ttl     time.Duration
	maxUses int
}

func NewConfirmer(items Items, tokens *token.Service, pub Publisher, clock clockwork.Clock, ttl time.Duration, maxUses int) *Confirmer {
	return &Confirmer{items: items, tokens: tokens, pub: pub, clock: clock, ttl: ttl, maxUses: maxUses}
}

// Confirm is called once payment succeeded. Calling it again renews the
// existing links.
func (c *Confirmer) Confirm(ctx context.Context, orderID string) ([]Grant, error) {
	items, err := c.items.ForOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrOrderNotFound
	}

	grants := make([]Grant, 0, len(items))
	for _, it := range items {
		t, err := c.tokens.Issue(ctx, it.ID, c.ttl, c.maxUses)
		if err != nil {
			return nil, err
		}
		grants = append(grants, Grant{
			ItemID:        it.ID,
			PackTitle:     it.PackTitle,
			Token:         t.Token,
			DownloadURL:   "/download/" + t.Token,
			ExpiresAt:     t.ExpiresAt,
			RemainingUses: t.RemainingUses,
		})
	}

	owner := items[0].OwnerID
	ev := hub.Notification(owner, "Payment confirmed. Your downloads are ready.", map[string]any{
		"order_id": orderID,
		"items":    grants,
	}, c.clock.Now())
	if err := c.pub.Publish(ctx, ev); err != nil {
		// 通知に失敗してもトークンは発行済み
		logger.Warnf("[order] notification for order %s not sent: %v", orderID, err)
	}
	logger.Infof("[order] ✅ Confirmed order %s: %d download link(s) for user %s", orderID, len(grants), owner)
	return grants, nil
}
