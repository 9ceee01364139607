// Package push is the Push Notifier (C10): fans agent lifecycle events
// out to a user's registered browsers over Web Push, gated per
// subscription by its enabled-events allowlist.
package push

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	webpush "github.com/SherClockHolmes/webpush-go"
	"golang.org/x/sync/errgroup"

	"github.com/pizzapi/relay/internal/model"
	"github.com/pizzapi/relay/internal/store/sqlstore"
)

// maxParallelSends bounds the Web Push fan-out per SendToUser call, per
// §5's "bounded-parallel per user via a batched fan-out".
const maxParallelSends = 8

// pushTTL is the Web Push service's own retry window for a notification.
const pushTTL = 30

// Event type taxonomy a subscription's enabledEvents allowlist can name.
const (
	EventAgentFinished   = "agent_finished"
	EventAgentError      = "agent_error"
	EventAgentNeedsInput = "agent_needs_input"
	EventSessionStarted  = "session_started"
	EventSessionEnded    = "session_ended"
)

// Notification is one push message queued for fan-out to a user's
// subscriptions.
type Notification struct {
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Body      string          `json:"body"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Notifier owns subscription CRUD (delegated to the Persisted Store)
// and the bounded-parallel Web Push fan-out.
type Notifier struct {
	sql     *sqlstore.Store
	subject string
	vapidPub, vapidPriv string
}

// New builds a Notifier. Delivery is a silent no-op if either VAPID key
// is empty, so a deployment without push configured
// doesn't have to special-case every call site.
func New(sql *sqlstore.Store, vapidPublicKey, vapidPrivateKey, subject string) *Notifier {
	return &Notifier{sql: sql, vapidPub: vapidPublicKey, vapidPriv: vapidPrivateKey, subject: subject}
}

func (n *Notifier) configured() bool { return n.vapidPub != "" && n.vapidPriv != "" }

// Subscribe upserts a push subscription by (userId, endpoint).
func (n *Notifier) Subscribe(ctx context.Context, in sqlstore.SubscribeInput) (model.PushSubscription, error) {
	return n.sql.Subscribe(ctx, in)
}

// Unsubscribe removes a subscription by (userId, endpoint).
func (n *Notifier) Unsubscribe(ctx context.Context, userID, endpoint string) error {
	return n.sql.Unsubscribe(ctx, userID, endpoint)
}

// UnsubscribeByID removes a subscription by its id.
func (n *Notifier) UnsubscribeByID(ctx context.Context, userID, subscriptionID string) error {
	return n.sql.UnsubscribeByID(ctx, userID, subscriptionID)
}

// UpdateEnabledEvents replaces a subscription's event allowlist.
func (n *Notifier) UpdateEnabledEvents(ctx context.Context, userID, endpoint, enabledEvents string) error {
	return n.sql.UpdateEnabledEvents(ctx, userID, endpoint, enabledEvents)
}

// ListForUser returns every subscription registered by userID.
func (n *Notifier) ListForUser(ctx context.Context, userID string) ([]model.PushSubscription, error) {
	return n.sql.ListSubscriptionsForUser(ctx, userID)
}

// SendToUser fans notif out to every one of userID's subscriptions that
// enables notif.Type, in parallel, bounded by maxParallelSends. Delivery
// failure is never surfaced to the caller — push is fire-and-forget.
func (n *Notifier) SendToUser(ctx context.Context, userID string, notif Notification) {
	if !n.configured() {
		return
	}
	subs, err := n.sql.ListSubscriptionsForUser(ctx, userID)
	if err != nil {
		log.Printf("push: list subscriptions for %s: %v", userID, err)
		return
	}

	payload, err := json.Marshal(notif)
	if err != nil {
		log.Printf("push: marshal notification: %v", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelSends)
	for _, sub := range subs {
		if !isEventEnabled(sub.EnabledEvents, notif.Type) {
			continue
		}
		sub := sub
		g.Go(func() error {
			n.send(gctx, sub, payload)
			return nil
		})
	}
	_ = g.Wait()
}

func (n *Notifier) send(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wsub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
	}
	resp, err := webpush.SendNotificationWithContext(ctx, payload, wsub, &webpush.Options{
		Subscriber:      n.subject,
		VAPIDPublicKey:  n.vapidPub,
		VAPIDPrivateKey: n.vapidPriv,
		TTL:             pushTTL,
	})
	if err != nil {
		log.Printf("push: send to %s: %v", sub.Endpoint, err)
		return
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusGone, http.StatusNotFound:
		if err := n.sql.DeleteSubscription(ctx, sub.ID); err != nil {
			log.Printf("push: remove gone subscription %s: %v", sub.ID, err)
		}
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
	default:
		log.Printf("push: send to %s returned status %d", sub.Endpoint, resp.StatusCode)
	}
}

// isEventEnabled reports whether a subscription's allowlist permits
// delivering an event of the given type. "*" or an empty allowlist
// (a defensive default for legacy rows) permits everything.
func isEventEnabled(enabledEvents, eventType string) bool {
	if enabledEvents == "" || enabledEvents == "*" {
		return true
	}
	for _, e := range strings.Split(enabledEvents, ",") {
		if strings.TrimSpace(e) == eventType {
			return true
		}
	}
	return false
}
