// Package services – Publisher
//
// Publisher is the single entry point other subsystems use to raise a
// notification. It persists first and only then hands the stored row to the
// gateway, so every pushed notification can be re-fetched over REST.
//
// Ordering: publishes for the same user are serialized from persist through
// broadcast, so a user's room sees notifications in creation order. The
// broadcast itself only enqueues on per-connection buffers and never waits
// on the network.
package services

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-notification-backend/internal/domain"
	"github.com/tbourn/go-notification-backend/internal/realtime"
)

// NotificationCreator is the slice of the store the publisher needs.
type NotificationCreator interface {
	Create(ctx context.Context, in domain.NewNotification) (*domain.Notification, error)
}

// Publisher persists notifications and fans them out.
type Publisher struct {
	Store NotificationCreator
	Hub   Broadcaster

	locks keyedMutex
}

// NewPublisher wires a publisher. A nil hub is replaced by NopBroadcaster.
func NewPublisher(store NotificationCreator, hub Broadcaster) *Publisher {
	if hub == nil {
		hub = NopBroadcaster{}
	}
	return &Publisher{Store: store, Hub: hub}
}

// Publish creates a notification for userID and broadcasts it to the
// user's room. Validation and persistence errors are returned unchanged
// and nothing is broadcast.
func (p *Publisher) Publish(ctx context.Context, userID string, typ domain.NotificationType, title, message string) (*domain.Notification, error) {
	return p.PublishNew(ctx, domain.NewNotification{UserID: userID, Type: typ, Title: title, Message: message})
}

// PublishNew is Publish for a prepared input.
func (p *Publisher) PublishNew(ctx context.Context, in domain.NewNotification) (*domain.Notification, error) {
	ctx, span := otel.Tracer("services/Publisher").Start(ctx, "Publish",
		trace.WithAttributes(
			attribute.String("user.id", in.UserID),
			attribute.String("notification.type", string(in.Type)),
		),
	)
	defer span.End()

	unlock := p.locks.lock(in.Normalize().UserID)
	defer unlock()

	n, err := p.Store.Create(ctx, in)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	delivered := p.Hub.Broadcast(n.UserID, realtime.NewNotificationEvent(*n))
	span.SetAttributes(attribute.Int("ws.delivered", delivered))
	log.Debug().
		Int64("notification_id", n.ID).
		Str("user_id", n.UserID).
		Int("delivered", delivered).
		Msg("notification published")
	return n, nil
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m := k.locks[key]
	if m == nil {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
