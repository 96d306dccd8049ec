package types

import (
	"context"
)

// ActorType identifies the kind of authenticated entity making a request.
type ActorType string

const (
	ActorTypeUser   ActorType = "user"
	ActorTypeAdmin  ActorType = "admin"
	ActorTypeSystem ActorType = "system"
)

// Actor represents the authenticated entity performing an operation.
// Authentication itself is handled upstream of this service; the actor is
// extracted from trusted headers by the auth middleware.
type Actor struct {
	ID             string
	Type           ActorType
	OrganizationID string
}

// IsAdmin reports whether the actor may perform administrative-only
// operations such as custom capacity grants.
func (a Actor) IsAdmin() bool {
	return a.Type == ActorTypeAdmin || a.Type == ActorTypeSystem
}

type contextKey string

const (
	actorKey     contextKey = "actor"
	requestIDKey contextKey = "request_id"
)

func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// GetActor returns the Actor placed on the context by the actor
// middleware; ok is false on unauthenticated paths.
func GetActor(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey).(Actor)
	return actor, ok
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID returns the correlation id, or "" outside a request.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
