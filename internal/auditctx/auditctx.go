// Package auditctx carries the authenticated actor of a request down to the audit trail.
package auditctx

import "context"

// Actor identifies who triggered a document change and from where.
type Actor struct {
	UserID    string
	Username  string
	IPAddress string
	UserAgent string
}

type actorContextKey struct{}

// WithActor returns a derived context carrying actor.
func WithActor(ctx context.Context, actor Actor) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// FromContext extracts the actor stored by WithActor.
func FromContext(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}

// Merge fills the empty fields of actor from the actor stored in ctx.
func Merge(ctx context.Context, actor Actor) Actor {
	stored, ok := FromContext(ctx)
	if !ok {
		return actor
	}
	if actor.UserID == "" {
		actor.UserID = stored.UserID
	}
	if actor.Username == "" {
		actor.Username = stored.Username
	}
	if actor.IPAddress == "" {
		actor.IPAddress = stored.IPAddress
	}
	if actor.UserAgent == "" {
		actor.UserAgent = stored.UserAgent
	}
	return actor
}
