package shared

import "context"

type actorContextKey struct{}

// ContextWithActor stores the calling actor id in context.
func ContextWithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actorID)
}

// ActorFromContext extracts the actor id from context.
func ActorFromContext(ctx context.Context) (string, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(string)
	if !ok || actor == "" {
		return "", false
	}
	return actor, true
}
