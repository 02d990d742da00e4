package authorization

import "context"

// Actor is the authenticated caller as carried by the request token.
type Actor struct {
	UserID string
	Role   string
}

type Service interface {
	// Authorize returns nil when the actor's role may perform action on object.
	Authorize(ctx context.Context, actor Actor, object string, action string) error
}
