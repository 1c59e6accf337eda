package services

import (
	"context"
	"fmt"
	"time"

	logs "github.com/danmuck/svctree/internal/logging"
)

// Args are the named string arguments passed to an action.
type Args map[string]string

// Action is a capability exposed by a service.
type Action func(ctx context.Context, args Args) (any, error)

// Security controls who may invoke an exposed action.
type Security string

const (
	// SecurityOwner restricts an action to the tree's owner.
	SecurityOwner Security = "owner"
	// SecurityPeers also admits peer callers.
	SecurityPeers Security = "peers"
)

type exposed struct {
	action   Action
	security Security
}

type ExposeOption func(*exposed)

// Shared opens an action to peers.
func Shared() ExposeOption {
	return func(e *exposed) { e.security = SecurityPeers }
}

// Expose registers action under name. Exposing a reserved name or a nil
// action is a programming error and panics. Re-exposing a name replaces it.
func (b *Base) Expose(name string, action Action, opts ...ExposeOption) {
	if name == "" || isReserved(name) {
		panic(fmt.Sprintf("services: cannot expose reserved name %q", name))
	}
	if action == nil {
		panic(fmt.Sprintf("services: nil action for %q", name))
	}
	e := exposed{action: action, security: SecurityOwner}
	for _, opt := range opts {
		opt(&e)
	}
	b.mu.Lock()
	b.actions[name] = e
	b.mu.Unlock()
}

func (b *Base) exposedAction(name string) (exposed, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.actions[name]
	return e, ok
}

// Role is the relationship of a caller to the tree.
type Role string

const (
	RoleOwner Role = "owner"
	RolePeer  Role = "peer"
)

type Caller struct {
	ID   string
	Role Role
}

type callerKey struct{}

// WithCaller attaches the caller identity used by Call.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller carried by ctx; absent a caller the call
// is local and treated as the owner.
func CallerFrom(ctx context.Context) Caller {
	if c, ok := ctx.Value(callerKey{}).(Caller); ok {
		return c
	}
	return Caller{ID: "local", Role: RoleOwner}
}

// Call resolves name on svc and invokes it on behalf of the caller in ctx.
func Call(ctx context.Context, svc Service, name string, args Args) (any, error) {
	if svc == nil {
		return nil, fmt.Errorf("%w: nil service", ErrStructuralMisuse)
	}
	res, err := svc.Resolve(name)
	if err != nil {
		return nil, err
	}
	if !res.Callable() {
		return nil, fmt.Errorf("%w: %q on %q is a service", ErrNotCallable, name, svc.FullPath())
	}
	caller := CallerFrom(ctx)
	if caller.Role != RoleOwner && res.Security != SecurityPeers {
		return nil, fmt.Errorf("%w: %q on %q is owner only", ErrForbidden, name, svc.FullPath())
	}
	if args == nil {
		args = Args{}
	}

	path := res.Owner.FullPath()
	started := time.Now()
	out, err := res.Action(ctx, args)
	notifyCalled(path, name, err)
	logs.Debugf("services.Call path=%q capability=%q caller=%s took=%s err=%v",
		path, name, caller.ID, time.Since(started), err)
	return out, err
}
