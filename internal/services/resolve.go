package services

import "fmt"

// Resolution is the outcome of resolving a name on a node: either an
// exposed action or a child service.
type Resolution struct {
	Name     string
	Owner    Service
	Action   Action
	Security Security
	Service  Service
}

// Callable reports whether the resolution is an action.
func (r Resolution) Callable() bool { return r.Action != nil }

// Resolve looks name up in the node's own capability table, then among its
// children. Reserved names are never resolved.
func (b *Base) Resolve(name string) (Resolution, error) {
	if isReserved(name) {
		return Resolution{}, fmt.Errorf("%w: reserved name %q", ErrStructuralMisuse, name)
	}
	if res, ok := b.resolveLocal(name); ok {
		return res, nil
	}
	return Resolution{}, fmt.Errorf("%w: %q on %q", ErrCapabilityNotFound, name, b.name)
}

func (b *Base) resolveLocal(name string) (Resolution, bool) {
	if e, ok := b.exposedAction(name); ok {
		return Resolution{Name: name, Owner: b.self, Action: e.action, Security: e.security}, true
	}
	if child, ok := b.Child(name); ok {
		return Resolution{Name: name, Owner: b.self, Service: child}, true
	}
	return Resolution{}, false
}

// Capability returns the action name resolves to, if it is callable.
func (b *Base) Capability(name string) (Action, bool) {
	if b == nil || b.self == nil {
		return nil, false
	}
	res, err := b.self.Resolve(name)
	if err != nil || !res.Callable() {
		return nil, false
	}
	return res.Action, true
}
