package services

import (
	"context"
	"fmt"
	"reflect"
)

// CapabilityProvider yields actions by name. Every Service is one.
type CapabilityProvider interface {
	Capability(name string) (Action, bool)
}

// ActionSet lets a plain map of actions take part in dispatch.
type ActionSet map[string]Action

func (s ActionSet) Capability(name string) (Action, bool) {
	a, ok := s[name]
	return a, ok && a != nil
}

// DispatchAny invokes name on the first candidate that provides it.
// Candidates that are not providers, or lack the action, are skipped.
func DispatchAny(ctx context.Context, candidates []any, name string, args Args) (any, error) {
	for _, c := range candidates {
		p, ok := c.(CapabilityProvider)
		if !ok || isNil(p) {
			continue
		}
		action, ok := p.Capability(name)
		if !ok {
			continue
		}
		if args == nil {
			args = Args{}
		}
		return action(ctx, args)
	}
	return nil, fmt.Errorf("%w: no candidate provides %q", ErrCapabilityNotFound, name)
}

// DispatchServices is DispatchAny over a list of services.
func DispatchServices(ctx context.Context, svcs []Service, name string, args Args) (any, error) {
	candidates := make([]any, 0, len(svcs))
	for _, s := range svcs {
		candidates = append(candidates, s)
	}
	return DispatchAny(ctx, candidates, name, args)
}

// isNil also catches typed nil pointers held in the interface.
func isNil(p CapabilityProvider) bool {
	if p == nil {
		return true
	}
	v := reflect.ValueOf(p)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Func:
		return v.IsNil()
	}
	return false
}
