package services

import (
	"reflect"
	"strings"
)

// Kind identifies a concrete service type and its immediate base kind.
// Default service names are derived from it.
type Kind struct {
	name string
	base *Kind
}

var (
	// ServiceKind is the root of every kind hierarchy.
	ServiceKind = &Kind{name: "Service"}
	// MergedKind is the kind of composites built by Merge.
	MergedKind = ServiceKind.Extend("MergedService")
)

// Extend returns a kind derived from k.
func (k *Kind) Extend(name string) *Kind {
	return &Kind{name: name, base: k}
}

func (k *Kind) Name() string { return k.name }

func (k *Kind) Base() *Kind { return k.base }

// ServiceName is the default node name for services of this kind.
func (k *Kind) ServiceName() string {
	base := ""
	if k.base != nil {
		base = k.base.name
	}
	return DeriveName(k.name, base)
}

// Is reports whether k is other or derives from it.
func (k *Kind) Is(other *Kind) bool {
	for cur := k; cur != nil; cur = cur.base {
		if cur == other {
			return true
		}
	}
	return false
}

func (k *Kind) String() string { return k.name }

// DeriveName strips baseName from the end of typeName when typeName is a
// longer name ending in it, then lower-cases the remainder.
//
//	DeriveName("FooService", "Service")       == "foo"
//	DeriveName("BarFooService", "FooService") == "bar"
//	DeriveName("CustomThing", "Service")      == "customthing"
//	DeriveName("Service", "")                 == "service"
func DeriveName(typeName, baseName string) string {
	name := typeName
	if baseName != "" && name != baseName && strings.HasSuffix(name, baseName) {
		name = strings.TrimSuffix(name, baseName)
	}
	return strings.ToLower(name)
}

// TypeKind derives a kind named after v's Go type.
func TypeKind(v any, base *Kind) *Kind {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name := ""
	if t != nil {
		name = t.Name()
	}
	if base == nil {
		return &Kind{name: name}
	}
	return base.Extend(name)
}
