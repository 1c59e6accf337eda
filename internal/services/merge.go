package services

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	logs "github.com/danmuck/svctree/internal/logging"
)

const mergedPrefix = reservedPrefix + "merged_"

// Composite presents several member services as one node. It takes the
// name and segment of its first member; the other members keep their
// names but have blank segments, so their children appear directly under
// the composite's path.
type Composite struct {
	Base
}

// Merge folds services into a single composite. Composite inputs are
// flattened so composites never nest, a service given twice is merged
// once, and every member is detached from its previous parent. With no input the composite is named "merged" and
// has an empty segment.
func Merge(svcs ...Service) *Composite {
	var members []Service
	seen := make(map[Service]struct{})
	add := func(m Service) {
		if _, dup := seen[m]; dup {
			return
		}
		seen[m] = struct{}{}
		members = append(members, m)
	}
	name, segment := "merged", ""
	first := true
	for _, s := range svcs {
		if s == nil {
			continue
		}
		if first {
			name, segment = s.Name(), s.PathSegment()
			first = false
		}
		if c, ok := s.(*Composite); ok {
			for _, m := range c.Members() {
				add(m)
			}
			continue
		}
		add(s)
	}

	c := &Composite{}
	// name comes from an existing node, so Init cannot fail without a parent.
	_ = c.Init(c, WithKind(MergedKind), WithName(name))
	c.setSegment(segment)

	for i, m := range members {
		if p := m.Parent(); p != nil {
			p.node().detach(m)
		}
		if i > 0 {
			m.node().setSegment("")
		}
		key := mergedPrefix + uuid.NewString()
		if err := c.attach(key, m); err != nil {
			logs.Errf("services.Merge member=%q err=%v", m.Name(), err)
		}
	}
	logs.Debugf("services.Merge name=%q members=%d", name, len(members))
	return c
}

// Members returns the merged services in insertion order.
func (c *Composite) Members() []Service {
	var out []Service
	for _, e := range c.entries() {
		if strings.HasPrefix(e.key, mergedPrefix) {
			out = append(out, e.svc)
		}
	}
	return out
}

// Resolve searches the composite's own capabilities, then its members from
// the most recently merged to the first, then its ordinary children.
func (c *Composite) Resolve(name string) (Resolution, error) {
	if isReserved(name) {
		return Resolution{}, fmt.Errorf("%w: reserved name %q", ErrStructuralMisuse, name)
	}
	if e, ok := c.exposedAction(name); ok {
		return Resolution{Name: name, Owner: c, Action: e.action, Security: e.security}, nil
	}
	members := c.Members()
	for i := len(members) - 1; i >= 0; i-- {
		if res, err := members[i].Resolve(name); err == nil {
			return res, nil
		}
	}
	if child, ok := c.Child(name); ok {
		return Resolution{Name: name, Owner: c, Service: child}, nil
	}
	return Resolution{}, fmt.Errorf("%w: %q on merged %q", ErrCapabilityNotFound, name, c.name)
}
