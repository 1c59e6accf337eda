package services

import (
	"fmt"
	"strings"
)

// FullPath joins the non-empty segments from the root down to this node.
// A tree whose segments are all empty resolves to "/".
func (b *Base) FullPath() string {
	var segs []string
	for cur := b.self; cur != nil; cur = cur.Parent() {
		if seg := cur.PathSegment(); seg != "" {
			segs = append(segs, seg)
		}
	}
	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	return "/" + strings.Join(segs, "/")
}

// Lookup finds the node under root whose FullPath is path. Nodes with an
// empty segment are transparent: their children are matched as if they
// hung directly off the nearest visible ancestor.
func Lookup(root Service, path string) (Service, error) {
	if root == nil {
		return nil, fmt.Errorf("%w: nil root", ErrStructuralMisuse)
	}
	segs := splitPath(path)
	prefix := splitPath(root.FullPath())
	if len(segs) < len(prefix) {
		return nil, fmt.Errorf("%w: %q", ErrServiceNotFound, path)
	}
	for i, seg := range prefix {
		if segs[i] != seg {
			return nil, fmt.Errorf("%w: %q", ErrServiceNotFound, path)
		}
	}

	cur := root
	for _, seg := range segs[len(prefix):] {
		next, ok := findVisible(cur, seg)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrServiceNotFound, path)
		}
		cur = next
	}
	return cur, nil
}

func findVisible(n Service, seg string) (Service, bool) {
	for _, child := range n.Children() {
		switch child.PathSegment() {
		case seg:
			return child, true
		case "":
			if found, ok := findVisible(child, seg); ok {
				return found, true
			}
		}
	}
	return nil, false
}

func splitPath(path string) []string {
	var out []string
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

// Walk visits root and its descendants depth first, parents before
// children. Returning an error from fn stops the walk.
func Walk(root Service, fn func(svc Service, depth int) error) error {
	return walk(root, 0, fn)
}

func walk(n Service, depth int, fn func(Service, int) error) error {
	if err := fn(n, depth); err != nil {
		return err
	}
	for _, child := range n.Children() {
		if err := walk(child, depth+1, fn); err != nil {
			return err
		}
	}
	return nil
}

// Locate finds the service named name as seen from from: its own children
// first, then each ancestor in turn, so siblings and uncles are reachable.
func Locate(from Service, name string) (Service, error) {
	if from == nil {
		return nil, fmt.Errorf("%w: nil origin", ErrStructuralMisuse)
	}
	for cur := from; cur != nil; cur = cur.Parent() {
		res, err := cur.Resolve(name)
		if err == nil && res.Service != nil {
			return res.Service, nil
		}
	}
	return nil, fmt.Errorf("%w: %q from %q", ErrServiceNotFound, name, from.FullPath())
}
