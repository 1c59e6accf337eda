package services

// Snapshot is a point-in-time, JSON friendly view of a subtree.
type Snapshot struct {
	Name         string     `json:"name"`
	Path         string     `json:"path"`
	Kind         string     `json:"kind"`
	Status       Status     `json:"status"`
	Merged       bool       `json:"merged,omitempty"`
	Capabilities []string   `json:"capabilities,omitempty"`
	Children     []Snapshot `json:"children,omitempty"`
}

// Snap captures svc and its descendants.
func Snap(svc Service) Snapshot {
	_, merged := svc.(*Composite)
	s := Snapshot{
		Name:         svc.Name(),
		Path:         svc.FullPath(),
		Kind:         svc.Kind().Name(),
		Status:       svc.Status(),
		Merged:       merged,
		Capabilities: svc.Capabilities(),
	}
	for _, child := range svc.Children() {
		s.Children = append(s.Children, Snap(child))
	}
	return s
}
