package services

import (
	"fmt"

	"go.uber.org/multierr"

	logs "github.com/danmuck/svctree/internal/logging"
)

// Status is a service's reported state. Concrete services may report
// values beyond running and stopped.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

func (s Status) String() string { return string(s) }

// Start marks the node running and starts every child in insertion order.
// The first child error aborts the remaining siblings and is returned as is.
func (b *Base) Start() error {
	b.running.Store(true)
	path := b.self.FullPath()
	logs.Debugf("services.Base.Start path=%q", path)
	notifyTransition(path, true)
	for _, child := range b.Children() {
		if err := child.Start(); err != nil {
			logs.Warnf("services.Base.Start path=%q child=%q err=%v", path, child.Name(), err)
			return err
		}
	}
	return nil
}

// Stop stops every child, then marks the node stopped. All children are
// stopped even when some fail; their errors are combined. Overrides must
// call Base.Stop so the node ends stopped whatever else fails.
func (b *Base) Stop() error {
	var err error
	for _, child := range b.Children() {
		err = multierr.Append(err, child.Stop())
	}
	b.running.Store(false)
	path := b.self.FullPath()
	notifyTransition(path, false)
	if err != nil {
		logs.Warnf("services.Base.Stop path=%q err=%v", path, err)
	} else {
		logs.Debugf("services.Base.Stop path=%q", path)
	}
	return err
}

func (b *Base) Running() bool { return b.running.Load() }

func (b *Base) Status() Status {
	if b.running.Load() {
		return StatusRunning
	}
	return StatusStopped
}

// Statuses reports the status of each direct child keyed by child name.
// Merged members that share a name are keyed name, name#2, name#3 in
// merge order.
func (b *Base) Statuses() map[string]Status {
	children := b.Children()
	out := make(map[string]Status, len(children))
	for _, child := range children {
		key := child.Name()
		for n := 2; ; n++ {
			if _, taken := out[key]; !taken {
				break
			}
			key = fmt.Sprintf("%s#%d", child.Name(), n)
		}
		out[key] = child.Status()
	}
	return out
}

func (b *Base) StartChild(name string) error {
	child, ok := b.Child(name)
	if !ok {
		return fmt.Errorf("%w: %q under %q", ErrServiceNotFound, name, b.name)
	}
	return child.Start()
}

func (b *Base) StopChild(name string) error {
	child, ok := b.Child(name)
	if !ok {
		return fmt.Errorf("%w: %q under %q", ErrServiceNotFound, name, b.name)
	}
	return child.Stop()
}
