package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	logs "github.com/danmuck/svctree/internal/logging"
)

// DefaultPollInterval is the leaf Run quantum.
const DefaultPollInterval = time.Second

// reservedPrefix marks registry keys that public resolution never returns.
const reservedPrefix = "_"

// Service is a node in the service tree. Only types embedding Base satisfy it.
type Service interface {
	Name() string
	PathSegment() string
	Kind() *Kind
	Parent() Service
	Child(name string) (Service, bool)
	Children() []Service
	Add(child Service) error
	FullPath() string

	Start() error
	Stop() error
	Run(ctx context.Context) error
	Status() Status
	Running() bool
	Statuses() map[string]Status

	Resolve(name string) (Resolution, error)
	Capability(name string) (Action, bool)
	Capabilities() []string

	node() *Base
}

type Option func(*options)

type options struct {
	name   string
	kind   *Kind
	parent Service
	poll   time.Duration
	clock  clock.Clock
}

// WithName overrides the name derived from the kind.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

func WithKind(kind *Kind) Option {
	return func(o *options) { o.kind = kind }
}

// WithParent registers the new node as a child of parent during Init.
func WithParent(parent Service) Option {
	return func(o *options) { o.parent = parent }
}

func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.poll = d }
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

type entry struct {
	key string
	svc Service
}

// Base carries the identity, tree links, running flag and capability
// table shared by every service.
type Base struct {
	self Service
	kind *Kind
	name string

	poll  time.Duration
	clock clock.Clock

	running atomic.Bool

	mu       sync.RWMutex
	segment  string
	parent   Service
	order    []string
	children map[string]Service
	actions  map[string]exposed
}

// New builds a plain node with no behavior of its own.
func New(opts ...Option) (*Base, error) {
	b := &Base{}
	if err := b.Init(b, opts...); err != nil {
		return nil, err
	}
	return b, nil
}

// Init prepares b as the embedded node of self. self must be the value
// embedding b so overrides of Start, Stop, Run, Status and Resolve are
// reached through the tree.
func (b *Base) Init(self Service, opts ...Option) error {
	if self == nil || self.node() != b {
		return fmt.Errorf("%w: Init self does not embed this Base", ErrStructuralMisuse)
	}
	o := options{kind: ServiceKind}
	for _, opt := range opts {
		opt(&o)
	}
	if o.kind == nil {
		o.kind = ServiceKind
	}
	if o.name == "" {
		o.name = o.kind.ServiceName()
	}
	if strings.Contains(o.name, "/") {
		return fmt.Errorf("%w: name %q contains a path separator", ErrStructuralMisuse, o.name)
	}
	if o.poll <= 0 {
		o.poll = DefaultPollInterval
	}
	if o.clock == nil {
		o.clock = clock.New()
	}

	b.self = self
	b.kind = o.kind
	b.name = o.name
	b.segment = o.name
	b.poll = o.poll
	b.clock = o.clock
	b.children = make(map[string]Service)
	b.actions = make(map[string]exposed)

	if o.parent != nil {
		if err := o.parent.node().attach(b.name, self); err != nil {
			return err
		}
	}
	logs.Debugf("services.Base.Init name=%q kind=%s path=%q", b.name, b.kind, self.FullPath())
	return nil
}

func (b *Base) node() *Base { return b }

func (b *Base) Name() string { return b.name }

func (b *Base) Kind() *Kind { return b.kind }

func (b *Base) PathSegment() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.segment
}

func (b *Base) setSegment(seg string) {
	b.mu.Lock()
	b.segment = seg
	b.mu.Unlock()
}

func (b *Base) Parent() Service {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.parent
}

func (b *Base) setParent(p Service) {
	b.mu.Lock()
	b.parent = p
	b.mu.Unlock()
}

// Root walks parent links to the top of the tree.
func (b *Base) Root() Service {
	var cur Service = b.self
	for {
		p := cur.Parent()
		if p == nil {
			return cur
		}
		cur = p
	}
}

// Add attaches an already built, parentless service as a child.
func (b *Base) Add(child Service) error {
	if child == nil {
		return fmt.Errorf("%w: nil child", ErrStructuralMisuse)
	}
	return b.attach(child.Name(), child)
}

// Remove detaches a stopped child and clears its parent.
func (b *Base) Remove(name string) (Service, error) {
	b.mu.Lock()
	child, ok := b.children[name]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %q under %q", ErrServiceNotFound, name, b.name)
	}
	if child.Running() {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrStillRunning, name)
	}
	b.dropLocked(name)
	b.mu.Unlock()

	child.node().setParent(nil)
	logs.Debugf("services.Base.Remove parent=%q child=%q", b.name, name)
	return child, nil
}

// Child returns the direct child registered under name.
func (b *Base) Child(name string) (Service, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.children[name]
	return c, ok
}

// Children returns a snapshot of the direct children in insertion order.
func (b *Base) Children() []Service {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Service, 0, len(b.order))
	for _, key := range b.order {
		out = append(out, b.children[key])
	}
	return out
}

func (b *Base) entries() []entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]entry, 0, len(b.order))
	for _, key := range b.order {
		out = append(out, entry{key: key, svc: b.children[key]})
	}
	return out
}

func (b *Base) attach(key string, child Service) error {
	cn := child.node()
	if cn == b {
		return fmt.Errorf("%w: %q cannot be its own child", ErrStructuralMisuse, key)
	}
	if p := cn.Parent(); p != nil {
		return fmt.Errorf("%w: %q already attached under %q", ErrStructuralMisuse, child.Name(), p.Name())
	}

	b.mu.Lock()
	if _, exists := b.children[key]; exists {
		b.mu.Unlock()
		return fmt.Errorf("%w: %q under %q", ErrDuplicateName, key, b.name)
	}
	b.children[key] = child
	b.order = append(b.order, key)
	b.mu.Unlock()

	cn.setParent(b.self)
	return nil
}

// detach removes child wherever it is registered, regardless of its key.
func (b *Base) detach(child Service) {
	b.mu.Lock()
	for _, key := range b.order {
		if b.children[key] == child {
			b.dropLocked(key)
			break
		}
	}
	b.mu.Unlock()
	child.node().setParent(nil)
}

func (b *Base) dropLocked(key string) {
	delete(b.children, key)
	for i, k := range b.order {
		if k == key {
			b.order = append(b.order[:i:i], b.order[i+1:]...)
			break
		}
	}
}

// Capabilities lists the names exposed on this node, sorted.
func (b *Base) Capabilities() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.actions))
	for name := range b.actions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Clock is the time source used by the leaf Run loop.
func (b *Base) Clock() clock.Clock { return b.clock }

func isReserved(name string) bool {
	return strings.HasPrefix(name, reservedPrefix)
}
