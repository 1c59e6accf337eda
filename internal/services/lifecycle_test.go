package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/danmuck/svctree/internal/testutil/testlog"
)

type faultyService struct {
	Base
	startErr error
	stopErr  error
	runErr   error
}

func newFaulty(t *testing.T, name string, parent Service) *faultyService {
	t.Helper()
	f := &faultyService{}
	require.NoError(t, f.Init(f, WithName(name), WithParent(parent)))
	return f
}

func (f *faultyService) Start() error {
	if f.startErr != nil {
		return f.startErr
	}
	return f.Base.Start()
}

func (f *faultyService) Stop() error {
	return multierr.Append(f.Base.Stop(), f.stopErr)
}

func (f *faultyService) Run(ctx context.Context) error {
	if f.runErr != nil {
		return f.runErr
	}
	return f.Base.Run(ctx)
}

func TestStorageConfigScenario(t *testing.T) {
	testlog.Start(t)

	root := mustNew(t, WithName("root"))
	mustNew(t, WithName("storage"), WithParent(root))
	mustNew(t, WithName("config"), WithParent(root))

	require.NoError(t, root.Start())
	assert.Equal(t, StatusRunning, root.Status())
	assert.Equal(t, map[string]Status{"storage": StatusRunning, "config": StatusRunning}, root.Statuses())

	require.NoError(t, root.Stop())
	assert.Equal(t, StatusStopped, root.Status())
	assert.Equal(t, map[string]Status{"storage": StatusStopped, "config": StatusStopped}, root.Statuses())
}

func TestStartStopCascadesToDescendants(t *testing.T) {
	testlog.Start(t)

	root := mustNew(t, WithName("root"))
	mid := mustNew(t, WithName("mid"), WithParent(root))
	leaf := mustNew(t, WithName("leaf"), WithParent(mid))

	require.NoError(t, root.Start())
	for _, n := range []Service{root, mid, leaf} {
		assert.True(t, n.Running(), n.FullPath())
	}
	// statuses stop at direct children
	assert.Equal(t, map[string]Status{"mid": StatusRunning}, root.Statuses())

	require.NoError(t, root.Stop())
	for _, n := range []Service{root, mid, leaf} {
		assert.Equal(t, StatusStopped, n.Status(), n.FullPath())
	}
}

func TestStartAbortsOnFirstChildError(t *testing.T) {
	testlog.Start(t)

	boom := errors.New("boom")
	root := mustNew(t, WithName("root"))
	first := mustNew(t, WithName("first"), WithParent(root))
	bad := newFaulty(t, "bad", root)
	bad.startErr = boom
	last := mustNew(t, WithName("last"), WithParent(root))

	err := root.Start()
	require.Equal(t, boom, err)
	assert.True(t, root.Running())
	assert.True(t, first.Running())
	assert.False(t, bad.Running())
	assert.False(t, last.Running())
}

func TestStopReachesEveryChildDespiteErrors(t *testing.T) {
	testlog.Start(t)

	errA := errors.New("a failed")
	errB := errors.New("b failed")
	root := mustNew(t, WithName("root"))
	a := newFaulty(t, "a", root)
	a.stopErr = errA
	ok := mustNew(t, WithName("ok"), WithParent(root))
	b := newFaulty(t, "b", root)
	b.stopErr = errB

	require.NoError(t, root.Start())
	err := root.Stop()
	require.Error(t, err)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	for _, n := range []Service{root, a, ok, b} {
		assert.False(t, n.Running(), n.Name())
	}
}

func TestStartStopChild(t *testing.T) {
	testlog.Start(t)

	root := mustNew(t, WithName("root"))
	child := mustNew(t, WithName("child"), WithParent(root))

	require.NoError(t, root.StartChild("child"))
	assert.True(t, child.Running())
	assert.False(t, root.Running())
	require.NoError(t, root.StopChild("child"))
	assert.False(t, child.Running())

	require.ErrorIs(t, root.StartChild("missing"), ErrServiceNotFound)
	require.ErrorIs(t, root.StopChild("missing"), ErrServiceNotFound)
}

func TestRunLeafNotStartedReturnsImmediately(t *testing.T) {
	testlog.Start(t)

	leaf := mustNew(t)
	require.NoError(t, leaf.Run(context.Background()))
}

func TestRunLeafReturnsAfterStop(t *testing.T) {
	testlog.Start(t)

	mock := clock.NewMock()
	leaf := mustNew(t, WithClock(mock))
	require.NoError(t, leaf.Start())

	done := make(chan error, 1)
	go func() { done <- leaf.Run(context.Background()) }()

	require.NoError(t, leaf.Stop())
	var runErr error
	require.Eventually(t, func() bool {
		mock.Add(DefaultPollInterval)
		select {
		case runErr = <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, runErr)
}

func TestRunLeafHonorsCancellation(t *testing.T) {
	testlog.Start(t)

	leaf := mustNew(t, WithPollInterval(time.Hour))
	require.NoError(t, leaf.Start())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- leaf.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not observe cancellation")
	}
	assert.True(t, leaf.Running())
}

func TestRunJoinsAllChildren(t *testing.T) {
	testlog.Start(t)

	boom := errors.New("run failed")
	root := mustNew(t, WithName("root"))
	bad := newFaulty(t, "bad", root)
	bad.runErr = boom
	mustNew(t, WithName("idle"), WithParent(root), WithPollInterval(5*time.Millisecond))
	require.NoError(t, root.Start())

	done := make(chan error, 1)
	go func() { done <- root.Run(context.Background()) }()

	// the idle leaf keeps Run alive after bad has already failed
	select {
	case err := <-done:
		t.Fatalf("run returned before every child finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, root.Stop())
	select {
	case err := <-done:
		require.Equal(t, boom, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return after stop")
	}
}

func TestStatusesKeepsSameNamedMembers(t *testing.T) {
	testlog.Start(t)

	first := mustNew(t, WithName("x"))
	second := mustNew(t, WithName("x"))
	merged := Merge(first, second)
	require.NoError(t, first.Start())

	assert.Len(t, merged.Children(), 2)
	assert.Equal(t, map[string]Status{"x": StatusRunning, "x#2": StatusStopped}, merged.Statuses())
}
