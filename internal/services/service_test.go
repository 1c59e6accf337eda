package services

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/svctree/internal/testutil/testlog"
)

func mustNew(t *testing.T, opts ...Option) *Base {
	t.Helper()
	b, err := New(opts...)
	require.NoError(t, err)
	return b
}

func TestInitRejectsForeignSelf(t *testing.T) {
	testlog.Start(t)

	other := mustNew(t)
	b := &Base{}
	err := b.Init(other)
	require.ErrorIs(t, err, ErrStructuralMisuse)
}

func TestInitWithParentRegistersChild(t *testing.T) {
	testlog.Start(t)

	root := mustNew(t, WithName("root"))
	storage := mustNew(t, WithName("storage"), WithParent(root))

	got, ok := root.Child("storage")
	require.True(t, ok)
	assert.Same(t, storage, got)
	assert.Same(t, root, storage.Parent())
	assert.Same(t, root, storage.Root())
}

func TestDuplicateSiblingName(t *testing.T) {
	testlog.Start(t)

	root := mustNew(t, WithName("root"))
	mustNew(t, WithName("storage"), WithParent(root))

	_, err := New(WithName("storage"), WithParent(root))
	require.ErrorIs(t, err, ErrDuplicateName)
	assert.Len(t, root.Children(), 1)
}

func TestAddRejectsAttachedChild(t *testing.T) {
	testlog.Start(t)

	a := mustNew(t, WithName("a"))
	b := mustNew(t, WithName("b"))
	child := mustNew(t, WithName("child"))

	require.NoError(t, a.Add(child))
	err := b.Add(child)
	require.ErrorIs(t, err, ErrStructuralMisuse)
	assert.Same(t, a, child.Parent())

	require.ErrorIs(t, a.Add(a), ErrStructuralMisuse)
	require.ErrorIs(t, a.Add(nil), ErrStructuralMisuse)
}

func TestChildrenKeepInsertionOrder(t *testing.T) {
	testlog.Start(t)

	root := mustNew(t, WithName("root"))
	for _, name := range []string{"zeta", "alpha", "mid"} {
		mustNew(t, WithName(name), WithParent(root))
	}

	var names []string
	for _, c := range root.Children() {
		names = append(names, c.Name())
	}
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, names)
}

func TestRemoveRequiresStopped(t *testing.T) {
	testlog.Start(t)

	root := mustNew(t, WithName("root"))
	child := mustNew(t, WithName("child"), WithParent(root))
	require.NoError(t, root.Start())

	_, err := root.Remove("child")
	require.ErrorIs(t, err, ErrStillRunning)
	require.True(t, errors.Is(err, ErrStructuralMisuse))

	require.NoError(t, child.Stop())
	removed, err := root.Remove("child")
	require.NoError(t, err)
	assert.Same(t, child, removed)
	assert.Nil(t, child.Parent())
	assert.Equal(t, "/child", child.FullPath())

	_, err = root.Remove("child")
	require.ErrorIs(t, err, ErrServiceNotFound)

	// a removed child may be attached elsewhere
	other := mustNew(t, WithName("other"))
	require.NoError(t, other.Add(child))
	assert.Equal(t, "/other/child", child.FullPath())
}

func TestNameWithSeparatorRejected(t *testing.T) {
	testlog.Start(t)

	_, err := New(WithName("a/b"))
	require.ErrorIs(t, err, ErrStructuralMisuse)
}
