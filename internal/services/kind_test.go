package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/svctree/internal/testutil/testlog"
)

type FooService struct{ Base }

type CustomThing struct{ Base }

var (
	fooKind    = ServiceKind.Extend("FooService")
	barFooKind = fooKind.Extend("BarFooService")
)

func TestDeriveNameGrid(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		typeName string
		baseName string
		want     string
	}{
		{"FooService", "Service", "foo"},
		{"BarFooService", "FooService", "bar"},
		{"CustomThing", "Service", "customthing"},
		{"Service", "", "service"},
		{"Service", "Service", "service"},
		{"ServiceService", "Service", "service"},
		{"PlainService", "object", "plainservice"},
		{"StoragePlatform", "Platform", "storage"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DeriveName(tc.typeName, tc.baseName), "%s/%s", tc.typeName, tc.baseName)
	}
}

func TestKindServiceName(t *testing.T) {
	testlog.Start(t)

	assert.Equal(t, "service", ServiceKind.ServiceName())
	assert.Equal(t, "foo", fooKind.ServiceName())
	assert.Equal(t, "bar", barFooKind.ServiceName())
	assert.True(t, barFooKind.Is(ServiceKind))
	assert.True(t, barFooKind.Is(fooKind))
	assert.False(t, fooKind.Is(barFooKind))
}

func TestTypeKindUsesGoTypeName(t *testing.T) {
	testlog.Start(t)

	assert.Equal(t, "foo", TypeKind(&FooService{}, ServiceKind).ServiceName())
	assert.Equal(t, "customthing", TypeKind(CustomThing{}, ServiceKind).ServiceName())
	assert.Equal(t, "FooService", TypeKind(&FooService{}, nil).Name())
}

func TestInitDerivesNameFromKind(t *testing.T) {
	testlog.Start(t)

	foo := &FooService{}
	require.NoError(t, foo.Init(foo, WithKind(fooKind)))
	assert.Equal(t, "foo", foo.Name())
	assert.Equal(t, "foo", foo.PathSegment())

	plain, err := New()
	require.NoError(t, err)
	assert.Equal(t, "service", plain.Name())

	named, err := New(WithName("storage"))
	require.NoError(t, err)
	assert.Equal(t, "storage", named.Name())
}
