package system

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/svctree/internal/services"
	"github.com/danmuck/svctree/internal/testutil/testlog"
)

func TestMnemonicRoundTrip(t *testing.T) {
	testlog.Start(t)

	cs, err := NewCryptoService(nil)
	require.NoError(t, err)
	assert.Equal(t, "crypto", cs.Name())

	mnemonic, key, err := cs.GenerateMnemonicAndKey()
	require.NoError(t, err)
	assert.Len(t, key, KeySize)
	assert.Len(t, strings.Fields(mnemonic), MnemonicWords)
	assert.True(t, IsValidMnemonic(mnemonic))

	back, err := KeyFromMnemonic("  " + strings.ReplaceAll(mnemonic, " ", "   ") + "\n")
	require.NoError(t, err)
	assert.Equal(t, key, back)
}

func TestMnemonicRejectsBadInput(t *testing.T) {
	testlog.Start(t)

	_, err := MnemonicFromKey(make([]byte, 16))
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = KeyFromMnemonic("abandon abandon abandon")
	require.ErrorIs(t, err, ErrInvalidMnemonic)

	words := strings.Fields(strings.Repeat("abandon ", MnemonicWords))
	_, err = KeyFromMnemonic(strings.Join(words, " "))
	require.ErrorIs(t, err, ErrInvalidMnemonic)
	assert.False(t, IsValidMnemonic("not a mnemonic"))
}

func TestDeterministicKeyAndIdentity(t *testing.T) {
	testlog.Start(t)

	cs, err := NewCryptoService(nil)
	require.NoError(t, err)
	cs.UseRandom(bytes.NewReader(bytes.Repeat([]byte{0x01}, KeySize)))

	key, err := cs.GenerateKey()
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("01", KeySize), NodeID(key))

	id1, err := PublicIdentity(key)
	require.NoError(t, err)
	id2, err := PublicIdentity(key)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.NotEmpty(t, id1)

	_, err = cs.GenerateKey()
	require.Error(t, err, "exhausted random source")
}

func TestEnsureKeysPersist(t *testing.T) {
	testlog.Start(t)

	st := newTestStorage(t)
	require.NoError(t, st.Start())
	cs, err := NewCryptoService(st)
	require.NoError(t, err)

	first, err := cs.EnsureUserKey()
	require.NoError(t, err)
	second, err := cs.EnsureUserKey()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	info, err := os.Stat(st.UserKeyPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	node, err := cs.EnsureNodeKey("node-a")
	require.NoError(t, err)
	assert.NotEqual(t, first, node)
	again, ok := LoadKey(st.NodeKeyPath("node-a"))
	require.True(t, ok)
	assert.Equal(t, node, again)

	_, err = cs.EnsureNodeKey("../escape")
	require.ErrorIs(t, err, services.ErrStructuralMisuse)
}

func TestRecoverReplacesUserKey(t *testing.T) {
	testlog.Start(t)

	st := newTestStorage(t)
	cs, err := NewCryptoService(st)
	require.NoError(t, err)
	mnemonic, key, err := cs.GenerateMnemonicAndKey()
	require.NoError(t, err)

	_, err = cs.EnsureUserKey()
	require.NoError(t, err)
	out, err := services.Call(context.Background(), cs, "recover", services.Args{"mnemonic": mnemonic})
	require.NoError(t, err)
	assert.Equal(t, NodeID(key), out.(map[string]string)["node_id"])

	stored, ok := LoadKey(st.UserKeyPath())
	require.True(t, ok)
	assert.Equal(t, key, stored)
}

func TestIdentityIsSharedGenerateIsNot(t *testing.T) {
	testlog.Start(t)

	cs, err := NewCryptoService(newTestStorage(t))
	require.NoError(t, err)
	peer := services.WithCaller(context.Background(), services.Caller{ID: "peer-1", Role: services.RolePeer})

	out, err := services.Call(peer, cs, "identity", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, out.(map[string]string)["public_key"])

	_, err = services.Call(peer, cs, "generate", nil)
	require.ErrorIs(t, err, services.ErrForbidden)
}
