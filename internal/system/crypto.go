package system

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mr-tron/base58"
	"github.com/tyler-smith/go-bip39"

	logs "github.com/danmuck/svctree/internal/logging"
	"github.com/danmuck/svctree/internal/services"
)

const (
	KeySize       = 32
	MnemonicWords = 24
)

var CryptoKind = services.ServiceKind.Extend("CryptoService")

var (
	ErrInvalidKey      = errors.New("system: key must be 32 bytes")
	ErrInvalidMnemonic = errors.New("system: invalid mnemonic")
)

// CryptoService manages 32-byte identity keys and their 24-word BIP-39
// mnemonics. Keys double as ed25519 seeds for the public identity.
type CryptoService struct {
	services.Base

	mu      sync.Mutex
	storage *Storage
	rand    io.Reader
}

// NewCryptoService binds to storage, or to the storage found through the
// tree on first use when storage is nil.
func NewCryptoService(storage *Storage, opts ...services.Option) (*CryptoService, error) {
	c := &CryptoService{storage: storage, rand: rand.Reader}
	opts = append([]services.Option{services.WithKind(CryptoKind)}, opts...)
	if err := c.Init(c, opts...); err != nil {
		return nil, err
	}
	c.Expose("generate", func(context.Context, services.Args) (any, error) {
		mnemonic, key, err := c.GenerateMnemonicAndKey()
		if err != nil {
			return nil, err
		}
		return map[string]string{"mnemonic": mnemonic, "node_id": NodeID(key)}, nil
	})
	c.Expose("identity", func(context.Context, services.Args) (any, error) {
		key, err := c.EnsureUserKey()
		if err != nil {
			return nil, err
		}
		pub, err := PublicIdentity(key)
		if err != nil {
			return nil, err
		}
		return map[string]string{"public_key": pub}, nil
	}, services.Shared())
	c.Expose("recover", func(_ context.Context, args services.Args) (any, error) {
		key, err := c.RecoverUserKey(args["mnemonic"])
		if err != nil {
			return nil, err
		}
		return map[string]string{"node_id": NodeID(key)}, nil
	})
	return c, nil
}

// UseRandom replaces crypto/rand as the key source.
func (c *CryptoService) UseRandom(r io.Reader) { c.rand = r }

func (c *CryptoService) GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(c.rand, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

func MnemonicFromKey(key []byte) (string, error) {
	if len(key) != KeySize {
		return "", fmt.Errorf("%w: got %d", ErrInvalidKey, len(key))
	}
	mnemonic, err := bip39.NewMnemonic(key)
	if err != nil {
		return "", err
	}
	if n := len(strings.Fields(mnemonic)); n != MnemonicWords {
		return "", fmt.Errorf("%w: expected %d words, got %d", ErrInvalidMnemonic, MnemonicWords, n)
	}
	return mnemonic, nil
}

func KeyFromMnemonic(mnemonic string) ([]byte, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if n := len(strings.Fields(mnemonic)); n != MnemonicWords {
		return nil, fmt.Errorf("%w: expected %d words, got %d", ErrInvalidMnemonic, MnemonicWords, n)
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	key, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMnemonic, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidKey, len(key))
	}
	return key, nil
}

func IsValidMnemonic(mnemonic string) bool {
	_, err := KeyFromMnemonic(mnemonic)
	return err == nil
}

func (c *CryptoService) GenerateMnemonicAndKey() (string, []byte, error) {
	key, err := c.GenerateKey()
	if err != nil {
		return "", nil, err
	}
	mnemonic, err := MnemonicFromKey(key)
	if err != nil {
		return "", nil, err
	}
	return mnemonic, key, nil
}

// SaveKey writes key readable by the owner only.
func SaveKey(key []byte, path string) error {
	if len(key) != KeySize {
		return fmt.Errorf("%w: got %d", ErrInvalidKey, len(key))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

// LoadKey returns the key at path, or false when it is missing or malformed.
func LoadKey(path string) ([]byte, bool) {
	key, err := os.ReadFile(path)
	if err != nil || len(key) != KeySize {
		return nil, false
	}
	return key, true
}

// NodeID is the hex form of a key.
func NodeID(key []byte) string {
	return hex.EncodeToString(key)
}

// PublicIdentity is the base58 ed25519 public key derived from key.
func PublicIdentity(key []byte) (string, error) {
	if len(key) != KeySize {
		return "", fmt.Errorf("%w: got %d", ErrInvalidKey, len(key))
	}
	pub := ed25519.NewKeyFromSeed(key).Public().(ed25519.PublicKey)
	return base58.Encode(pub), nil
}

func (c *CryptoService) resolveStorage() (*Storage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.storage != nil {
		return c.storage, nil
	}
	st, err := StorageFrom(c)
	if err != nil {
		return nil, err
	}
	c.storage = st
	return st, nil
}

// EnsureUserKey loads the user key, generating and saving one if absent.
func (c *CryptoService) EnsureUserKey() ([]byte, error) {
	st, err := c.resolveStorage()
	if err != nil {
		return nil, err
	}
	return c.ensureKey(st.UserKeyPath())
}

func (c *CryptoService) EnsureNodeKey(nodeID string) ([]byte, error) {
	if strings.TrimSpace(nodeID) == "" || strings.ContainsAny(nodeID, `/\`) {
		return nil, fmt.Errorf("%w: bad node id %q", services.ErrStructuralMisuse, nodeID)
	}
	st, err := c.resolveStorage()
	if err != nil {
		return nil, err
	}
	return c.ensureKey(st.NodeKeyPath(nodeID))
}

// RecoverUserKey replaces the user key with the one encoded by mnemonic.
func (c *CryptoService) RecoverUserKey(mnemonic string) ([]byte, error) {
	key, err := KeyFromMnemonic(mnemonic)
	if err != nil {
		return nil, err
	}
	st, err := c.resolveStorage()
	if err != nil {
		return nil, err
	}
	if err := SaveKey(key, st.UserKeyPath()); err != nil {
		return nil, err
	}
	logs.Infof("system.CryptoService.RecoverUserKey node_id=%s", NodeID(key))
	return key, nil
}

func (c *CryptoService) ensureKey(path string) ([]byte, error) {
	if key, ok := LoadKey(path); ok {
		return key, nil
	}
	key, err := c.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := SaveKey(key, path); err != nil {
		return nil, err
	}
	logs.Infof("system.CryptoService.ensureKey path=%q generated", path)
	return key, nil
}
