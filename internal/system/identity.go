package system

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/multierr"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	logs "github.com/danmuck/svctree/internal/logging"
	"github.com/danmuck/svctree/internal/services"
)

var IDKind = services.ServiceKind.Extend("IDService")

const (
	databaseName      = "service"
	IdentityClaimType = "identity_claim"
)

var (
	ErrInvalidClaim = errors.New("system: invalid claim")
	ErrUnknownSync  = errors.New("system: unknown sync kind")
)

// Claim is a signed statement. Payload holds canonical JSON so identical
// statements from one signer collapse into a single row.
type Claim struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	PayloadType  string     `gorm:"size:64;not null;uniqueIndex:idx_claims_statement" json:"payload_type"`
	Payload      string     `gorm:"type:text;not null;uniqueIndex:idx_claims_statement" json:"payload"`
	Signature    string     `gorm:"type:text" json:"signature"`
	SignerPubkey string     `gorm:"size:128;not null;uniqueIndex:idx_claims_statement;index" json:"signer_pubkey"`
	Verified     bool       `gorm:"default:false" json:"verified"`
	VerifiedAt   *time.Time `json:"verified_at,omitempty"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime;index" json:"updated_at"`
}

func (Claim) TableName() string { return "claims" }

// Fields decodes the payload; numbers stay json.Number.
func (c Claim) Fields() map[string]any {
	out := map[string]any{}
	dec := json.NewDecoder(strings.NewReader(c.Payload))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return map[string]any{}
	}
	return out
}

func (c Claim) field(key string) string {
	v, ok := c.Fields()[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// Machine tracks when claims were last exchanged with a peer.
type Machine struct {
	ID          string     `gorm:"primaryKey;size:255" json:"id"`
	MachineType string     `gorm:"size:64" json:"machine_type"`
	Endpoint    string     `gorm:"size:512" json:"endpoint,omitempty"`
	LastSyncAt  *time.Time `json:"last_sync_at,omitempty"`
	LastPushAt  *time.Time `json:"last_push_at,omitempty"`
	LastPullAt  *time.Time `json:"last_pull_at,omitempty"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Machine) TableName() string { return "machines" }

type ClaimInput struct {
	PayloadType  string         `json:"payload_type"`
	Payload      map[string]any `json:"payload"`
	Signature    string         `json:"signature"`
	SignerPubkey string         `json:"signer_pubkey"`
}

// ClaimFilter narrows Claims; zero fields match everything.
type ClaimFilter struct {
	PayloadType  string
	SignerPubkey string
}

type ProviderClaim struct {
	Value     string    `json:"value"`
	Verified  bool      `json:"verified"`
	CreatedAt time.Time `json:"created_at"`
	Signer    string    `json:"signer"`
}

type IdentitySummary struct {
	IdentityID       int64                      `json:"identity_id"`
	TotalClaims      int                        `json:"total_claims"`
	VerifiedClaims   int                        `json:"verified_claims"`
	Providers        []string                   `json:"providers"`
	ClaimsByProvider map[string][]ProviderClaim `json:"claims_by_provider"`
	Conflicts        map[string][]string        `json:"conflicts"`
}

// IDService stores identity claims and machine sync state in the sqlite
// database under storage's state directory.
type IDService struct {
	services.Base

	mu      sync.Mutex
	storage *Storage
	db      *gorm.DB
	now     func() time.Time
}

// NewIDService binds to storage, or to the storage found through the tree
// when storage is nil. The database opens on Start or first use.
func NewIDService(storage *Storage, opts ...services.Option) (*IDService, error) {
	s := &IDService{storage: storage, now: time.Now}
	opts = append([]services.Option{services.WithKind(IDKind)}, opts...)
	if err := s.Init(s, opts...); err != nil {
		return nil, err
	}
	s.expose()
	return s, nil
}

func (s *IDService) Start() error {
	if _, err := s.open(); err != nil {
		return err
	}
	return s.Base.Start()
}

func (s *IDService) Stop() error {
	return multierr.Append(s.Close(), s.Base.Stop())
}

// Close releases the database; a later call reopens it.
func (s *IDService) Close() error {
	s.mu.Lock()
	db := s.db
	s.db = nil
	s.mu.Unlock()
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *IDService) open() (*gorm.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db, nil
	}
	if s.storage == nil {
		st, err := StorageFrom(s)
		if err != nil {
			return nil, err
		}
		s.storage = st
	}
	path := s.storage.DatabasePath(databaseName)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Claim{}, &Machine{}); err != nil {
		if sqlDB, derr := db.DB(); derr == nil {
			sqlDB.Close()
		}
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	logs.Debugf("system.IDService.open path=%q", path)
	s.db = db
	return db, nil
}

func canonicalPayload(payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return "", fmt.Errorf("%w: payload: %v", ErrInvalidClaim, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// CreateClaim inserts a claim, or refreshes the signature of the identical
// statement already stored for the same signer.
func (s *IDService) CreateClaim(ctx context.Context, in ClaimInput) (*Claim, error) {
	in.PayloadType = strings.TrimSpace(in.PayloadType)
	in.SignerPubkey = strings.TrimSpace(in.SignerPubkey)
	if in.PayloadType == "" || in.SignerPubkey == "" {
		return nil, fmt.Errorf("%w: payload type and signer are required", ErrInvalidClaim)
	}
	payload, err := canonicalPayload(in.Payload)
	if err != nil {
		return nil, err
	}
	db, err := s.open()
	if err != nil {
		return nil, err
	}

	var claim Claim
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("payload_type = ? AND payload = ? AND signer_pubkey = ?", in.PayloadType, payload, in.SignerPubkey).
			First(&claim).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			claim = Claim{
				PayloadType:  in.PayloadType,
				Payload:      payload,
				Signature:    in.Signature,
				SignerPubkey: in.SignerPubkey,
			}
			return tx.Create(&claim).Error
		case err != nil:
			return err
		}
		claim.Signature = in.Signature
		return tx.Save(&claim).Error
	})
	if err != nil {
		return nil, err
	}
	return &claim, nil
}

// CreateIdentityClaim records that claimedBy owns value at provider for
// identityID.
func (s *IDService) CreateIdentityClaim(ctx context.Context, identityID int64, provider, value string, claimedBy int64, signature, signer string) (*Claim, error) {
	return s.CreateClaim(ctx, ClaimInput{
		PayloadType: IdentityClaimType,
		Payload: map[string]any{
			"identity_id": identityID,
			"provider":    provider,
			"value":       value,
			"claimed_by":  claimedBy,
		},
		Signature:    signature,
		SignerPubkey: signer,
	})
}

func (s *IDService) Claims(ctx context.Context, f ClaimFilter) ([]Claim, error) {
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	q := db.WithContext(ctx).Order("id")
	if f.PayloadType != "" {
		q = q.Where("payload_type = ?", f.PayloadType)
	}
	if f.SignerPubkey != "" {
		q = q.Where("signer_pubkey = ?", f.SignerPubkey)
	}
	var out []Claim
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *IDService) IdentityClaims(ctx context.Context, identityID int64) ([]Claim, error) {
	all, err := s.Claims(ctx, ClaimFilter{PayloadType: IdentityClaimType})
	if err != nil {
		return nil, err
	}
	want := strconv.FormatInt(identityID, 10)
	var out []Claim
	for _, c := range all {
		if c.field("identity_id") == want {
			out = append(out, c)
		}
	}
	return out, nil
}

// ClaimsFor lists identity claims on one provider value, across identities.
func (s *IDService) ClaimsFor(ctx context.Context, provider, value string) ([]Claim, error) {
	all, err := s.Claims(ctx, ClaimFilter{PayloadType: IdentityClaimType})
	if err != nil {
		return nil, err
	}
	var out []Claim
	for _, c := range all {
		if c.field("provider") == provider && c.field("value") == value {
			out = append(out, c)
		}
	}
	return out, nil
}

// HasConflicts reports whether more than one claimant holds provider/value.
func (s *IDService) HasConflicts(ctx context.Context, provider, value string) (bool, error) {
	claims, err := s.ClaimsFor(ctx, provider, value)
	if err != nil {
		return false, err
	}
	return len(claimants(claims)) > 1, nil
}

func claimants(claims []Claim) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, c := range claims {
		by := c.field("claimed_by")
		if by == "" {
			continue
		}
		if _, ok := seen[by]; ok {
			continue
		}
		seen[by] = struct{}{}
		out = append(out, by)
	}
	return out
}

// VerifyClaim marks a claim verified. It reports false for an unknown id.
func (s *IDService) VerifyClaim(ctx context.Context, id uint) (bool, error) {
	db, err := s.open()
	if err != nil {
		return false, err
	}
	now := s.now().UTC()
	res := db.WithContext(ctx).Model(&Claim{}).Where("id = ?", id).
		Updates(map[string]any{"verified": true, "verified_at": now})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *IDService) Summary(ctx context.Context, identityID int64) (IdentitySummary, error) {
	claims, err := s.IdentityClaims(ctx, identityID)
	if err != nil {
		return IdentitySummary{}, err
	}
	sum := IdentitySummary{
		IdentityID:       identityID,
		TotalClaims:      len(claims),
		Providers:        []string{},
		ClaimsByProvider: map[string][]ProviderClaim{},
		Conflicts:        map[string][]string{},
	}
	for _, c := range claims {
		if c.Verified {
			sum.VerifiedClaims++
		}
		provider := c.field("provider")
		if provider == "" {
			continue
		}
		if _, ok := sum.ClaimsByProvider[provider]; !ok {
			sum.Providers = append(sum.Providers, provider)
		}
		value := c.field("value")
		sum.ClaimsByProvider[provider] = append(sum.ClaimsByProvider[provider], ProviderClaim{
			Value:     value,
			Verified:  c.Verified,
			CreatedAt: c.CreatedAt,
			Signer:    c.SignerPubkey,
		})
		rivals, err := s.ClaimsFor(ctx, provider, value)
		if err != nil {
			return IdentitySummary{}, err
		}
		if len(rivals) > 1 {
			sum.Conflicts[provider+":"+value] = claimants(rivals)
		}
	}
	sort.Strings(sum.Providers)
	return sum, nil
}

// RegisterMachine inserts or updates a peer's type and endpoint.
func (s *IDService) RegisterMachine(ctx context.Context, id, machineType, endpoint string) (*Machine, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: machine id is required", ErrInvalidClaim)
	}
	if machineType == "" {
		machineType = "unknown"
	}
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	var m Machine
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("id = ?", id).First(&m).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			m = Machine{ID: id, MachineType: machineType, Endpoint: endpoint}
			return tx.Create(&m).Error
		case err != nil:
			return err
		}
		m.MachineType, m.Endpoint = machineType, endpoint
		return tx.Save(&m).Error
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *IDService) Machines(ctx context.Context) ([]Machine, error) {
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	var out []Machine
	if err := db.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// MarkSync stamps the sync, push or pull time of a machine. It reports
// false for an unknown machine.
func (s *IDService) MarkSync(ctx context.Context, id, kind string) (bool, error) {
	column := map[string]string{"": "last_sync_at", "sync": "last_sync_at", "push": "last_push_at", "pull": "last_pull_at"}[kind]
	if column == "" {
		return false, fmt.Errorf("%w: %q", ErrUnknownSync, kind)
	}
	db, err := s.open()
	if err != nil {
		return false, err
	}
	res := db.WithContext(ctx).Model(&Machine{}).Where("id = ?", id).Update(column, s.now().UTC())
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *IDService) ClaimsSince(ctx context.Context, since time.Time) ([]Claim, error) {
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	var out []Claim
	if err := db.WithContext(ctx).Where("updated_at > ?", since).Order("id").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// PushClaims returns the claims to send to machineID, all of them when
// since is nil, and stamps its push time.
func (s *IDService) PushClaims(ctx context.Context, machineID string, since *time.Time) ([]Claim, error) {
	var (
		claims []Claim
		err    error
	)
	if since != nil {
		claims, err = s.ClaimsSince(ctx, *since)
	} else {
		claims, err = s.Claims(ctx, ClaimFilter{})
	}
	if err != nil {
		return nil, err
	}
	if _, err := s.MarkSync(ctx, machineID, "push"); err != nil {
		return nil, err
	}
	return claims, nil
}

// ReceiveClaims merges claims pulled from machineID, skipping invalid
// ones, and stamps its pull time. It returns how many were stored.
func (s *IDService) ReceiveClaims(ctx context.Context, machineID string, claims []ClaimInput) (int, error) {
	stored := 0
	for _, in := range claims {
		if _, err := s.CreateClaim(ctx, in); err != nil {
			logs.Debugf("system.IDService.ReceiveClaims machine=%q skip err=%v", machineID, err)
			continue
		}
		stored++
	}
	if _, err := s.MarkSync(ctx, machineID, "pull"); err != nil {
		return stored, err
	}
	return stored, nil
}

func (s *IDService) expose() {
	s.Expose("claim", func(ctx context.Context, args services.Args) (any, error) {
		payload := map[string]any{}
		if raw := strings.TrimSpace(args["payload"]); raw != "" {
			if err := json.Unmarshal([]byte(raw), &payload); err != nil {
				return nil, fmt.Errorf("%w: payload: %v", ErrInvalidClaim, err)
			}
		}
		return s.CreateClaim(ctx, ClaimInput{
			PayloadType:  args["type"],
			Payload:      payload,
			Signature:    args["signature"],
			SignerPubkey: args["signer"],
		})
	})
	s.Expose("identity_claim", func(ctx context.Context, args services.Args) (any, error) {
		identity, err := intArg(args, "identity")
		if err != nil {
			return nil, err
		}
		claimedBy, err := intArg(args, "claimed_by")
		if err != nil {
			return nil, err
		}
		return s.CreateIdentityClaim(ctx, identity, args["provider"], args["value"], claimedBy, args["signature"], args["signer"])
	})
	s.Expose("claims", func(ctx context.Context, args services.Args) (any, error) {
		if args["identity"] != "" {
			identity, err := intArg(args, "identity")
			if err != nil {
				return nil, err
			}
			return s.IdentityClaims(ctx, identity)
		}
		return s.Claims(ctx, ClaimFilter{PayloadType: args["type"], SignerPubkey: args["signer"]})
	}, services.Shared())
	s.Expose("verify", func(ctx context.Context, args services.Args) (any, error) {
		id, err := intArg(args, "id")
		if err != nil {
			return nil, err
		}
		return s.VerifyClaim(ctx, uint(id))
	})
	s.Expose("summary", func(ctx context.Context, args services.Args) (any, error) {
		identity, err := intArg(args, "identity")
		if err != nil {
			return nil, err
		}
		return s.Summary(ctx, identity)
	}, services.Shared())
	s.Expose("machine", func(ctx context.Context, args services.Args) (any, error) {
		return s.RegisterMachine(ctx, args["id"], args["type"], args["endpoint"])
	})
	s.Expose("machines", func(ctx context.Context, _ services.Args) (any, error) {
		return s.Machines(ctx)
	}, services.Shared())
	s.Expose("sync", func(ctx context.Context, args services.Args) (any, error) {
		return s.MarkSync(ctx, args["id"], args["kind"])
	})
}

func intArg(args services.Args, key string) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(args[key]), 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", ErrInvalidClaim, key)
	}
	return v, nil
}
