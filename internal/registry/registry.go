// Package registry maintains the approved-code registry keyed by image
// code hash (C2). Records are created by operators, mutated only through
// explicit operations, and never deleted implicitly.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Status is an approved-agent lifecycle state.
type Status string

const (
	StatusApproved   Status = "approved"
	StatusPending    Status = "pending"
	StatusRevoked    Status = "revoked"
	StatusSuspicious Status = "suspicious"
)

// RiskLevel is the operator-assigned risk for an approved agent.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Record is one approved-agent entry, keyed by code hash.
type Record struct {
	CodeHash     string            `json:"code_hash" db:"code_hash"`
	ImageTag     string            `json:"image_tag" db:"image_tag"`
	Name         string            `json:"name" db:"name"`
	Description  string            `json:"description" db:"description"`
	Status       Status            `json:"status" db:"status"`
	RiskLevel    RiskLevel         `json:"risk_level" db:"risk_level"`
	Capabilities []string          `json:"capabilities" db:"-"`
	ApprovedAt   time.Time         `json:"approved_at" db:"approved_at"`
	Metadata     map[string]string `json:"metadata,omitempty" db:"-"`
}

// ErrNotFound is returned when no record exists for a code hash.
var ErrNotFound = errors.New("registry: record not found")

// Store persists records. Implementations are single-writer per code
// hash; readers observe atomically-replaced snapshots.
type Store interface {
	Get(ctx context.Context, codeHash string) (*Record, error)
	Put(ctx context.Context, rec Record) error
	UpdateStatus(ctx context.Context, codeHash string, status Status) error
	List(ctx context.Context) ([]Record, error)
}

// ImageSource resolves local images for hashing and dev auto-discovery.
type ImageSource interface {
	// LayerDigests returns the image's layer content digests in order.
	LayerDigests(ctx context.Context, imageRef string) ([]string, error)
	// ListLocalImages returns locally present image references.
	ListLocalImages(ctx context.Context) ([]string, error)
}

// VerifyResult is the outcome of a registry lookup.
type VerifyResult struct {
	Approved bool     `json:"approved"`
	Record   *Record  `json:"record,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Registry verifies presented code hashes against the approved set.
type Registry struct {
	store  Store
	images ImageSource
}

// New creates a registry over the given store. images may be nil when
// hashing and auto-discovery are not needed (pure lookup mode).
func New(store Store, images ImageSource) *Registry {
	return &Registry{store: store, images: images}
}

// Verify looks up a code hash and reports whether it is approved.
// Unknown hashes and non-approved statuses produce warnings, not errors.
func (r *Registry) Verify(ctx context.Context, codeHash string) (VerifyResult, error) {
	rec, err := r.store.Get(ctx, codeHash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return VerifyResult{
				Warnings: []string{fmt.Sprintf("code hash %s not in approved registry", shortHash(codeHash))},
			}, nil
		}
		return VerifyResult{}, err
	}

	res := VerifyResult{Record: rec}
	switch rec.Status {
	case StatusApproved:
		res.Approved = true
	case StatusPending:
		res.Warnings = append(res.Warnings, fmt.Sprintf("agent %s pending approval", rec.Name))
	case StatusRevoked:
		res.Warnings = append(res.Warnings, fmt.Sprintf("agent %s approval revoked", rec.Name))
	case StatusSuspicious:
		res.Warnings = append(res.Warnings, fmt.Sprintf("agent %s flagged suspicious", rec.Name))
	}
	return res, nil
}

// Add inserts or replaces a record.
func (r *Registry) Add(ctx context.Context, rec Record) error {
	if rec.CodeHash == "" {
		return fmt.Errorf("registry: record requires code hash")
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	if rec.RiskLevel == "" {
		rec.RiskLevel = RiskMedium
	}
	if rec.ApprovedAt.IsZero() {
		rec.ApprovedAt = time.Now().UTC()
	}
	return r.store.Put(ctx, rec)
}

// UpdateStatus transitions a record's lifecycle state.
func (r *Registry) UpdateStatus(ctx context.Context, codeHash string, status Status) error {
	return r.store.UpdateStatus(ctx, codeHash, status)
}

// List returns all records.
func (r *Registry) List(ctx context.Context) ([]Record, error) {
	return r.store.List(ctx)
}

// CalculateHash computes the stable code hash for an image: SHA-256 over
// the ordered layer content digests. Layer order is part of the image's
// content; metadata ordering is not consulted.
func (r *Registry) CalculateHash(ctx context.Context, imageRef string) (string, error) {
	if r.images == nil {
		return "", fmt.Errorf("registry: no image source configured")
	}
	digests, err := r.images.LayerDigests(ctx, imageRef)
	if err != nil {
		return "", fmt.Errorf("registry: inspect %s: %w", imageRef, err)
	}
	h := sha256.New()
	for _, d := range digests {
		h.Write([]byte(d))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// AutoDiscover registers locally present images without a registry entry
// as pending. Development-mode convenience; returns how many were added.
func (r *Registry) AutoDiscover(ctx context.Context) (int, error) {
	if r.images == nil {
		return 0, fmt.Errorf("registry: no image source configured")
	}
	refs, err := r.images.ListLocalImages(ctx)
	if err != nil {
		return 0, fmt.Errorf("registry: list local images: %w", err)
	}

	added := 0
	for _, ref := range refs {
		hash, err := r.CalculateHash(ctx, ref)
		if err != nil {
			log.Debug().Str("image", ref).Err(err).Msg("skip undigestable image")
			continue
		}
		if _, err := r.store.Get(ctx, hash); err == nil {
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return added, err
		}

		rec := Record{
			CodeHash:   hash,
			ImageTag:   ref,
			Name:       ref,
			Status:     StatusPending,
			RiskLevel:  RiskMedium,
			ApprovedAt: time.Now().UTC(),
			Metadata:   map[string]string{"source": "auto_discover"},
		}
		if err := r.store.Put(ctx, rec); err != nil {
			return added, err
		}
		added++
		log.Info().Str("image", ref).Str("code_hash", shortHash(hash)).Msg("auto-registered pending agent")
	}
	return added, nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
