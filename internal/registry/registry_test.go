package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeImages struct {
	layers map[string][]string
	local  []string
}

func (f *fakeImages) LayerDigests(_ context.Context, imageRef string) ([]string, error) {
	digests, ok := f.layers[imageRef]
	if !ok {
		return nil, fmt.Errorf("image %s not found", imageRef)
	}
	return digests, nil
}

func (f *fakeImages) ListLocalImages(_ context.Context) ([]string, error) {
	return f.local, nil
}

func newTestRegistry(t *testing.T, images *fakeImages) *Registry {
	t.Helper()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "registry.json"))
	require.NoError(t, err)
	return New(store, images)
}

func TestCalculateHashStableAndOrderSensitive(t *testing.T) {
	images := &fakeImages{layers: map[string][]string{
		"agent:v1":        {"sha256:aaa", "sha256:bbb"},
		"agent:v1-copy":   {"sha256:aaa", "sha256:bbb"},
		"agent:reordered": {"sha256:bbb", "sha256:aaa"},
	}}
	reg := newTestRegistry(t, images)
	ctx := context.Background()

	h1, err := reg.CalculateHash(ctx, "agent:v1")
	require.NoError(t, err)
	h2, err := reg.CalculateHash(ctx, "agent:v1-copy")
	require.NoError(t, err)
	h3, err := reg.CalculateHash(ctx, "agent:reordered")
	require.NoError(t, err)

	assert.Equal(t, h1, h2, "same layer content must hash identically")
	assert.NotEqual(t, h1, h3, "layer order is part of image content")
	assert.Len(t, h1, 64)
}

func TestVerifyApprovedRoundTrip(t *testing.T) {
	images := &fakeImages{layers: map[string][]string{
		"agent:v1": {"sha256:aaa", "sha256:bbb"},
	}}
	reg := newTestRegistry(t, images)
	ctx := context.Background()

	hash, err := reg.CalculateHash(ctx, "agent:v1")
	require.NoError(t, err)

	require.NoError(t, reg.Add(ctx, Record{
		CodeHash:  hash,
		ImageTag:  "agent:v1",
		Name:      "arbitrage-agent",
		Status:    StatusApproved,
		RiskLevel: RiskLow,
	}))

	res, err := reg.Verify(ctx, hash)
	require.NoError(t, err)
	assert.True(t, res.Approved)
	require.NotNil(t, res.Record)
	assert.Equal(t, "arbitrage-agent", res.Record.Name)
	assert.Empty(t, res.Warnings)
}

func TestVerifyUnknownHashWarns(t *testing.T) {
	reg := newTestRegistry(t, nil)

	res, err := reg.Verify(context.Background(), "deadbeefdeadbeefdeadbeef")
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Nil(t, res.Record)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "not in approved registry")
}

func TestVerifyNonApprovedStatuses(t *testing.T) {
	reg := newTestRegistry(t, nil)
	ctx := context.Background()

	cases := []struct {
		status Status
		substr string
	}{
		{StatusPending, "pending"},
		{StatusRevoked, "revoked"},
		{StatusSuspicious, "suspicious"},
	}
	for _, tc := range cases {
		hash := fmt.Sprintf("hash-%s", tc.status)
		require.NoError(t, reg.Add(ctx, Record{
			CodeHash: hash, Name: string(tc.status) + "-agent", Status: tc.status,
		}))

		res, err := reg.Verify(ctx, hash)
		require.NoError(t, err)
		assert.False(t, res.Approved, "status %s must not be approved", tc.status)
		require.Len(t, res.Warnings, 1)
		assert.Contains(t, res.Warnings[0], tc.substr)
	}
}

func TestUpdateStatus(t *testing.T) {
	reg := newTestRegistry(t, nil)
	ctx := context.Background()

	require.NoError(t, reg.Add(ctx, Record{CodeHash: "h1", Name: "a", Status: StatusApproved}))
	require.NoError(t, reg.UpdateStatus(ctx, "h1", StatusRevoked))

	res, err := reg.Verify(ctx, "h1")
	require.NoError(t, err)
	assert.False(t, res.Approved)

	assert.ErrorIs(t, reg.UpdateStatus(ctx, "missing", StatusRevoked), ErrNotFound)
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	ctx := context.Background()

	store, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, Record{
		CodeHash: "h1", Name: "agent", Status: StatusApproved,
		Capabilities: []string{"trade", "quote"},
		Metadata:     map[string]string{"team": "ops"},
	}))

	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	rec, err := reopened.Get(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, []string{"trade", "quote"}, rec.Capabilities)
	assert.Equal(t, "ops", rec.Metadata["team"])
}

func TestAutoDiscoverRegistersPending(t *testing.T) {
	images := &fakeImages{
		layers: map[string][]string{
			"local/agent:dev": {"sha256:ccc"},
			"local/other:dev": {"sha256:ddd"},
		},
		local: []string{"local/agent:dev", "local/other:dev"},
	}
	reg := newTestRegistry(t, images)
	ctx := context.Background()

	added, err := reg.AutoDiscover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	// Idempotent: already-known hashes are skipped.
	added, err = reg.AutoDiscover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, added)

	recs, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		assert.Equal(t, StatusPending, rec.Status)
	}
}
