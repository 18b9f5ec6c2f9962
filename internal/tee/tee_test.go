package tee

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfort/fortress/internal/config"
	"github.com/agentfort/fortress/internal/registry"
)

type fakeRegistry struct {
	records map[string]*registry.Record
}

func (f *fakeRegistry) Verify(_ context.Context, codeHash string) (registry.VerifyResult, error) {
	rec, ok := f.records[codeHash]
	if !ok {
		return registry.VerifyResult{Warnings: []string{"code hash " + codeHash + " not in approved registry"}}, nil
	}
	res := registry.VerifyResult{Record: rec}
	if rec.Status == registry.StatusApproved {
		res.Approved = true
	}
	return res, nil
}

func simValidator(t *testing.T, reg RegistryLookup) *Validator {
	t.Helper()
	v, err := NewValidator(reg, config.TEEConfig{SimulationMode: true, MaxClockSkew: 5 * time.Minute})
	require.NoError(t, err)
	return v
}

func sgxQuote(t *testing.T, mutate func(map[string]any)) []byte {
	t.Helper()
	doc := map[string]any{
		"version":   4,
		"platform":  "Intel SGX",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"signature": "c2lnbmF0dXJl",
		"measurements": map[string]string{
			"mrenclave": "aabb0011",
			"mrsigner":  "ccdd2233",
		},
	}
	if mutate != nil {
		mutate(doc)
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	return data
}

func TestValidateMalformedQuote(t *testing.T) {
	v := simValidator(t, &fakeRegistry{})

	res := v.Validate(context.Background(), []byte("not a quote"))
	assert.False(t, res.Valid)
	assert.Equal(t, TrustUntrusted, res.TrustLevel)
	assert.NotEmpty(t, res.Errors)
}

func TestValidateMissingMeasurement(t *testing.T) {
	v := simValidator(t, &fakeRegistry{})
	quote := sgxQuote(t, func(doc map[string]any) {
		doc["measurements"] = map[string]string{"mrenclave": "aabb0011"}
	})

	res := v.Validate(context.Background(), quote)
	assert.False(t, res.Valid)
	assert.Equal(t, TrustUntrusted, res.TrustLevel)
}

func TestSimulationCapsTrustAtLow(t *testing.T) {
	reg := &fakeRegistry{records: map[string]*registry.Record{
		"aabb0011": {CodeHash: "aabb0011", Name: "good", Status: registry.StatusApproved, RiskLevel: registry.RiskLow},
	}}
	v := simValidator(t, reg)

	res := v.Validate(context.Background(), sgxQuote(t, nil))
	assert.True(t, res.Valid)
	assert.Equal(t, PlatformSimulated, res.Platform)
	assert.Equal(t, TrustLow, res.TrustLevel, "simulation caps trust regardless of registry state")
	assert.NotEmpty(t, res.Warnings)
}

func TestRevokedCodeHashForcesUntrusted(t *testing.T) {
	reg := &fakeRegistry{records: map[string]*registry.Record{
		"aabb0011": {CodeHash: "aabb0011", Name: "bad", Status: registry.StatusRevoked},
	}}
	v := simValidator(t, reg)

	res := v.Validate(context.Background(), sgxQuote(t, nil))
	assert.False(t, res.Valid)
	assert.Equal(t, TrustUntrusted, res.TrustLevel)
	assert.NotEmpty(t, res.Errors)
}

func TestUnknownCodeHashIsLowWithWarning(t *testing.T) {
	v := simValidator(t, &fakeRegistry{})

	res := v.Validate(context.Background(), sgxQuote(t, nil))
	assert.True(t, res.Valid)
	assert.Equal(t, TrustLow, res.TrustLevel)
	require.NotEmpty(t, res.Warnings)
}

func TestStrictArchRejectsARM(t *testing.T) {
	v, err := NewValidator(&fakeRegistry{}, config.TEEConfig{
		SimulationMode: true,
		StrictArch:     true,
	})
	require.NoError(t, err)

	quote := sgxQuote(t, func(doc map[string]any) { doc["architecture"] = "arm64" })
	res := v.Validate(context.Background(), quote)
	assert.False(t, res.Valid)
	assert.Equal(t, TrustUntrusted, res.TrustLevel)
}

func TestClockSkewWarns(t *testing.T) {
	v := simValidator(t, &fakeRegistry{})
	quote := sgxQuote(t, func(doc map[string]any) {
		doc["timestamp"] = time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	})

	res := v.Validate(context.Background(), quote)
	assert.True(t, res.Valid)

	found := false
	for _, w := range res.Warnings {
		if strings.Contains(w, "skew") {
			found = true
		}
	}
	assert.True(t, found, "expected a skew warning in %v", res.Warnings)
}

// Full trust table with real signature verification.
func TestTrustTableWithVerifiedChain(t *testing.T) {
	caPEM, leafPEM := testCertChain(t)
	caPath := filepath.Join(t.TempDir(), "root.pem")
	require.NoError(t, os.WriteFile(caPath, caPEM, 0o644))

	cases := []struct {
		name     string
		record   *registry.Record
		expected TrustLevel
		valid    bool
	}{
		{"approved low risk", &registry.Record{Status: registry.StatusApproved, RiskLevel: registry.RiskLow}, TrustHigh, true},
		{"approved medium risk", &registry.Record{Status: registry.StatusApproved, RiskLevel: registry.RiskMedium}, TrustMedium, true},
		{"approved high risk", &registry.Record{Status: registry.StatusApproved, RiskLevel: registry.RiskHigh}, TrustLow, true},
		{"pending", &registry.Record{Status: registry.StatusPending}, TrustLow, true},
		{"suspicious", &registry.Record{Status: registry.StatusSuspicious}, TrustUntrusted, false},
		{"unknown", nil, TrustLow, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			records := map[string]*registry.Record{}
			if tc.record != nil {
				rec := *tc.record
				rec.CodeHash = "aabb0011"
				rec.Name = tc.name
				records["aabb0011"] = &rec
			}
			v, err := NewValidator(&fakeRegistry{records: records}, config.TEEConfig{
				RootCAPaths:  []string{caPath},
				MaxClockSkew: 5 * time.Minute,
			})
			require.NoError(t, err)

			quote := sgxQuote(t, func(doc map[string]any) {
				doc["cert_chain"] = []string{string(leafPEM)}
			})
			res := v.Validate(context.Background(), quote)
			assert.Equal(t, tc.valid, res.Valid)
			assert.Equal(t, tc.expected, res.TrustLevel)
		})
	}
}

func TestUnverifiableChainIsUntrusted(t *testing.T) {
	caPEM, _ := testCertChain(t)
	caPath := filepath.Join(t.TempDir(), "root.pem")
	require.NoError(t, os.WriteFile(caPath, caPEM, 0o644))

	v, err := NewValidator(&fakeRegistry{}, config.TEEConfig{RootCAPaths: []string{caPath}})
	require.NoError(t, err)

	// No chain at all: signatures never soft-pass.
	res := v.Validate(context.Background(), sgxQuote(t, nil))
	assert.False(t, res.Valid)
	assert.Equal(t, TrustUntrusted, res.TrustLevel)

	// Chain signed by a different CA.
	_, otherLeaf := testCertChain(t)
	res = v.Validate(context.Background(), sgxQuote(t, func(doc map[string]any) {
		doc["cert_chain"] = []string{string(otherLeaf)}
	}))
	assert.False(t, res.Valid)
	assert.Equal(t, TrustUntrusted, res.TrustLevel)
}

// testCertChain generates a throwaway CA and a leaf it signed.
func testCertChain(t *testing.T) (caPEM, leafPEM []byte) {
	t.Helper()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test attestation root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "test quoting enclave"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, caCert, &leafKey.PublicKey, caKey)
	require.NoError(t, err)

	caPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER})
	leafPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leafDER})
	return caPEM, leafPEM
}
