package tee

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/docker/docker/client"
)

// QuoteLabel is the image label agents use to embed their attestation
// quote, base64-encoded or as raw JSON.
const QuoteLabel = "tee.quote"

// ErrNoQuote means the image carries no attestation quote.
var ErrNoQuote = errors.New("tee: image carries no attestation quote")

// QuoteSource retrieves the attestation quote for an image.
type QuoteSource interface {
	QuoteFor(ctx context.Context, imageRef string) ([]byte, error)
}

// DockerQuoteSource reads quotes from image labels via the local
// daemon.
type DockerQuoteSource struct {
	cli *client.Client
}

func NewDockerQuoteSource() (*DockerQuoteSource, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("tee: docker client: %w", err)
	}
	return &DockerQuoteSource{cli: cli}, nil
}

func (s *DockerQuoteSource) QuoteFor(ctx context.Context, imageRef string) ([]byte, error) {
	info, _, err := s.cli.ImageInspectWithRaw(ctx, imageRef)
	if err != nil {
		return nil, fmt.Errorf("tee: inspect image: %w", err)
	}
	if info.Config == nil {
		return nil, ErrNoQuote
	}
	raw, ok := info.Config.Labels[QuoteLabel]
	if !ok || raw == "" {
		return nil, ErrNoQuote
	}
	if decoded, derr := base64.StdEncoding.DecodeString(raw); derr == nil {
		return decoded, nil
	}
	return []byte(raw), nil
}

// SimulatedQuoteSource fabricates simulation-platform quotes for
// environments without TEE hardware; only meaningful together with
// simulation mode on the validator.
type SimulatedQuoteSource struct {
	Architecture string
}

func (s *SimulatedQuoteSource) QuoteFor(_ context.Context, imageRef string) ([]byte, error) {
	arch := s.Architecture
	if arch == "" {
		arch = "amd64"
	}
	return SimulatedQuote(imageRef, arch), nil
}

// SimulatedQuote builds a structurally valid quote on the simulated
// platform carrying the given code identity.
func SimulatedQuote(codeHash, architecture string) []byte {
	env := quoteEnvelope{
		Version:      4,
		Platform:     "simulated",
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Signature:    "simulated",
		PlatformInfo: "software simulation, no hardware root of trust",
		Measurements: map[string]string{"code": codeHash},
		Architecture: architecture,
	}
	data, _ := json.Marshal(env)
	return data
}
