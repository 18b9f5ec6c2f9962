package scanner

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
)

// DockerClient reads image metadata from the local daemon. Implements
// ImageIntrospector for the scanner and the registry's image source.
type DockerClient struct {
	cli *client.Client
}

// NewDockerClient connects to the daemon from the environment with API
// version negotiation.
func NewDockerClient() (*DockerClient, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("scanner: docker client: %w", err)
	}
	return &DockerClient{cli: cli}, nil
}

// Close releases the daemon connection.
func (d *DockerClient) Close() error { return d.cli.Close() }

// Inspect returns id, size, architecture, and config environment.
func (d *DockerClient) Inspect(ctx context.Context, imageRef string) (ImageInfo, error) {
	inspect, _, err := d.cli.ImageInspectWithRaw(ctx, imageRef)
	if err != nil {
		return ImageInfo{}, fmt.Errorf("scanner: inspect %s: %w", imageRef, err)
	}
	info := ImageInfo{
		ID:           inspect.ID,
		Size:         inspect.Size,
		Architecture: inspect.Architecture,
	}
	if inspect.Config != nil {
		info.Env = inspect.Config.Env
	}
	return info, nil
}

// History returns the image build history newest-first.
func (d *DockerClient) History(ctx context.Context, imageRef string) ([]Layer, error) {
	items, err := d.cli.ImageHistory(ctx, imageRef)
	if err != nil {
		return nil, fmt.Errorf("scanner: history %s: %w", imageRef, err)
	}
	layers := make([]Layer, 0, len(items))
	for _, item := range items {
		layers = append(layers, Layer{Command: item.CreatedBy, Size: item.Size})
	}
	return layers, nil
}

// LayerDigests returns the ordered layer content digests of the image.
// Satisfies the registry's image source.
func (d *DockerClient) LayerDigests(ctx context.Context, imageRef string) ([]string, error) {
	inspect, _, err := d.cli.ImageInspectWithRaw(ctx, imageRef)
	if err != nil {
		return nil, fmt.Errorf("scanner: inspect %s: %w", imageRef, err)
	}
	return inspect.RootFS.Layers, nil
}

// ListLocalImages returns all tagged image references on the daemon.
func (d *DockerClient) ListLocalImages(ctx context.Context) ([]string, error) {
	summaries, err := d.cli.ImageList(ctx, types.ImageListOptions{})
	if err != nil {
		return nil, fmt.Errorf("scanner: list images: %w", err)
	}
	var refs []string
	for _, summary := range summaries {
		for _, tag := range summary.RepoTags {
			if tag == "<none>:<none>" {
				continue
			}
			refs = append(refs, tag)
		}
	}
	return refs, nil
}
