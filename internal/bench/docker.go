package bench

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const agentPort = "8080/tcp"

// DockerServiceRuntime starts agent containers through the local Docker
// daemon, publishing the agent port on an ephemeral host port.
type DockerServiceRuntime struct {
	cli *client.Client
}

func NewDockerServiceRuntime() (*DockerServiceRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("bench: docker client: %w", err)
	}
	return &DockerServiceRuntime{cli: cli}, nil
}

func (r *DockerServiceRuntime) StartService(ctx context.Context, image string, benchType Type) (Service, error) {
	cfg := &container.Config{
		Image: image,
		Env: []string{
			"BENCHMARK_MODE=true",
			"BENCHMARK_TYPE=" + string(benchType),
		},
		ExposedPorts: nat.PortSet{agentPort: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			agentPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
		},
		Resources: container.Resources{
			Memory:   1 << 30,
			NanoCPUs: 1_000_000_000,
		},
	}

	created, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("bench: create container: %w", err)
	}

	svc := &dockerService{cli: r.cli, id: created.ID}
	if err := r.cli.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		svc.remove()
		return nil, fmt.Errorf("bench: start container: %w", err)
	}

	endpoint, err := r.resolveEndpoint(ctx, created.ID)
	if err != nil {
		svc.remove()
		return nil, err
	}
	svc.endpoint = endpoint

	if err := waitReady(ctx, endpoint+"/health", 15*time.Second); err != nil {
		svc.remove()
		return nil, err
	}
	return svc, nil
}

func (r *DockerServiceRuntime) resolveEndpoint(ctx context.Context, id string) (string, error) {
	info, err := r.cli.ContainerInspect(ctx, id)
	if err != nil {
		return "", fmt.Errorf("bench: inspect container: %w", err)
	}
	bindings := info.NetworkSettings.Ports[nat.Port(agentPort)]
	if len(bindings) == 0 {
		return "", fmt.Errorf("bench: no host binding for port %s", agentPort)
	}
	return fmt.Sprintf("http://%s:%s", bindings[0].HostIP, bindings[0].HostPort), nil
}

func waitReady(ctx context.Context, url string, patience time.Duration) error {
	deadline := time.Now().Add(patience)
	httpc := &http.Client{Timeout: 2 * time.Second}
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := httpc.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("bench: service not ready after %s", patience)
}

type dockerService struct {
	cli      *client.Client
	id       string
	endpoint string
}

func (s *dockerService) Endpoint() string { return s.endpoint }

func (s *dockerService) Stats(ctx context.Context) (ResourceStats, error) {
	resp, err := s.cli.ContainerStatsOneShot(ctx, s.id)
	if err != nil {
		return ResourceStats{}, fmt.Errorf("bench: container stats: %w", err)
	}
	defer resp.Body.Close()

	var stats types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return ResourceStats{}, fmt.Errorf("bench: decode stats: %w", err)
	}

	out := ResourceStats{
		MemoryMB: float64(stats.MemoryStats.Usage) / 1024 / 1024,
	}
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage - stats.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(stats.CPUStats.SystemUsage - stats.PreCPUStats.SystemUsage)
	if sysDelta > 0 && cpuDelta > 0 {
		out.CPUPercent = cpuDelta / sysDelta * float64(stats.CPUStats.OnlineCPUs) * 100
	}
	for _, nw := range stats.Networks {
		out.NetworkRxMB += float64(nw.RxBytes) / 1024 / 1024
		out.NetworkTxMB += float64(nw.TxBytes) / 1024 / 1024
	}
	return out, nil
}

func (s *dockerService) Close(ctx context.Context) error {
	stopTimeout := 10
	if err := s.cli.ContainerStop(ctx, s.id, container.StopOptions{Timeout: &stopTimeout}); err != nil {
		return s.removeCtx(ctx)
	}
	return s.removeCtx(ctx)
}

func (s *dockerService) removeCtx(ctx context.Context) error {
	return s.cli.ContainerRemove(ctx, s.id, types.ContainerRemoveOptions{Force: true})
}

func (s *dockerService) remove() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = s.removeCtx(ctx)
}
