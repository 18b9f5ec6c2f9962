package backtest

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog/log"
)

// RunSpec declares one container execution.
type RunSpec struct {
	Image    string
	Env      []string
	DataDir  string // host dir bound read-only at /data
	Memory   int64
	NanoCPUs int64
	Timeout  time.Duration
}

// RunStatus reports how the container finished.
type RunStatus struct {
	ExitCode int64
	TimedOut bool
}

// ContainerRuntime abstracts the container engine so tests can run
// without a daemon.
type ContainerRuntime interface {
	ImageExists(ctx context.Context, imageRef string) (bool, error)
	// Run creates, starts, and waits for a container, streaming its
	// stdout into the writer. The container is force-removed on every
	// exit path.
	Run(ctx context.Context, spec RunSpec, stdout io.Writer) (RunStatus, error)
}

// DockerRuntime runs agents on the local Docker daemon.
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects to the daemon from the environment.
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("backtest: docker client: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

// Close releases the daemon connection.
func (d *DockerRuntime) Close() error { return d.cli.Close() }

func (d *DockerRuntime) ImageExists(ctx context.Context, imageRef string) (bool, error) {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, imageRef)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (d *DockerRuntime) Run(ctx context.Context, spec RunSpec, stdout io.Writer) (RunStatus, error) {
	hostConfig := &container.HostConfig{
		NetworkMode: "none",
		Resources: container.Resources{
			Memory:   spec.Memory,
			NanoCPUs: spec.NanoCPUs,
		},
	}
	if spec.DataDir != "" {
		hostConfig.Binds = []string{spec.DataDir + ":/data:ro"}
	}

	created, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image: spec.Image,
		Env:   spec.Env,
	}, hostConfig, nil, nil, "")
	if err != nil {
		return RunStatus{}, fmt.Errorf("backtest: create container: %w", err)
	}
	id := created.ID

	// Removal must survive ctx cancellation.
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := d.cli.ContainerRemove(rmCtx, id, types.ContainerRemoveOptions{Force: true}); err != nil {
			log.Warn().Str("container", id[:12]).Err(err).Msg("container remove failed")
		}
	}()

	if err := d.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return RunStatus{}, fmt.Errorf("backtest: start container: %w", err)
	}

	logs, err := d.cli.ContainerLogs(ctx, id, types.ContainerLogsOptions{
		ShowStdout: true,
		Follow:     true,
	})
	if err != nil {
		return RunStatus{}, fmt.Errorf("backtest: attach logs: %w", err)
	}
	defer logs.Close()

	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(stdout, io.Discard, logs)
		copyDone <- copyErr
	}()

	waitCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	waitCh, errCh := d.cli.ContainerWait(waitCtx, id, container.WaitConditionNotRunning)
	var status RunStatus
	select {
	case resp := <-waitCh:
		status.ExitCode = resp.StatusCode
	case err := <-errCh:
		if waitCtx.Err() != nil {
			status.TimedOut = true
			stopTimeout := 10
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
			if stopErr := d.cli.ContainerStop(stopCtx, id, container.StopOptions{Timeout: &stopTimeout}); stopErr != nil {
				log.Warn().Str("container", id[:12]).Err(stopErr).Msg("container stop failed")
			}
			stopCancel()
		} else if err != nil {
			return status, fmt.Errorf("backtest: wait container: %w", err)
		}
	}

	// Drain remaining buffered output before the caller parses it. The
	// copier writes into the caller-owned buffer, so it must be finished
	// before Run returns.
	drainCopy(copyDone, logs, 5*time.Second)
	return status, nil
}

// drainCopy waits for the log copier to finish. If it does not finish
// within the grace period, the stream is closed to force the copier's
// read to fail, and the copier is awaited so the destination buffer is
// quiescent when the caller reads it.
func drainCopy(copyDone <-chan error, stream io.Closer, grace time.Duration) {
	select {
	case <-copyDone:
	case <-time.After(grace):
		stream.Close()
		<-copyDone
	}
}
