// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package launcher

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

// DockerRuntime implements ContainerRuntime over the local docker engine.
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects to the engine from the standard environment
// (DOCKER_HOST etc).
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

// Close releases the client.
func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

// Start creates and starts a container.
func (d *DockerRuntime) Start(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image: spec.Image,
		Env:   spec.Env,
	}
	hostCfg := &container.HostConfig{
		Binds:      spec.Binds,
		AutoRemove: false,
	}
	if spec.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.Network)
	}

	created, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}

	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// Don't leave the created-but-unstarted container behind.
		_ = d.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("failed to start container %s: %w", spec.Name, err)
	}

	return created.ID, nil
}

// Wait blocks until the container is no longer running.
func (d *DockerRuntime) Wait(ctx context.Context, id string) (int64, error) {
	waitCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case res := <-waitCh:
		if res.Error != nil {
			return res.StatusCode, fmt.Errorf("container wait: %s", res.Error.Message)
		}
		return res.StatusCode, nil
	case err := <-errCh:
		return 0, fmt.Errorf("failed to wait for container: %w", err)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Stop stops a container; a missing container is a no-op.
func (d *DockerRuntime) Stop(ctx context.Context, nameOrID string) error {
	timeout := 10
	err := d.cli.ContainerStop(ctx, nameOrID, container.StopOptions{Timeout: &timeout})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to stop container %s: %w", nameOrID, err)
	}
	return nil
}

// Remove deletes a container; a missing container is a no-op.
func (d *DockerRuntime) Remove(ctx context.Context, nameOrID string) error {
	err := d.cli.ContainerRemove(ctx, nameOrID, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", nameOrID, err)
	}
	return nil
}
