package docker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
)

// Compose labels written by docker compose onto every managed container.
const (
	ComposeProjectLabel     = "com.docker.compose.project"
	ComposeWorkingDirLabel  = "com.docker.compose.project.working_dir"
	ComposeConfigFilesLabel = "com.docker.compose.project.config_files"
)

// Client wraps the Docker client with the operations stackback needs:
// discovery by name/ID/image/label, inspection, volume management and
// container lifecycle.
type Client struct {
	docker *client.Client
}

// NewClient creates a new Docker client wrapper
func NewClient() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	// Test Docker connection
	_, err = cli.Ping(context.Background())
	if err != nil {
		return nil, fmt.Errorf("cannot connect to Docker daemon: %w", err)
	}

	return &Client{docker: cli}, nil
}

// ListContainers returns all containers, running or not.
func (c *Client) ListContainers(ctx context.Context) ([]types.Container, error) {
	containers, err := c.docker.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	return containers, nil
}

// ListContainersByLabel returns all containers carrying label=value.
func (c *Client) ListContainersByLabel(ctx context.Context, label, value string) ([]types.Container, error) {
	f := filters.NewArgs()
	f.Add("label", fmt.Sprintf("%s=%s", label, value))
	containers, err := c.docker.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers by label %s=%s: %w", label, value, err)
	}
	return containers, nil
}

// ContainerExists reports whether a container with the given name or ID
// exists, returning its full ID when it does.
func (c *Client) ContainerExists(ctx context.Context, nameOrID string) (string, bool, error) {
	containers, err := c.ListContainers(ctx)
	if err != nil {
		return "", false, err
	}
	for _, cont := range containers {
		if cont.ID == nameOrID {
			return cont.ID, true, nil
		}
		for _, containerName := range cont.Names {
			if strings.TrimPrefix(containerName, "/") == nameOrID {
				return cont.ID, true, nil
			}
		}
	}
	return "", false, nil
}

// ContainerName returns the primary name of a listed container without
// the leading slash.
func ContainerName(cont types.Container) string {
	if len(cont.Names) == 0 {
		return cont.ID[:12]
	}
	return strings.TrimPrefix(cont.Names[0], "/")
}

// Inspect returns the full inspection record of a container.
func (c *Client) Inspect(ctx context.Context, containerID string) (types.ContainerJSON, error) {
	info, err := c.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return types.ContainerJSON{}, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}
	return info, nil
}

// IsContainerRunning checks if a container is currently running
func (c *Client) IsContainerRunning(ctx context.Context, containerID string) (bool, error) {
	info, err := c.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return false, err
	}
	return info.State.Running, nil
}

// StopContainer stops a container and returns whether it was running
func (c *Client) StopContainer(ctx context.Context, containerID string) (bool, error) {
	wasRunning, err := c.IsContainerRunning(ctx, containerID)
	if err != nil {
		return false, err
	}

	if wasRunning {
		timeout := 30 // seconds
		err = c.docker.ContainerStop(ctx, containerID, container.StopOptions{
			Timeout: &timeout,
		})
		if err != nil {
			return wasRunning, fmt.Errorf("failed to stop container: %w", err)
		}
	}

	return wasRunning, nil
}

// RemoveContainer force-removes a container.
func (c *Client) RemoveContainer(ctx context.Context, containerID string) error {
	if err := c.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}
	return nil
}

// VolumeExists checks if a volume exists
func (c *Client) VolumeExists(ctx context.Context, volumeName string) (bool, error) {
	_, err := c.docker.VolumeInspect(ctx, volumeName)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// VolumeMountpoint returns the host-side backing path of a volume.
func (c *Client) VolumeMountpoint(ctx context.Context, volumeName string) (string, error) {
	vol, err := c.docker.VolumeInspect(ctx, volumeName)
	if err != nil {
		return "", fmt.Errorf("volume '%s' not found: %w", volumeName, err)
	}
	return vol.Mountpoint, nil
}

// CreateVolume creates a named volume and returns its backing path.
func (c *Client) CreateVolume(ctx context.Context, volumeName string) (string, error) {
	vol, err := c.docker.VolumeCreate(ctx, volume.CreateOptions{Name: volumeName})
	if err != nil {
		return "", fmt.Errorf("failed to create volume '%s': %w", volumeName, err)
	}
	return vol.Mountpoint, nil
}

// ListVolumes returns all Docker volumes.
func (c *Client) ListVolumes(ctx context.Context) ([]*volume.Volume, error) {
	volumeList, err := c.docker.VolumeList(ctx, volume.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list volumes: %w", err)
	}
	return volumeList.Volumes, nil
}

// RunShellCommand executes a reconstructed container-creation command
// through the shell. The command was assembled with shell-escaped
// arguments and surfaced to the operator before this is called.
func (c *Client) RunShellCommand(ctx context.Context, command string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command) // #nosec G204 - command assembled from escaped inspect data, confirmed by the operator
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("container creation command failed: %w", err)
	}
	return nil
}
