// Package descriptor builds the per-container metadata record a backup
// carries: identity, image, restart policy, mounts, networks and a
// reconstructed launch command for standalone containers.
package descriptor

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/docker/docker/api/types"

	dockerwrap "github.com/stackback/stackback/internal/docker"
	"github.com/stackback/stackback/internal/models"
)

// Inspector is the inspection surface the builder consumes.
type Inspector interface {
	Inspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
}

// Builder produces one ContainerDescriptor per container handle.
type Builder struct {
	inspector Inspector
}

func New(inspector Inspector) *Builder {
	return &Builder{inspector: inspector}
}

// Build inspects a container and produces its descriptor. An inspection
// failure yields a partial descriptor from the listing data plus a
// warning instead of an error: a backup with imperfect metadata beats no
// backup.
func (b *Builder) Build(ctx context.Context, cont types.Container) (models.ContainerDescriptor, *models.Warning) {
	desc := models.ContainerDescriptor{
		ID:    cont.ID,
		Name:  dockerwrap.ContainerName(cont),
		Image: cont.Image,
	}

	info, err := b.inspector.Inspect(ctx, cont.ID)
	if err != nil {
		return desc, &models.Warning{
			Kind:    models.WarnCapture,
			Subject: desc.Name,
			Message: fmt.Sprintf("inspection failed, descriptor is partial: %v", err),
		}
	}

	if info.Config != nil && info.Config.Image != "" {
		desc.Image = info.Config.Image
	}
	if info.HostConfig != nil {
		desc.RestartPolicy = restartPolicy(info)
	}
	desc.Mounts = mountRecords(info)
	desc.Networks = networkNames(info)

	if info.Config != nil {
		desc.ComposeProject = info.Config.Labels[dockerwrap.ComposeProjectLabel]
	}
	// A compose member is recreated through its compose file, never
	// through a reconstructed docker run command.
	if desc.ComposeProject == "" {
		desc.LaunchCommand = LaunchCommand(info)
	}

	return desc, nil
}

// restartPolicy renders the recorded policy as <name>[:max-retry].
func restartPolicy(info types.ContainerJSON) string {
	policy := string(info.HostConfig.RestartPolicy.Name)
	if policy == "" {
		return ""
	}
	if info.HostConfig.RestartPolicy.MaximumRetryCount > 0 {
		return fmt.Sprintf("%s:%d", policy, info.HostConfig.RestartPolicy.MaximumRetryCount)
	}
	return policy
}

// mountRecords classifies the container's mounts by the runtime's
// mount-type tag. Everything that is neither a named volume nor a bind
// (tmpfs, npipe) has no capturable payload and is skipped.
func mountRecords(info types.ContainerJSON) []models.MountRecord {
	var records []models.MountRecord
	for _, m := range info.Mounts {
		switch {
		case m.Type == "volume" && m.Name != "":
			records = append(records, models.MountRecord{
				Kind:        models.MountKindVolume,
				Name:        m.Name,
				Destination: m.Destination,
			})
		case m.Type == "bind" && m.Source != "":
			records = append(records, models.MountRecord{
				Kind:        models.MountKindBind,
				HostPath:    m.Source,
				Destination: m.Destination,
			})
		}
	}
	return records
}

func networkNames(info types.ContainerJSON) []string {
	if info.NetworkSettings == nil {
		return nil
	}
	var names []string
	for name := range info.NetworkSettings.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LaunchCommand reconstructs a docker run command sufficient to recreate
// the container outside of compose: environment, published ports, mounts,
// volumes-from and link references, name, image and the original command
// arguments. Arguments are shell-escaped, never re-parsed, so values
// containing spaces or quotes survive the round trip.
func LaunchCommand(info types.ContainerJSON) string {
	args := []string{"docker", "run", "-d", "--name", ShellQuote(strings.TrimPrefix(info.Name, "/"))}

	if info.Config != nil {
		for _, env := range info.Config.Env {
			args = append(args, "-e", ShellQuote(env))
		}
	}

	if info.HostConfig != nil {
		args = append(args, portArgs(info)...)

		for _, bind := range info.HostConfig.Binds {
			args = append(args, "-v", ShellQuote(bind))
		}
		for _, from := range info.HostConfig.VolumesFrom {
			args = append(args, "--volumes-from", ShellQuote(from))
		}
		for _, link := range info.HostConfig.Links {
			args = append(args, "--link", ShellQuote(strings.TrimPrefix(link, "/")))
		}
	}

	// Named volumes appear in Mounts, not in Binds.
	for _, m := range info.Mounts {
		if m.Type == "volume" && m.Name != "" {
			args = append(args, "-v", ShellQuote(fmt.Sprintf("%s:%s", m.Name, m.Destination)))
		}
	}

	image := ""
	if info.Config != nil {
		image = info.Config.Image
	}
	args = append(args, ShellQuote(image))

	if info.Config != nil {
		for _, arg := range info.Config.Cmd {
			args = append(args, ShellQuote(arg))
		}
	}

	return strings.Join(args, " ")
}

// portArgs renders -p host-ip:host-port:container-port triples in a
// deterministic order.
func portArgs(info types.ContainerJSON) []string {
	var ports []string
	for containerPort, bindings := range info.HostConfig.PortBindings {
		for _, binding := range bindings {
			hostIP := binding.HostIP
			if hostIP == "" {
				hostIP = "0.0.0.0"
			}
			ports = append(ports, fmt.Sprintf("%s:%s:%s", hostIP, binding.HostPort, containerPort.Port()))
		}
	}
	sort.Strings(ports)

	var args []string
	for _, p := range ports {
		args = append(args, "-p", ShellQuote(p))
	}
	return args
}

// ShellQuote single-quotes s for the shell when it contains anything
// outside the safe charset.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n\"'`$\\&|;<>()*?[]#~!{}") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
