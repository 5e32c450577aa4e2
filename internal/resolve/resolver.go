// Package resolve turns a free-text identifier into the full set of
// containers that should be backed up together, and fixes the canonical
// project name.
package resolve

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types"

	"github.com/stackback/stackback/internal/archive"
	dockerwrap "github.com/stackback/stackback/internal/docker"
	"github.com/stackback/stackback/internal/models"
)

// Runtime is the discovery surface the resolver consumes.
type Runtime interface {
	ListContainers(ctx context.Context) ([]types.Container, error)
	ListContainersByLabel(ctx context.Context, label, value string) ([]types.Container, error)
}

// Project is a resolved backup unit: either one or more standalone
// containers or the complete membership of a compose project.
type Project struct {
	// Name is the sanitized canonical project name.
	Name string
	// IsCompose reports whether the set carries a compose project label.
	IsCompose bool
	// ComposeDir is the compose working directory recorded in labels.
	ComposeDir string
	// ComposeFile is the first compose config file recorded in labels.
	ComposeFile string
	Containers  []types.Container
	// Warnings records non-fatal resolution gaps, such as a failed
	// compose membership query.
	Warnings []models.Warning
}

// Resolver resolves identifiers against a container runtime.
type Resolver struct {
	runtime Runtime
}

func New(runtime Runtime) *Resolver {
	return &Resolver{runtime: runtime}
}

// Resolve maps an identifier to a project. Resolution order, first
// non-empty match wins: exact container name, exact or shortened
// container ID, then every container whose image equals the identifier.
// No match yields a NotFoundError and the backup aborts before any side
// effects.
//
// When any resolved container carries a compose project label, the
// runtime is re-queried for all containers of that project: the operator
// may have named a single member, but a compose project is backed up as
// a unit.
func (r *Resolver) Resolve(ctx context.Context, identifier string) (*Project, error) {
	containers, err := r.runtime.ListContainers(ctx)
	if err != nil {
		return nil, err
	}

	matched := matchByName(containers, identifier)
	if len(matched) == 0 {
		matched = matchByID(containers, identifier)
	}
	if len(matched) == 0 {
		matched = matchByImage(containers, identifier)
	}
	if len(matched) == 0 {
		return nil, &models.NotFoundError{Identifier: identifier}
	}

	project := &Project{Containers: matched}

	for _, cont := range matched {
		if name := cont.Labels[dockerwrap.ComposeProjectLabel]; name != "" {
			project.IsCompose = true
			project.Name = archive.SanitizeProjectName(name)
			project.ComposeDir = cont.Labels[dockerwrap.ComposeWorkingDirLabel]
			project.ComposeFile = firstConfigFile(cont.Labels[dockerwrap.ComposeConfigFilesLabel])

			// The initially resolved set may be a strict subset of the
			// true project; expand before descriptor capture. A failed
			// expansion backs up only the resolved subset, which the
			// operator must hear about.
			members, err := r.runtime.ListContainersByLabel(ctx, dockerwrap.ComposeProjectLabel, name)
			if err != nil {
				project.Warnings = append(project.Warnings, models.Warning{
					Kind:    models.WarnCapture,
					Subject: project.Name,
					Message: fmt.Sprintf("compose membership query failed, capturing only the resolved containers: %v", err),
				})
			} else if len(members) > 0 {
				project.Containers = members
			}
			return project, nil
		}
	}

	project.Name = archive.SanitizeProjectName(dockerwrap.ContainerName(matched[0]))
	return project, nil
}

func matchByName(containers []types.Container, identifier string) []types.Container {
	var out []types.Container
	for _, cont := range containers {
		for _, name := range cont.Names {
			if strings.TrimPrefix(name, "/") == identifier {
				out = append(out, cont)
				break
			}
		}
	}
	return out
}

func matchByID(containers []types.Container, identifier string) []types.Container {
	for _, cont := range containers {
		if cont.ID == identifier {
			return []types.Container{cont}
		}
	}
	// A shortened ID resolves too, the way the docker CLI accepts one.
	for _, cont := range containers {
		if strings.HasPrefix(cont.ID, identifier) {
			return []types.Container{cont}
		}
	}
	return nil
}

func matchByImage(containers []types.Container, identifier string) []types.Container {
	var out []types.Container
	for _, cont := range containers {
		if cont.Image == identifier {
			out = append(out, cont)
		}
	}
	return out
}

// firstConfigFile splits the comma-separated compose config_files label
// and returns its first entry.
func firstConfigFile(label string) string {
	if label == "" {
		return ""
	}
	return strings.TrimSpace(strings.SplitN(label, ",", 2)[0])
}
