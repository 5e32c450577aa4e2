package models

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// ManifestVersion is written into every manifest so future layout changes
// can be detected on read.
const ManifestVersion = "1"

// Mount kinds as reported by the Docker mount-type tag.
const (
	MountKindVolume = "volume"
	MountKindBind   = "bind"
)

// MountRecord describes one mount of a container. Exactly one of Name
// (named volume) or HostPath (bind mount) is set, selected by Kind.
// Destination is the in-container mount path, kept for documentation;
// restore only depends on the host-side identifier.
type MountRecord struct {
	Kind        string `json:"kind"`
	Name        string `json:"name,omitempty"`
	HostPath    string `json:"host_path,omitempty"`
	Destination string `json:"destination"`
}

// Identifier returns the host-side identifier that uniquely names the
// backing payload of this mount: the volume name or the bind host path.
func (m MountRecord) Identifier() string {
	if m.Kind == MountKindVolume {
		return m.Name
	}
	return m.HostPath
}

// ContainerDescriptor captures everything needed to reconstruct one
// container. Immutable after creation; owned by the manifest that
// contains it. LaunchCommand and ComposeProject are mutually exclusive:
// compose members record their project instead of a standalone command.
type ContainerDescriptor struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Image          string        `json:"image"`
	RestartPolicy  string        `json:"restart_policy,omitempty"`
	LaunchCommand  string        `json:"launch_command,omitempty"`
	Mounts         []MountRecord `json:"mounts,omitempty"`
	Networks       []string      `json:"networks,omitempty"`
	ComposeProject string        `json:"compose_project,omitempty"`
}

// ProjectManifest is the structured record embedded in every archive.
type ProjectManifest struct {
	ProjectName       string                `json:"project_name"`
	BackupTimestamp   time.Time             `json:"backup_timestamp"`
	IsComposeProject  bool                  `json:"is_compose_project"`
	ComposeSourcePath string                `json:"compose_source_path,omitempty"`
	Containers        []ContainerDescriptor `json:"containers"`
	Version           string                `json:"version"`
}

// UniqueMounts returns the deduplicated mounts of all containers in the
// manifest, keyed by host-side identifier, in first-seen order. Two
// containers sharing a volume yield a single record.
func (m *ProjectManifest) UniqueMounts() []MountRecord {
	seen := make(map[string]bool)
	var mounts []MountRecord
	for _, c := range m.Containers {
		for _, mount := range c.Mounts {
			key := mount.Kind + ":" + mount.Identifier()
			if mount.Identifier() == "" || seen[key] {
				continue
			}
			seen[key] = true
			mounts = append(mounts, mount)
		}
	}
	return mounts
}

// WriteManifest serializes the manifest as indented JSON.
func WriteManifest(w io.Writer, m *ProjectManifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// ReadManifest parses a manifest and enforces its invariants: a manifest
// with no parsable container entries cannot be trusted to describe a
// coherent project and is rejected as invalid.
func ReadManifest(r io.Reader) (*ProjectManifest, error) {
	var m ProjectManifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, &InvalidArchiveError{Reason: fmt.Sprintf("manifest is not parsable: %v", err)}
	}
	if len(m.Containers) == 0 {
		return nil, &InvalidArchiveError{Reason: "manifest contains no container entries"}
	}
	if m.ProjectName == "" {
		m.ProjectName = FallbackProjectName
	}
	return &m, nil
}

// FallbackProjectName is used when sanitization leaves nothing usable.
const FallbackProjectName = "unnamed_project"
