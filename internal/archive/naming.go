package archive

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Fixed entry names inside the packed root.
const (
	ManifestEntry    = "manifest"
	ComposeFileEntry = "compose-file"
	PayloadExt       = ".payload"
	ArchiveExt       = ".tar.gz"
	EncryptedExt     = ".tar.gz.enc"
)

// TimestampLayout feeds the archive filename: <prefix>_<YYYYMMDD_HHMMSS>_<project>.
const TimestampLayout = "20060102_150405"

// VolumePayloadName names the payload entry of a named volume.
func VolumePayloadName(volumeName string) string {
	return "volume_" + volumeName + PayloadExt
}

// BindPayloadName names the payload entry of a bind-mount host path. The
// path is base64url-encoded without padding: arbitrary paths contain
// separators, so the encoding must be reversible and collision-free.
func BindPayloadName(hostPath string) string {
	return "bind_" + EncodeBindPath(hostPath) + PayloadExt
}

// EncodeBindPath maps a host path to a filesystem-safe token.
func EncodeBindPath(hostPath string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(hostPath))
}

// DecodeBindPath exactly inverts EncodeBindPath.
func DecodeBindPath(encoded string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("malformed bind payload name %q: %w", encoded, err)
	}
	return string(raw), nil
}

// DecodeBindPayloadName recovers the host path from a bind payload
// entry name.
func DecodeBindPayloadName(entry string) (string, error) {
	token := strings.TrimSuffix(strings.TrimPrefix(entry, "bind_"), PayloadExt)
	return DecodeBindPath(token)
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
var underscoreRuns = regexp.MustCompile(`_+`)

// SanitizeProjectName reduces a free-form name to the identifier-safe
// charset: runs of anything outside [A-Za-z0-9._-] collapse to a single
// underscore, leading/trailing underscores are trimmed, and an empty
// result falls back to the fixed sentinel.
func SanitizeProjectName(name string) string {
	name = unsafeNameChars.ReplaceAllString(name, "_")
	name = underscoreRuns.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")
	if name == "" {
		return "unnamed_project"
	}
	return name
}

// Naming computes archive filenames under a backup root with a fixed
// prefix. The zero collision policy is: exact name first; if taken and
// overwrite is declined, the lowest integer suffix n >= 1 that is free.
type Naming struct {
	Root   string
	Prefix string
	// Ext is the on-disk extension collisions are resolved against;
	// empty means ArchiveExt. Encrypted backups set EncryptedExt so the
	// stat checks see the name that will actually be written.
	Ext string
}

func (n Naming) ext() string {
	if n.Ext == "" {
		return ArchiveExt
	}
	return n.Ext
}

// CandidatePath returns the collision-unaware archive path for a project
// at a given timestamp.
func (n Naming) CandidatePath(projectName string, ts time.Time) string {
	return filepath.Join(n.Root, fmt.Sprintf("%s_%s_%s%s", n.Prefix, ts.Format(TimestampLayout), projectName, n.ext()))
}

// SuffixedPath returns the n-suffixed variant of CandidatePath.
func (n Naming) SuffixedPath(projectName string, ts time.Time, suffix int) string {
	return filepath.Join(n.Root, fmt.Sprintf("%s_%s_%s_%d%s", n.Prefix, ts.Format(TimestampLayout), projectName, suffix, n.ext()))
}

// Resolve applies the collision policy. overwrite is consulted only when
// the exact candidate already exists; it returns whether the existing
// file may be replaced. The returned project name carries the same
// numeric suffix as the filename so manifest and archive stay in step.
func (n Naming) Resolve(projectName string, ts time.Time, overwrite func(path string) bool) (path, finalName string, err error) {
	candidate := n.CandidatePath(projectName, ts)
	if _, statErr := os.Stat(candidate); os.IsNotExist(statErr) {
		return candidate, projectName, nil
	} else if statErr != nil && !os.IsNotExist(statErr) {
		return "", "", fmt.Errorf("failed to check archive path %s: %w", candidate, statErr)
	}

	if overwrite != nil && overwrite(candidate) {
		return candidate, projectName, nil
	}

	for i := 1; ; i++ {
		suffixed := n.SuffixedPath(projectName, ts, i)
		if _, statErr := os.Stat(suffixed); os.IsNotExist(statErr) {
			return suffixed, fmt.Sprintf("%s_%d", projectName, i), nil
		} else if statErr != nil && !os.IsNotExist(statErr) {
			return "", "", fmt.Errorf("failed to check archive path %s: %w", suffixed, statErr)
		}
	}
}
