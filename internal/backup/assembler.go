// Package backup assembles project archives: it captures mount payloads
// into a scoped workspace, writes the manifest, applies the archive
// naming and collision policy, packs the bundle and records the start
// command in the journal.
package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"go.uber.org/zap"

	"github.com/stackback/stackback/internal/archive"
	"github.com/stackback/stackback/internal/crypto"
	"github.com/stackback/stackback/internal/descriptor"
	"github.com/stackback/stackback/internal/journal"
	"github.com/stackback/stackback/internal/models"
	"github.com/stackback/stackback/internal/prompt"
	"github.com/stackback/stackback/internal/resolve"
	"github.com/stackback/stackback/internal/storage"
)

// Runtime is the container-runtime surface the assembler consumes.
type Runtime interface {
	ListContainers(ctx context.Context) ([]types.Container, error)
	ListContainersByLabel(ctx context.Context, label, value string) ([]types.Container, error)
	Inspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	VolumeMountpoint(ctx context.Context, volumeName string) (string, error)
}

// Assembler runs one backup invocation per call. It owns no global
// state: every capture gets its own workspace, released when the call
// returns whether or not the final pack succeeded.
type Assembler struct {
	runtime  Runtime
	resolver *resolve.Resolver
	builder  *descriptor.Builder
	naming   archive.Naming
	journal  *journal.Journal
	prompter prompt.Prompter
	log      *zap.Logger

	quiet    bool
	encrypt  bool
	password string
	backend  storage.Backend

	// now stamps the manifest and archive name; tests pin it.
	now func() time.Time
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithQuiet suppresses progress output.
func WithQuiet(quiet bool) Option {
	return func(a *Assembler) { a.quiet = quiet }
}

// WithEncryption enables archive encryption with the given password; an
// empty password is prompted for at pack time.
func WithEncryption(password string) Option {
	return func(a *Assembler) {
		a.encrypt = true
		a.password = password
	}
}

// WithBackend replicates every finished archive to a storage backend.
func WithBackend(backend storage.Backend) Option {
	return func(a *Assembler) { a.backend = backend }
}

func NewAssembler(runtime Runtime, naming archive.Naming, j *journal.Journal, prompter prompt.Prompter, log *zap.Logger, opts ...Option) *Assembler {
	a := &Assembler{
		runtime:  runtime,
		resolver: resolve.New(runtime),
		builder:  descriptor.New(runtime),
		naming:   naming,
		journal:  j,
		prompter: prompter,
		log:      log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.encrypt {
		// Collisions must be resolved against the name that actually
		// lands on disk.
		a.naming.Ext = archive.EncryptedExt
	}
	return a
}

// Result describes one finished backup.
type Result struct {
	ProjectName string
	ArchivePath string
	IsCompose   bool
	Containers  int
	Warnings    []models.Warning
}

// PartiallySuccessful reports whether the backup completed with gaps.
func (r *Result) PartiallySuccessful() bool { return len(r.Warnings) > 0 }

// Backup captures the project the identifier resolves to. A resolution
// failure aborts before any side effect; afterwards, per-item capture
// failures are recorded as warnings and the backup continues.
func (a *Assembler) Backup(ctx context.Context, identifier string) (*Result, error) {
	project, err := a.resolver.Resolve(ctx, identifier)
	if err != nil {
		return nil, err
	}

	result := &Result{
		ProjectName: project.Name,
		IsCompose:   project.IsCompose,
		Containers:  len(project.Containers),
	}
	for _, w := range project.Warnings {
		a.warn(result, w)
	}

	a.log.Info("resolved project",
		zap.String("identifier", identifier),
		zap.String("project", project.Name),
		zap.Bool("compose", project.IsCompose),
		zap.Int("containers", len(project.Containers)))

	manifest := &models.ProjectManifest{
		ProjectName:       project.Name,
		BackupTimestamp:   a.now(),
		IsComposeProject:  project.IsCompose,
		ComposeSourcePath: project.ComposeDir,
		Version:           models.ManifestVersion,
	}

	for _, cont := range project.Containers {
		desc, warn := a.builder.Build(ctx, cont)
		if warn != nil {
			a.warn(result, *warn)
		}
		manifest.Containers = append(manifest.Containers, desc)
	}

	// Scoped capture workspace, removed whether or not the pack below
	// succeeds.
	workspace, err := os.MkdirTemp("", "stackback-capture-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create capture workspace: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workspace); err != nil {
			a.log.Warn("failed to remove capture workspace", zap.String("path", workspace), zap.Error(err))
		}
	}()

	bundleFiles := a.capturePayloads(ctx, manifest, workspace, result)

	if project.IsCompose && project.ComposeFile != "" {
		composeCopy := filepath.Join(workspace, archive.ComposeFileEntry)
		if err := copyFile(project.ComposeFile, composeCopy); err != nil {
			a.warn(result, models.Warning{
				Kind:    models.WarnCapture,
				Subject: project.ComposeFile,
				Message: fmt.Sprintf("compose file not captured: %v", err),
			})
		} else {
			bundleFiles = append(bundleFiles, composeCopy)
		}
	}

	// An approved overwrite is remembered so the pre-pack race check can
	// tell "the operator said replace this exact file" apart from "a
	// file appeared here since the name was resolved".
	var approvedPath string
	archivePath, finalName, err := a.naming.Resolve(project.Name, manifest.BackupTimestamp, func(path string) bool {
		if a.prompter.Confirm(fmt.Sprintf("Archive %s already exists. Overwrite?", filepath.Base(path))) {
			approvedPath = path
			return true
		}
		return false
	})
	if err != nil {
		return nil, err
	}

	finalPath, finalName, err := a.pack(bundleFiles, manifest, project.Name, archivePath, finalName, approvedPath, workspace)
	if err != nil {
		return nil, err
	}
	result.ProjectName = finalName
	result.ArchivePath = finalPath

	if err := a.journal.Append(finalName, journalKind(project), startCommand(project, manifest)); err != nil {
		// The archive itself is safe; a journal gap is a warning.
		a.warn(result, models.Warning{
			Kind:    models.WarnCapture,
			Subject: a.journal.Path(),
			Message: fmt.Sprintf("journal entry not written: %v", err),
		})
	}

	if a.backend != nil {
		if err := a.replicate(ctx, finalPath, manifest, result); err != nil {
			a.warn(result, models.Warning{
				Kind:    models.WarnCapture,
				Subject: filepath.Base(finalPath),
				Message: fmt.Sprintf("replication to storage backend failed: %v", err),
			})
		}
	}

	a.log.Info("backup finished",
		zap.String("project", finalName),
		zap.String("archive", finalPath),
		zap.Int("warnings", len(result.Warnings)))
	return result, nil
}

// capturePayloads packs every unique volume and bind mount of the
// manifest into the workspace, once each. Capture failures leave a gap
// plus a warning; restore detects and reports such gaps.
func (a *Assembler) capturePayloads(ctx context.Context, manifest *models.ProjectManifest, workspace string, result *Result) []string {
	var spinner *Spinner
	if !a.quiet {
		spinner = NewSpinner("Capturing mount payloads")
		defer spinner.Stop()
	}

	var files []string
	for _, mount := range manifest.UniqueMounts() {
		var src, payload string
		switch mount.Kind {
		case models.MountKindVolume:
			mp, err := a.runtime.VolumeMountpoint(ctx, mount.Name)
			if err != nil {
				a.warn(result, models.Warning{
					Kind:    models.WarnCapture,
					Subject: mount.Name,
					Message: fmt.Sprintf("volume not captured: %v", err),
				})
				continue
			}
			src = mp
			payload = archive.VolumePayloadName(mount.Name)
		case models.MountKindBind:
			src = mount.HostPath
			payload = archive.BindPayloadName(mount.HostPath)
		default:
			continue
		}

		if spinner != nil {
			spinner.Update("Capturing " + mount.Identifier())
		}

		dst := filepath.Join(workspace, payload)
		if err := archive.PackDir(src, dst); err != nil {
			a.warn(result, models.Warning{
				Kind:    models.WarnCapture,
				Subject: mount.Identifier(),
				Message: fmt.Sprintf("payload not captured: %v", err),
			})
			if removeErr := os.Remove(dst); removeErr != nil && !os.IsNotExist(removeErr) {
				a.log.Warn("failed to remove partial payload", zap.String("path", dst), zap.Error(removeErr))
			}
			continue
		}
		files = append(files, dst)
	}
	return files
}

// pack performs the final assembly. The name collision is re-verified
// here: the earlier check-then-act can race with a concurrent session.
// A path the operator approved for overwrite is written as-is; an
// unapproved collision re-runs the naming policy without prompting and
// takes a fresh suffix, with the manifest re-suffixed to match. Packing
// failure is fatal and reported with the attempted path.
func (a *Assembler) pack(bundleFiles []string, manifest *models.ProjectManifest, projectName, archivePath, finalName, approvedPath, workspace string) (string, string, error) {
	if _, statErr := os.Stat(archivePath); statErr == nil && archivePath != approvedPath {
		var err error
		archivePath, finalName, err = a.naming.Resolve(projectName, manifest.BackupTimestamp, nil)
		if err != nil {
			return "", "", err
		}
	}

	// The manifest carries the suffixed name so archive and content
	// stay in step.
	manifest.ProjectName = finalName
	manifestPath := filepath.Join(workspace, archive.ManifestEntry)
	if err := writeManifestFile(manifestPath, manifest); err != nil {
		return "", "", err
	}
	bundleFiles = append([]string{manifestPath}, bundleFiles...)

	staging := filepath.Join(workspace, "bundle"+archive.ArchiveExt)
	if err := archive.PackFiles(bundleFiles, staging); err != nil {
		return "", "", fmt.Errorf("failed to pack archive at %s: %w", archivePath, err)
	}

	if a.encrypt {
		password := a.password
		if password == "" {
			password = prompt.ReadPassword("Enter encryption password: ", true)
			if password == "" {
				return "", "", fmt.Errorf("encryption password is required")
			}
			a.password = password
		}
		if err := crypto.EncryptFile(staging, archivePath, password); err != nil {
			return "", "", fmt.Errorf("failed to pack archive at %s: %w", archivePath, err)
		}
		return archivePath, finalName, nil
	}

	if err := os.Rename(staging, archivePath); err != nil {
		// Workspace and backup root may sit on different filesystems.
		if copyErr := copyFile(staging, archivePath); copyErr != nil {
			return "", "", fmt.Errorf("failed to pack archive at %s: %w", archivePath, copyErr)
		}
	}
	return archivePath, finalName, nil
}

// replicate uploads the finished archive to the configured backend.
func (a *Assembler) replicate(ctx context.Context, archivePath string, manifest *models.ProjectManifest, result *Result) error {
	f, err := os.Open(archivePath) // #nosec G304 - controlled backup root path
	if err != nil {
		return err
	}
	defer func() {
		if err := f.Close(); err != nil {
			a.log.Warn("failed to close archive", zap.Error(err))
		}
	}()

	stat, err := f.Stat()
	if err != nil {
		return err
	}

	var reader io.Reader = f
	var progress *ProgressReader
	if !a.quiet && stat.Size() > 0 {
		progress = NewProgressReader(f, stat.Size(), "Uploading archive")
		reader = progress
		defer func() {
			if err := progress.Close(); err != nil {
				a.log.Warn("failed to close progress reader", zap.Error(err))
			}
		}()
	}

	return a.backend.Store(ctx, &storage.Archive{
		Name: filepath.Base(archivePath),
		Info: storage.ArchiveInfo{
			Name:        filepath.Base(archivePath),
			ProjectName: manifest.ProjectName,
			Size:        stat.Size(),
			CreatedAt:   manifest.BackupTimestamp,
			IsCompose:   manifest.IsComposeProject,
			Containers:  len(manifest.Containers),
			Encrypted:   a.encrypt,
		},
		DataReader: reader,
	})
}

func (a *Assembler) warn(result *Result, w models.Warning) {
	result.Warnings = append(result.Warnings, w)
	a.log.Warn(w.Message, zap.String("kind", w.Kind), zap.String("subject", w.Subject))
}

// startCommand is the canonical way to bring the archived project back
// up: compose projects are started from their source directory, while a
// single standalone container is started with its reconstructed run
// command.
func startCommand(project *resolve.Project, manifest *models.ProjectManifest) string {
	if project.IsCompose {
		dir := project.ComposeDir
		if dir == "" {
			dir = "."
		}
		return fmt.Sprintf("cd %s && docker compose up -d", descriptor.ShellQuote(dir))
	}

	var commands []string
	for _, desc := range manifest.Containers {
		if desc.LaunchCommand != "" {
			commands = append(commands, desc.LaunchCommand)
		}
	}
	return strings.Join(commands, " && ")
}

func journalKind(project *resolve.Project) string {
	if project.IsCompose {
		return journal.KindCompose
	}
	return journal.KindStandalone
}

func writeManifestFile(path string, manifest *models.ProjectManifest) error {
	f, err := os.Create(path) // #nosec G304 - controlled capture workspace path
	if err != nil {
		return fmt.Errorf("failed to create manifest file: %w", err)
	}
	if err := models.WriteManifest(f, manifest); err != nil {
		if closeErr := f.Close(); closeErr != nil {
			fmt.Printf("Warning: failed to close manifest file: %v\n", closeErr)
		}
		return err
	}
	return f.Close()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) // #nosec G304 - controlled source path
	if err != nil {
		return err
	}
	defer func() {
		if err := in.Close(); err != nil {
			fmt.Printf("Warning: failed to close source file: %v\n", err)
		}
	}()

	out, err := os.Create(dst) // #nosec G304 - controlled destination path
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		if closeErr := out.Close(); closeErr != nil {
			fmt.Printf("Warning: failed to close destination file: %v\n", closeErr)
		}
		return err
	}
	return out.Close()
}
