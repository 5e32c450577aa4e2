// Package restore reconstructs a backed-up project from its archive:
// mount payloads first, then the project itself, degrading to warnings
// wherever a single piece cannot be brought back.
package restore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/stackback/stackback/internal/archive"
	"github.com/stackback/stackback/internal/crypto"
	"github.com/stackback/stackback/internal/descriptor"
	"github.com/stackback/stackback/internal/models"
	"github.com/stackback/stackback/internal/prompt"
)

// State names the phase a restore run is in. Transitions are strictly
// forward; a run that finishes with warnings lands in StatePartiallyFailed
// instead of StateDone.
type State string

const (
	StateExtracting            State = "extracting"
	StateManifestLoaded        State = "manifest-loaded"
	StateMountsRestoring       State = "mounts-restoring"
	StateProjectReconstructing State = "project-reconstructing"
	StateDone                  State = "done"
	StatePartiallyFailed       State = "partially-failed"
)

// Runtime is the container-runtime surface the engine consumes.
type Runtime interface {
	ContainerExists(ctx context.Context, nameOrID string) (string, bool, error)
	StopContainer(ctx context.Context, containerID string) (bool, error)
	RemoveContainer(ctx context.Context, containerID string) error
	VolumeExists(ctx context.Context, volumeName string) (bool, error)
	CreateVolume(ctx context.Context, volumeName string) (string, error)
	VolumeMountpoint(ctx context.Context, volumeName string) (string, error)
	RunShellCommand(ctx context.Context, command string) error
}

// Engine restores archives. One engine serves many Restore calls; each
// call gets its own extraction workspace.
type Engine struct {
	runtime  Runtime
	prompter prompt.Prompter
	log      *zap.Logger
	dryRun   bool
	password string
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithDryRun plans the restore and reports every step without touching
// volumes, bind paths or containers.
func WithDryRun(dryRun bool) EngineOption {
	return func(e *Engine) { e.dryRun = dryRun }
}

// WithPassword supplies the decryption password up front; without it an
// encrypted archive triggers a prompt.
func WithPassword(password string) EngineOption {
	return func(e *Engine) { e.password = password }
}

func NewEngine(runtime Runtime, prompter prompt.Prompter, log *zap.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		runtime:  runtime,
		prompter: prompter,
		log:      log,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result describes one finished restore run.
type Result struct {
	State       State
	ProjectName string
	IsCompose   bool
	// StartCommand is the command the operator runs to bring the project
	// up; the engine surfaces it and, for standalone containers, may run
	// it when confirmed. Compose services are never started by the engine.
	StartCommands []string
	Warnings      []models.Warning
	// Instructions are the manual follow-up steps, always ending with a
	// verification reminder.
	Instructions []string
}

// Restore brings back the project stored in the archive at path.
// Extraction and manifest failures abort; every later per-item failure
// degrades to a warning and the run continues.
func (e *Engine) Restore(ctx context.Context, archivePath string) (*Result, error) {
	result := &Result{State: StateExtracting}

	workspace, err := os.MkdirTemp("", "stackback-restore-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create restore workspace: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workspace); err != nil {
			e.log.Warn("failed to remove restore workspace", zap.String("path", workspace), zap.Error(err))
		}
	}()

	extracted, err := e.extract(archivePath, workspace)
	if err != nil {
		return nil, err
	}

	manifest, err := e.loadManifest(extracted)
	if err != nil {
		return nil, err
	}
	result.State = StateManifestLoaded
	result.ProjectName = manifest.ProjectName
	result.IsCompose = manifest.IsComposeProject

	e.log.Info("manifest loaded",
		zap.String("project", manifest.ProjectName),
		zap.Bool("compose", manifest.IsComposeProject),
		zap.Int("containers", len(manifest.Containers)))

	result.State = StateMountsRestoring
	e.restoreMounts(ctx, manifest, extracted, result)

	result.State = StateProjectReconstructing
	if manifest.IsComposeProject {
		e.reconstructCompose(manifest, extracted, result)
	} else {
		e.reconstructStandalone(ctx, manifest, result)
	}

	if len(result.Warnings) == 0 {
		result.State = StateDone
	} else {
		result.State = StatePartiallyFailed
	}
	result.Instructions = append(result.Instructions,
		"Verify the restored project manually before relying on it.")

	e.log.Info("restore finished",
		zap.String("project", manifest.ProjectName),
		zap.String("state", string(result.State)),
		zap.Int("warnings", len(result.Warnings)))
	return result, nil
}

// extract unpacks the archive, decrypting first when the magic header is
// present, and returns the directory holding the flat entry files.
func (e *Engine) extract(archivePath, workspace string) (string, error) {
	source := archivePath
	if crypto.IsEncryptedFile(archivePath) {
		password := e.password
		if password == "" {
			password = prompt.ReadPassword("Enter decryption password: ", false)
		}
		if password == "" {
			return "", fmt.Errorf("archive %s is encrypted and no password was provided", filepath.Base(archivePath))
		}
		decrypted := filepath.Join(workspace, "decrypted"+archive.ArchiveExt)
		if err := crypto.DecryptFile(archivePath, decrypted, password); err != nil {
			return "", fmt.Errorf("failed to decrypt archive: %w", err)
		}
		source = decrypted
	}

	extracted := filepath.Join(workspace, "extracted")
	if err := os.MkdirAll(extracted, 0o750); err != nil {
		return "", fmt.Errorf("failed to create extraction directory: %w", err)
	}
	if err := archive.Unpack(source, extracted, false); err != nil {
		return "", &models.ExtractionError{Path: archivePath, Err: err}
	}
	return extracted, nil
}

func (e *Engine) loadManifest(extracted string) (*models.ProjectManifest, error) {
	f, err := os.Open(filepath.Join(extracted, archive.ManifestEntry)) // #nosec G304 - scoped extraction dir
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &models.InvalidArchiveError{Reason: "manifest entry is missing"}
		}
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			e.log.Warn("failed to close manifest", zap.Error(err))
		}
	}()
	return models.ReadManifest(f)
}

// restoreMounts brings back every unique mount of the manifest. A
// missing payload or a failed unpack is a warning, never an abort: the
// remaining mounts still get restored.
func (e *Engine) restoreMounts(ctx context.Context, manifest *models.ProjectManifest, extracted string, result *Result) {
	for _, mount := range manifest.UniqueMounts() {
		switch mount.Kind {
		case models.MountKindVolume:
			e.restoreVolume(ctx, mount, extracted, result)
		case models.MountKindBind:
			e.restoreBind(mount, extracted, result)
		}
	}
}

func (e *Engine) restoreVolume(ctx context.Context, mount models.MountRecord, extracted string, result *Result) {
	payload := filepath.Join(extracted, archive.VolumePayloadName(mount.Name))
	if _, err := os.Stat(payload); os.IsNotExist(err) {
		e.warn(result, models.Warning{
			Kind:    models.WarnReconstruction,
			Subject: mount.Name,
			Message: "volume payload missing from archive, volume not restored",
		})
		return
	}

	if e.dryRun {
		result.Instructions = append(result.Instructions,
			fmt.Sprintf("Would restore volume %s", mount.Name))
		return
	}

	exists, err := e.runtime.VolumeExists(ctx, mount.Name)
	if err != nil {
		e.warn(result, models.Warning{
			Kind:    models.WarnReconstruction,
			Subject: mount.Name,
			Message: fmt.Sprintf("volume lookup failed: %v", err),
		})
		return
	}
	var mountpoint string
	if exists {
		mountpoint, err = e.runtime.VolumeMountpoint(ctx, mount.Name)
		if err != nil {
			e.warn(result, models.Warning{
				Kind:    models.WarnReconstruction,
				Subject: mount.Name,
				Message: fmt.Sprintf("volume mountpoint lookup failed: %v", err),
			})
			return
		}
	} else {
		mountpoint, err = e.runtime.CreateVolume(ctx, mount.Name)
		if err != nil {
			e.warn(result, models.Warning{
				Kind:    models.WarnReconstruction,
				Subject: mount.Name,
				Message: fmt.Sprintf("volume creation failed: %v", err),
			})
			return
		}
	}

	if err := archive.Unpack(payload, mountpoint, true); err != nil {
		e.warn(result, models.Warning{
			Kind:    models.WarnReconstruction,
			Subject: mount.Name,
			Message: fmt.Sprintf("volume payload unpack failed: %v", err),
		})
	}
}

func (e *Engine) restoreBind(mount models.MountRecord, extracted string, result *Result) {
	payload := filepath.Join(extracted, archive.BindPayloadName(mount.HostPath))
	if _, err := os.Stat(payload); os.IsNotExist(err) {
		e.warn(result, models.Warning{
			Kind:    models.WarnReconstruction,
			Subject: mount.HostPath,
			Message: "bind payload missing from archive, path not restored",
		})
		return
	}

	if e.dryRun {
		result.Instructions = append(result.Instructions,
			fmt.Sprintf("Would restore bind path %s", mount.HostPath))
		return
	}

	if err := os.MkdirAll(mount.HostPath, 0o750); err != nil {
		e.warn(result, models.Warning{
			Kind:    models.WarnReconstruction,
			Subject: mount.HostPath,
			Message: fmt.Sprintf("bind path creation failed: %v", err),
		})
		return
	}
	if err := archive.Unpack(payload, mount.HostPath, true); err != nil {
		e.warn(result, models.Warning{
			Kind:    models.WarnReconstruction,
			Subject: mount.HostPath,
			Message: fmt.Sprintf("bind payload unpack failed: %v", err),
		})
	}
}

// reconstructCompose places the compose file at a target directory and
// reports the start command. The engine never runs compose itself: the
// operator reviews the file first, then starts the services.
func (e *Engine) reconstructCompose(manifest *models.ProjectManifest, extracted string, result *Result) {
	source := filepath.Join(extracted, archive.ComposeFileEntry)
	if _, err := os.Stat(source); os.IsNotExist(err) {
		e.warn(result, models.Warning{
			Kind:    models.WarnReconstruction,
			Subject: manifest.ProjectName,
			Message: "compose file missing from archive, project files not restored",
		})
		return
	}

	targetDir := e.prompter.AskPath("Directory to place the compose file in", manifest.ComposeSourcePath)
	if targetDir == "" {
		e.warn(result, models.Warning{
			Kind:    models.WarnConfirmationDeclined,
			Subject: manifest.ProjectName,
			Message: "no target directory chosen, compose file not restored",
		})
		return
	}

	if services, err := composeServices(source); err == nil && len(services) > 0 {
		result.Instructions = append(result.Instructions,
			fmt.Sprintf("Compose services in this project: %s", strings.Join(services, ", ")))
	}

	startCommand := fmt.Sprintf("cd %s && docker compose up -d", descriptor.ShellQuote(targetDir))
	result.StartCommands = append(result.StartCommands, startCommand)

	if e.dryRun {
		result.Instructions = append(result.Instructions,
			fmt.Sprintf("Would place compose file in %s", targetDir),
			fmt.Sprintf("Start the project with: %s", startCommand))
		return
	}

	if err := os.MkdirAll(targetDir, 0o750); err != nil {
		e.warn(result, models.Warning{
			Kind:    models.WarnReconstruction,
			Subject: targetDir,
			Message: fmt.Sprintf("target directory creation failed: %v", err),
		})
		return
	}
	if err := copyFile(source, filepath.Join(targetDir, "docker-compose.yml")); err != nil {
		e.warn(result, models.Warning{
			Kind:    models.WarnReconstruction,
			Subject: targetDir,
			Message: fmt.Sprintf("compose file copy failed: %v", err),
		})
		return
	}

	result.Instructions = append(result.Instructions,
		fmt.Sprintf("Review the compose file in %s, then start the project with: %s", targetDir, startCommand))
}

// reconstructStandalone recreates standalone containers from their
// launch commands. An existing container of the same name is replaced
// only after explicit confirmation; declining keeps it and records a
// warning.
func (e *Engine) reconstructStandalone(ctx context.Context, manifest *models.ProjectManifest, result *Result) {
	for _, desc := range manifest.Containers {
		if desc.LaunchCommand == "" {
			e.warn(result, models.Warning{
				Kind:    models.WarnReconstruction,
				Subject: desc.Name,
				Message: "no launch command recorded, container not recreated",
			})
			continue
		}

		command := withRestartPolicy(desc.LaunchCommand, desc.RestartPolicy)
		result.StartCommands = append(result.StartCommands, command)

		if e.dryRun {
			result.Instructions = append(result.Instructions,
				fmt.Sprintf("Would recreate container %s with: %s", desc.Name, command))
			continue
		}

		if !e.clearExisting(ctx, desc.Name, result) {
			continue
		}

		if !e.prompter.Confirm(fmt.Sprintf("Run launch command for %s?\n  %s", desc.Name, command)) {
			e.warn(result, models.Warning{
				Kind:    models.WarnConfirmationDeclined,
				Subject: desc.Name,
				Message: "launch declined, container not recreated",
			})
			result.Instructions = append(result.Instructions,
				fmt.Sprintf("Recreate %s manually with: %s", desc.Name, command))
			continue
		}

		if err := e.runtime.RunShellCommand(ctx, command); err != nil {
			e.warn(result, models.Warning{
				Kind:    models.WarnReconstruction,
				Subject: desc.Name,
				Message: fmt.Sprintf("launch command failed: %v", err),
			})
		}
	}
}

// clearExisting handles a name collision with a live container. It
// reports whether reconstruction may proceed.
func (e *Engine) clearExisting(ctx context.Context, name string, result *Result) bool {
	id, exists, err := e.runtime.ContainerExists(ctx, name)
	if err != nil {
		e.warn(result, models.Warning{
			Kind:    models.WarnReconstruction,
			Subject: name,
			Message: fmt.Sprintf("container lookup failed: %v", err),
		})
		return false
	}
	if !exists {
		return true
	}

	if !e.prompter.Confirm(fmt.Sprintf("Container %s already exists. Replace it?", name)) {
		e.warn(result, models.Warning{
			Kind:    models.WarnConfirmationDeclined,
			Subject: name,
			Message: "replacement declined, existing container kept",
		})
		return false
	}

	if _, err := e.runtime.StopContainer(ctx, id); err != nil {
		e.warn(result, models.Warning{
			Kind:    models.WarnReconstruction,
			Subject: name,
			Message: fmt.Sprintf("failed to stop existing container: %v", err),
		})
		return false
	}
	if err := e.runtime.RemoveContainer(ctx, id); err != nil {
		e.warn(result, models.Warning{
			Kind:    models.WarnReconstruction,
			Subject: name,
			Message: fmt.Sprintf("failed to remove existing container: %v", err),
		})
		return false
	}
	return true
}

func (e *Engine) warn(result *Result, w models.Warning) {
	result.Warnings = append(result.Warnings, w)
	e.log.Warn(w.Message, zap.String("kind", w.Kind), zap.String("subject", w.Subject))
}

// runCommandPrefix is the fixed head every reconstructed launch command
// carries; options injected here land before the image token.
const runCommandPrefix = "docker run -d "

// withRestartPolicy injects --restart into the option section of a
// launch command unless the command already carries one or the policy
// is absent. Placing it after the image would hand the flag to the
// container as process arguments. "no" is the runtime default and is
// never materialized.
func withRestartPolicy(command, policy string) string {
	if policy == "" || policy == "no" {
		return command
	}
	if strings.Contains(command, "--restart") {
		return command
	}
	if !strings.HasPrefix(command, runCommandPrefix) {
		return command
	}
	return runCommandPrefix + "--restart " + policy + " " + strings.TrimPrefix(command, runCommandPrefix)
}

// composeServices lists the service names of a compose file, in file
// order where the parser preserves it.
func composeServices(path string) ([]string, error) {
	data, err := os.ReadFile(path) // #nosec G304 - scoped extraction dir
	if err != nil {
		return nil, err
	}
	var doc struct {
		Services map[string]yaml.Node `yaml:"services"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse compose file: %w", err)
	}
	services := make([]string, 0, len(doc.Services))
	for name := range doc.Services {
		services = append(services, name)
	}
	sort.Strings(services)
	return services, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) // #nosec G304 - scoped extraction dir
	if err != nil {
		return err
	}
	defer func() {
		if err := in.Close(); err != nil {
			fmt.Printf("Warning: failed to close source file: %v\n", err)
		}
	}()

	out, err := os.Create(dst) // #nosec G304 - operator-chosen target dir
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
