package restore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stackback/stackback/internal/archive"
	"github.com/stackback/stackback/internal/models"
)

type fakeRuntime struct {
	existing    map[string]string // container name -> ID
	mountpoints map[string]string // volume name -> host path
	volumes     map[string]bool

	created  []string
	stopped  []string
	removed  []string
	commands []string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		existing:    map[string]string{},
		mountpoints: map[string]string{},
		volumes:     map[string]bool{},
	}
}

func (f *fakeRuntime) ContainerExists(_ context.Context, nameOrID string) (string, bool, error) {
	id, ok := f.existing[nameOrID]
	return id, ok, nil
}

func (f *fakeRuntime) StopContainer(_ context.Context, containerID string) (bool, error) {
	f.stopped = append(f.stopped, containerID)
	return true, nil
}

func (f *fakeRuntime) RemoveContainer(_ context.Context, containerID string) error {
	f.removed = append(f.removed, containerID)
	return nil
}

func (f *fakeRuntime) VolumeExists(_ context.Context, volumeName string) (bool, error) {
	return f.volumes[volumeName], nil
}

func (f *fakeRuntime) CreateVolume(_ context.Context, volumeName string) (string, error) {
	f.volumes[volumeName] = true
	f.created = append(f.created, volumeName)
	return f.mountpoints[volumeName], nil
}

func (f *fakeRuntime) VolumeMountpoint(_ context.Context, volumeName string) (string, error) {
	return f.mountpoints[volumeName], nil
}

func (f *fakeRuntime) RunShellCommand(_ context.Context, command string) error {
	f.commands = append(f.commands, command)
	return nil
}

// scriptPrompter answers confirmations from a fixed map and paths with a
// fixed value; unknown questions get the default answer.
type scriptPrompter struct {
	answers        map[string]bool
	defaultConfirm bool
	path           string
}

func (s *scriptPrompter) Confirm(question string) bool {
	for key, answer := range s.answers {
		if strings.Contains(question, key) {
			return answer
		}
	}
	return s.defaultConfirm
}

func (s *scriptPrompter) AskPath(_, defaultPath string) string {
	if s.path != "" {
		return s.path
	}
	return defaultPath
}

// buildArchive packs a manifest plus payloads into an archive file and
// returns its path.
func buildArchive(t *testing.T, manifest *models.ProjectManifest, payloads map[string]map[string]string, composeFile string) string {
	t.Helper()
	work := t.TempDir()

	var files []string

	manifestPath := filepath.Join(work, archive.ManifestEntry)
	f, err := os.Create(manifestPath)
	require.NoError(t, err)
	require.NoError(t, models.WriteManifest(f, manifest))
	require.NoError(t, f.Close())
	files = append(files, manifestPath)

	for entry, tree := range payloads {
		src := t.TempDir()
		for rel, content := range tree {
			path := filepath.Join(src, rel)
			require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
			require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
		}
		payloadPath := filepath.Join(work, entry)
		require.NoError(t, archive.PackDir(src, payloadPath))
		files = append(files, payloadPath)
	}

	if composeFile != "" {
		composePath := filepath.Join(work, archive.ComposeFileEntry)
		require.NoError(t, os.WriteFile(composePath, []byte(composeFile), 0o600))
		files = append(files, composePath)
	}

	out := filepath.Join(t.TempDir(), "backup_20260830_120000_test.tar.gz")
	require.NoError(t, archive.PackFiles(files, out))
	return out
}

func standaloneManifest(mounts ...models.MountRecord) *models.ProjectManifest {
	return &models.ProjectManifest{
		ProjectName:     "web1",
		BackupTimestamp: time.Now(),
		Containers: []models.ContainerDescriptor{
			{
				ID:            "aaa111",
				Name:          "web1",
				Image:         "nginx:1.27",
				RestartPolicy: "unless-stopped",
				LaunchCommand: "docker run -d --name web1 nginx:1.27",
				Mounts:        mounts,
			},
		},
		Version: models.ManifestVersion,
	}
}

func TestRestoreStandalone(t *testing.T) {
	t.Run("volume and container restored", func(t *testing.T) {
		runtime := newFakeRuntime()
		mountpoint := t.TempDir()
		runtime.mountpoints["webdata"] = mountpoint

		path := buildArchive(t,
			standaloneManifest(models.MountRecord{Kind: models.MountKindVolume, Name: "webdata", Destination: "/data"}),
			map[string]map[string]string{
				archive.VolumePayloadName("webdata"): {"index.html": "<html></html>"},
			}, "")

		engine := NewEngine(runtime, &scriptPrompter{defaultConfirm: true}, zap.NewNop())
		result, err := engine.Restore(context.Background(), path)
		require.NoError(t, err)

		assert.Equal(t, StateDone, result.State)
		assert.Empty(t, result.Warnings)
		assert.Equal(t, []string{"webdata"}, runtime.created)

		data, err := os.ReadFile(filepath.Join(mountpoint, "index.html"))
		require.NoError(t, err)
		assert.Equal(t, "<html></html>", string(data))

		require.Len(t, runtime.commands, 1)
		assert.Equal(t, "docker run -d --restart unless-stopped --name web1 nginx:1.27", runtime.commands[0])
	})

	t.Run("bind payload restored to host path", func(t *testing.T) {
		runtime := newFakeRuntime()
		hostPath := filepath.Join(t.TempDir(), "html")

		path := buildArchive(t,
			standaloneManifest(models.MountRecord{Kind: models.MountKindBind, HostPath: hostPath, Destination: "/usr/share/nginx/html"}),
			map[string]map[string]string{
				archive.BindPayloadName(hostPath): {"index.html": "hello"},
			}, "")

		engine := NewEngine(runtime, &scriptPrompter{defaultConfirm: true}, zap.NewNop())
		result, err := engine.Restore(context.Background(), path)
		require.NoError(t, err)

		assert.Equal(t, StateDone, result.State)
		data, err := os.ReadFile(filepath.Join(hostPath, "index.html"))
		require.NoError(t, err)
		assert.Equal(t, "hello", string(data))
	})

	t.Run("running twice is safe", func(t *testing.T) {
		runtime := newFakeRuntime()
		runtime.mountpoints["webdata"] = t.TempDir()

		path := buildArchive(t,
			standaloneManifest(models.MountRecord{Kind: models.MountKindVolume, Name: "webdata", Destination: "/data"}),
			map[string]map[string]string{
				archive.VolumePayloadName("webdata"): {"index.html": "<html></html>"},
			}, "")

		engine := NewEngine(runtime, &scriptPrompter{defaultConfirm: true}, zap.NewNop())
		for i := 0; i < 2; i++ {
			result, err := engine.Restore(context.Background(), path)
			require.NoError(t, err)
			assert.Equal(t, StateDone, result.State)
		}
		// the volume is only created once
		assert.Equal(t, []string{"webdata"}, runtime.created)
	})

	t.Run("missing payload degrades to warning", func(t *testing.T) {
		runtime := newFakeRuntime()

		path := buildArchive(t,
			standaloneManifest(models.MountRecord{Kind: models.MountKindVolume, Name: "webdata", Destination: "/data"}),
			nil, "")

		engine := NewEngine(runtime, &scriptPrompter{defaultConfirm: true}, zap.NewNop())
		result, err := engine.Restore(context.Background(), path)
		require.NoError(t, err)

		assert.Equal(t, StatePartiallyFailed, result.State)
		require.Len(t, result.Warnings, 1)
		assert.Equal(t, models.WarnReconstruction, result.Warnings[0].Kind)
		// the container is still reconstructed
		assert.Len(t, runtime.commands, 1)
	})

	t.Run("existing container replaced after confirmation", func(t *testing.T) {
		runtime := newFakeRuntime()
		runtime.existing["web1"] = "old-id"

		path := buildArchive(t, standaloneManifest(), nil, "")

		engine := NewEngine(runtime, &scriptPrompter{defaultConfirm: true}, zap.NewNop())
		result, err := engine.Restore(context.Background(), path)
		require.NoError(t, err)

		assert.Equal(t, StateDone, result.State)
		assert.Equal(t, []string{"old-id"}, runtime.stopped)
		assert.Equal(t, []string{"old-id"}, runtime.removed)
		assert.Len(t, runtime.commands, 1)
	})

	t.Run("declined replacement keeps existing container", func(t *testing.T) {
		runtime := newFakeRuntime()
		runtime.existing["web1"] = "old-id"

		prompter := &scriptPrompter{
			answers:        map[string]bool{"Replace it?": false},
			defaultConfirm: true,
		}

		path := buildArchive(t, standaloneManifest(), nil, "")

		engine := NewEngine(runtime, prompter, zap.NewNop())
		result, err := engine.Restore(context.Background(), path)
		require.NoError(t, err)

		assert.Equal(t, StatePartiallyFailed, result.State)
		require.Len(t, result.Warnings, 1)
		assert.Equal(t, models.WarnConfirmationDeclined, result.Warnings[0].Kind)
		assert.Empty(t, runtime.stopped)
		assert.Empty(t, runtime.removed)
		assert.Empty(t, runtime.commands)
	})

	t.Run("declined launch leaves manual instruction", func(t *testing.T) {
		runtime := newFakeRuntime()
		prompter := &scriptPrompter{
			answers:        map[string]bool{"Run launch command": false},
			defaultConfirm: true,
		}

		path := buildArchive(t, standaloneManifest(), nil, "")

		engine := NewEngine(runtime, prompter, zap.NewNop())
		result, err := engine.Restore(context.Background(), path)
		require.NoError(t, err)

		assert.Equal(t, StatePartiallyFailed, result.State)
		assert.Empty(t, runtime.commands)

		found := false
		for _, instruction := range result.Instructions {
			if strings.Contains(instruction, "docker run -d --name web1") {
				found = true
			}
		}
		assert.True(t, found, "manual launch instruction expected")
	})

	t.Run("verification notice always present", func(t *testing.T) {
		runtime := newFakeRuntime()
		path := buildArchive(t, standaloneManifest(), nil, "")

		engine := NewEngine(runtime, &scriptPrompter{defaultConfirm: true}, zap.NewNop())
		result, err := engine.Restore(context.Background(), path)
		require.NoError(t, err)
		require.NotEmpty(t, result.Instructions)
		assert.Contains(t, result.Instructions[len(result.Instructions)-1], "Verify")
	})
}

func TestRestoreCompose(t *testing.T) {
	composeContent := "services:\n  web:\n    image: nginx\n  db:\n    image: postgres\n"

	manifest := &models.ProjectManifest{
		ProjectName:       "shop",
		BackupTimestamp:   time.Now(),
		IsComposeProject:  true,
		ComposeSourcePath: "/srv/shop",
		Containers: []models.ContainerDescriptor{
			{ID: "a", Name: "shop-web-1", Image: "nginx", ComposeProject: "shop"},
			{ID: "b", Name: "shop-db-1", Image: "postgres", ComposeProject: "shop"},
		},
		Version: models.ManifestVersion,
	}

	t.Run("compose file placed, services never started", func(t *testing.T) {
		runtime := newFakeRuntime()
		target := t.TempDir()

		path := buildArchive(t, manifest, nil, composeContent)

		engine := NewEngine(runtime, &scriptPrompter{defaultConfirm: true, path: target}, zap.NewNop())
		result, err := engine.Restore(context.Background(), path)
		require.NoError(t, err)

		assert.Equal(t, StateDone, result.State)
		assert.Empty(t, runtime.commands, "compose services must not be started")

		data, err := os.ReadFile(filepath.Join(target, "docker-compose.yml"))
		require.NoError(t, err)
		assert.Equal(t, composeContent, string(data))

		require.Len(t, result.StartCommands, 1)
		assert.Equal(t, "cd "+target+" && docker compose up -d", result.StartCommands[0])
	})

	t.Run("service names reported from compose file", func(t *testing.T) {
		runtime := newFakeRuntime()
		path := buildArchive(t, manifest, nil, composeContent)

		engine := NewEngine(runtime, &scriptPrompter{defaultConfirm: true, path: t.TempDir()}, zap.NewNop())
		result, err := engine.Restore(context.Background(), path)
		require.NoError(t, err)

		found := false
		for _, instruction := range result.Instructions {
			if strings.Contains(instruction, "db, web") {
				found = true
			}
		}
		assert.True(t, found, "service listing expected in instructions")
	})

	t.Run("missing compose file degrades to warning", func(t *testing.T) {
		runtime := newFakeRuntime()
		path := buildArchive(t, manifest, nil, "")

		engine := NewEngine(runtime, &scriptPrompter{defaultConfirm: true, path: t.TempDir()}, zap.NewNop())
		result, err := engine.Restore(context.Background(), path)
		require.NoError(t, err)

		assert.Equal(t, StatePartiallyFailed, result.State)
		require.Len(t, result.Warnings, 1)
		assert.Equal(t, models.WarnReconstruction, result.Warnings[0].Kind)
	})
}

func TestRestoreDryRun(t *testing.T) {
	runtime := newFakeRuntime()
	hostPath := filepath.Join(t.TempDir(), "html")

	path := buildArchive(t,
		standaloneManifest(
			models.MountRecord{Kind: models.MountKindVolume, Name: "webdata", Destination: "/data"},
			models.MountRecord{Kind: models.MountKindBind, HostPath: hostPath, Destination: "/html"},
		),
		map[string]map[string]string{
			archive.VolumePayloadName("webdata"): {"f": "x"},
			archive.BindPayloadName(hostPath):    {"f": "y"},
		}, "")

	engine := NewEngine(runtime, &scriptPrompter{defaultConfirm: true}, zap.NewNop(), WithDryRun(true))
	result, err := engine.Restore(context.Background(), path)
	require.NoError(t, err)

	assert.Empty(t, runtime.created)
	assert.Empty(t, runtime.commands)
	assert.NoDirExists(t, hostPath)

	planned := strings.Join(result.Instructions, "\n")
	assert.Contains(t, planned, "Would restore volume webdata")
	assert.Contains(t, planned, "Would restore bind path "+hostPath)
	assert.Contains(t, planned, "Would recreate container web1")
}

func TestRestoreInvalidArchives(t *testing.T) {
	runtime := newFakeRuntime()
	engine := NewEngine(runtime, &scriptPrompter{defaultConfirm: true}, zap.NewNop())

	t.Run("manifest entry missing", func(t *testing.T) {
		work := t.TempDir()
		stray := filepath.Join(work, "stray")
		require.NoError(t, os.WriteFile(stray, []byte("x"), 0o600))
		path := filepath.Join(t.TempDir(), "no-manifest.tar.gz")
		require.NoError(t, archive.PackFiles([]string{stray}, path))

		_, err := engine.Restore(context.Background(), path)
		var invalid *models.InvalidArchiveError
		require.ErrorAs(t, err, &invalid)
	})

	t.Run("corrupt archive", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "corrupt.tar.gz")
		require.NoError(t, os.WriteFile(path, []byte("this is not gzip"), 0o600))

		_, err := engine.Restore(context.Background(), path)
		var extraction *models.ExtractionError
		require.ErrorAs(t, err, &extraction)
	})
}

func TestWithRestartPolicy(t *testing.T) {
	tests := []struct {
		name    string
		command string
		policy  string
		want    string
	}{
		{"policy injected before image", "docker run -d --name x img", "always", "docker run -d --restart always --name x img"},
		{"policy precedes trailing arguments", "docker run -d --name x img cmd -g 'daemon off;'", "always", "docker run -d --restart always --name x img cmd -g 'daemon off;'"},
		{"empty policy untouched", "docker run -d --name x img", "", "docker run -d --name x img"},
		{"no policy untouched", "docker run -d --name x img", "no", "docker run -d --name x img"},
		{"existing flag kept", "docker run -d --restart always --name x img", "on-failure:3", "docker run -d --restart always --name x img"},
		{"retry count carried", "docker run -d --name x img", "on-failure:3", "docker run -d --restart on-failure:3 --name x img"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, withRestartPolicy(tt.command, tt.policy))
		})
	}
}
