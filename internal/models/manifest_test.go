package models

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManifestRoundTrip(t *testing.T) {
	original := &ProjectManifest{
		ProjectName:      "shop",
		BackupTimestamp:  time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC),
		IsComposeProject: true,
		Containers: []ContainerDescriptor{
			{
				ID:             "abc123",
				Name:           "shop-db-1",
				Image:          "postgres:16",
				RestartPolicy:  "unless-stopped",
				ComposeProject: "shop",
				Mounts: []MountRecord{
					{Kind: MountKindVolume, Name: "pgdata", Destination: "/var/lib/postgresql/data"},
				},
			},
		},
		Version: ManifestVersion,
	}

	var buf bytes.Buffer
	require.NoError(t, WriteManifest(&buf, original))

	got, err := ReadManifest(&buf)
	require.NoError(t, err)
	assert.Equal(t, original, got)
}

func TestReadManifestInvariants(t *testing.T) {
	t.Run("unparsable content is an invalid archive", func(t *testing.T) {
		_, err := ReadManifest(strings.NewReader("not json at all"))
		var invalid *InvalidArchiveError
		require.ErrorAs(t, err, &invalid)
	})

	t.Run("empty container list is rejected", func(t *testing.T) {
		_, err := ReadManifest(strings.NewReader(`{"project_name":"x","containers":[]}`))
		var invalid *InvalidArchiveError
		require.ErrorAs(t, err, &invalid)
		assert.Contains(t, invalid.Reason, "no container entries")
	})

	t.Run("empty project name falls back to sentinel", func(t *testing.T) {
		m, err := ReadManifest(strings.NewReader(`{"containers":[{"id":"a","name":"web1","image":"nginx"}]}`))
		require.NoError(t, err)
		assert.Equal(t, FallbackProjectName, m.ProjectName)
	})
}

func TestUniqueMounts(t *testing.T) {
	shared := MountRecord{Kind: MountKindVolume, Name: "pgdata", Destination: "/data"}
	m := &ProjectManifest{
		Containers: []ContainerDescriptor{
			{
				Name: "db",
				Mounts: []MountRecord{
					shared,
					{Kind: MountKindBind, HostPath: "/srv/conf", Destination: "/etc/conf"},
				},
			},
			{
				Name: "worker",
				Mounts: []MountRecord{
					shared,
					{Kind: MountKindVolume, Name: "cache", Destination: "/cache"},
					{Kind: MountKindVolume, Destination: "/anonymous"},
				},
			},
		},
	}

	mounts := m.UniqueMounts()
	require.Len(t, mounts, 3)

	// first-seen order, shared volume once, anonymous mount dropped
	assert.Equal(t, "pgdata", mounts[0].Name)
	assert.Equal(t, "/srv/conf", mounts[1].HostPath)
	assert.Equal(t, "cache", mounts[2].Name)
}

func TestMountRecordIdentifier(t *testing.T) {
	assert.Equal(t, "pgdata", MountRecord{Kind: MountKindVolume, Name: "pgdata"}.Identifier())
	assert.Equal(t, "/srv/www", MountRecord{Kind: MountKindBind, HostPath: "/srv/www"}.Identifier())
}
