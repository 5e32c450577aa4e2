package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseArchiveName(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		project string
		created string
	}{
		{"plain prefix", "backup_20260830_140509_web1.tar.gz", "web1", "2026-08-30 14:05:09"},
		{"prefix with underscore", "my_backup_20260830_140509_web1.tar.gz", "web1", "2026-08-30 14:05:09"},
		{"suffixed project", "backup_20260830_140509_web1_1.tar.gz", "web1_1", "2026-08-30 14:05:09"},
		{"project with underscores", "backup_20260830_140509_My_Shop.tar.gz", "My_Shop", "2026-08-30 14:05:09"},
		{"encrypted archive", "backup_20260830_140509_web1.tar.gz.enc", "web1", "2026-08-30 14:05:09"},
		{"no timestamp", "somefile.tar.gz", "somefile", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			project, created := parseArchiveName(tt.file)
			assert.Equal(t, tt.project, project)
			assert.Equal(t, tt.created, created)
		})
	}
}
