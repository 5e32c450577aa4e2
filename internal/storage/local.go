package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const metadataSuffix = ".json"

type LocalStorage struct {
	basePath string
}

func NewLocalStorage(config *LocalConfig) (*LocalStorage, error) {
	if config.BasePath == "" {
		return nil, fmt.Errorf("base path is required for local storage")
	}

	if err := os.MkdirAll(config.BasePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &LocalStorage{
		basePath: config.BasePath,
	}, nil
}

func (l *LocalStorage) Store(ctx context.Context, archive *Archive) error {
	dataPath := filepath.Join(l.basePath, archive.Name)

	dataFile, err := os.Create(dataPath) // #nosec G304 - controlled archive storage path
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer func() {
		if err := dataFile.Close(); err != nil {
			fmt.Printf("Warning: failed to close data file: %v\n", err)
		}
	}()

	if _, err := io.Copy(dataFile, archive.DataReader); err != nil {
		if removeErr := os.Remove(dataPath); removeErr != nil {
			fmt.Printf("Warning: failed to remove archive file: %v\n", removeErr)
		}
		return fmt.Errorf("failed to write archive data: %w", err)
	}

	metadataFile, err := os.Create(dataPath + metadataSuffix) // #nosec G304 - controlled archive storage path
	if err != nil {
		if removeErr := os.Remove(dataPath); removeErr != nil {
			fmt.Printf("Warning: failed to remove archive file: %v\n", removeErr)
		}
		return fmt.Errorf("failed to create metadata file: %w", err)
	}
	defer func() {
		if err := metadataFile.Close(); err != nil {
			fmt.Printf("Warning: failed to close metadata file: %v\n", err)
		}
	}()

	if err := json.NewEncoder(metadataFile).Encode(archive.Info); err != nil {
		if removeErr := os.Remove(dataPath); removeErr != nil {
			fmt.Printf("Warning: failed to remove archive file: %v\n", removeErr)
		}
		if removeErr := os.Remove(dataPath + metadataSuffix); removeErr != nil {
			fmt.Printf("Warning: failed to remove metadata file: %v\n", removeErr)
		}
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	return nil
}

func (l *LocalStorage) Retrieve(ctx context.Context, name string) (*Archive, error) {
	dataPath := filepath.Join(l.basePath, name)

	metadataFile, err := os.Open(dataPath + metadataSuffix) // #nosec G304 - controlled archive storage path
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("archive not found: %s", name)
		}
		return nil, fmt.Errorf("failed to open metadata file: %w", err)
	}
	defer func() {
		if err := metadataFile.Close(); err != nil {
			fmt.Printf("Warning: failed to close metadata file: %v\n", err)
		}
	}()

	var info ArchiveInfo
	if err := json.NewDecoder(metadataFile).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}

	dataFile, err := os.Open(dataPath) // #nosec G304 - controlled archive storage path
	if err != nil {
		return nil, fmt.Errorf("failed to open archive file: %w", err)
	}

	return &Archive{
		Name:       name,
		Info:       info,
		DataReader: dataFile,
	}, nil
}

func (l *LocalStorage) List(ctx context.Context) ([]ArchiveInfo, error) {
	entries, err := os.ReadDir(l.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}

	var archives []ArchiveInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metadataSuffix) {
			continue
		}
		metadataPath := filepath.Join(l.basePath, entry.Name())

		metadataFile, err := os.Open(metadataPath) // #nosec G304 - controlled archive storage path
		if err != nil {
			continue
		}

		var info ArchiveInfo
		if err := json.NewDecoder(metadataFile).Decode(&info); err != nil {
			if closeErr := metadataFile.Close(); closeErr != nil {
				fmt.Printf("Warning: failed to close metadata file: %v\n", closeErr)
			}
			continue
		}
		if err := metadataFile.Close(); err != nil {
			fmt.Printf("Warning: failed to close metadata file: %v\n", err)
		}

		archives = append(archives, info)
	}

	return archives, nil
}

func (l *LocalStorage) Delete(ctx context.Context, name string) error {
	dataPath := filepath.Join(l.basePath, name)

	if err := os.Remove(dataPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove archive file: %w", err)
	}

	if err := os.Remove(dataPath + metadataSuffix); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove metadata file: %w", err)
	}

	return nil
}

func (l *LocalStorage) Exists(ctx context.Context, name string) (bool, error) {
	dataPath := filepath.Join(l.basePath, name)

	if _, err := os.Stat(dataPath + metadataSuffix); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check archive existence: %w", err)
	}

	return true, nil
}
