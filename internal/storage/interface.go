package storage

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Archive is a finished project archive held by a backend: the packed
// tar.gz plus its descriptive sidecar.
type Archive struct {
	// Name is the archive filename on the backup root, including
	// extension. It is the storage key.
	Name       string
	Info       ArchiveInfo
	DataReader io.Reader
}

// ArchiveInfo is the sidecar metadata stored next to every archive.
type ArchiveInfo struct {
	Name        string    `json:"name"`
	ProjectName string    `json:"project_name"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
	IsCompose   bool      `json:"is_compose"`
	Containers  int       `json:"containers"`
	Encrypted   bool      `json:"encrypted,omitempty"`
}

// DrainArchive copies a retrieved archive's data into w and closes the
// underlying reader when it is closeable.
func DrainArchive(a *Archive, w io.Writer) error {
	if closer, ok := a.DataReader.(io.Closer); ok {
		defer func() {
			if err := closer.Close(); err != nil {
				fmt.Printf("Warning: failed to close archive reader: %v\n", err)
			}
		}()
	}
	if _, err := io.Copy(w, a.DataReader); err != nil {
		return err
	}
	if closer, ok := w.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Backend stores and retrieves project archives by filename.
type Backend interface {
	Store(ctx context.Context, archive *Archive) error
	Retrieve(ctx context.Context, name string) (*Archive, error)
	List(ctx context.Context) ([]ArchiveInfo, error)
	Delete(ctx context.Context, name string) error
	Exists(ctx context.Context, name string) (bool, error)
}

type Config struct {
	Type  string
	Local *LocalConfig
	GCS   *GCSConfig
	S3    *S3Config
}

type LocalConfig struct {
	BasePath string
}

type GCSConfig struct {
	Bucket      string
	ProjectID   string
	Credentials string
}

type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}
