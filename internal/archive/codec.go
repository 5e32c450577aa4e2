// Package archive is the pack/unpack primitive for stackback: tar.gz
// payloads and bundles, payload filename encoding, and the deterministic
// archive naming and collision policy on the backup root.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// payloadRoot is the single leading path component every payload tarball
// carries, so unpacking can strip exactly one component without guessing.
const payloadRoot = "data"

// maxUnpackSize caps a single extracted file to guard against
// decompression bombs (100GB).
const maxUnpackSize = 100 * 1024 * 1024 * 1024

// PackDir archives the contents of dir into a tar.gz file at out. All
// entries are placed under a single "data/" component.
func PackDir(dir, out string) error {
	f, err := os.Create(out) // #nosec G304 - controlled path under the capture workspace
	if err != nil {
		return fmt.Errorf("failed to create payload file: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			fmt.Printf("Warning: failed to close payload file: %v\n", err)
		}
	}()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}

		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		header.Name = payloadRoot + "/" + filepath.ToSlash(rel)

		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		src, err := os.Open(path) // #nosec G304 - walking the captured directory
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, src)
		if closeErr := src.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to pack %s: %w", dir, err)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finalize payload tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finalize payload gzip: %w", err)
	}
	return nil
}

// PackFiles bundles the named files (manifest, payloads, compose file)
// into a tar.gz at out. Entries keep their base names only; the archive
// root is flat.
func PackFiles(files []string, out string) error {
	f, err := os.Create(out) // #nosec G304 - controlled backup root path
	if err != nil {
		return fmt.Errorf("failed to create archive %s: %w", out, err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			fmt.Printf("Warning: failed to close archive file: %v\n", err)
		}
	}()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", path, err)
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.Base(path)
		if err := tw.WriteHeader(header); err != nil {
			return err
		}

		src, err := os.Open(path) // #nosec G304 - controlled capture workspace path
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, src)
		if closeErr := src.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		if err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", path, err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive gzip: %w", err)
	}
	return nil
}

// Unpack extracts a tar.gz file into dest. With stripFirst set, exactly
// one leading path component is removed from every entry, matching the
// payload layout produced by PackDir.
func Unpack(file, dest string, stripFirst bool) error {
	f, err := os.Open(file) // #nosec G304 - controlled archive path
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", file, err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			fmt.Printf("Warning: failed to close archive: %v\n", err)
		}
	}()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read gzip stream of %s: %w", file, err)
	}
	defer func() {
		if err := gz.Close(); err != nil {
			fmt.Printf("Warning: failed to close gzip reader: %v\n", err)
		}
	}()

	if err := os.MkdirAll(dest, 0750); err != nil {
		return fmt.Errorf("failed to create destination %s: %w", dest, err)
	}

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read tar stream of %s: %w", file, err)
		}

		name := header.Name
		if stripFirst {
			name = stripFirstComponent(name)
			if name == "" {
				continue
			}
		}
		target, err := secureJoin(dest, name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(header.Mode)&os.ModePerm|0700); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", target, err)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
				return err
			}
			if err := os.Symlink(header.Linkname, target); err != nil && !os.IsExist(err) {
				return fmt.Errorf("failed to create symlink %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(header.Mode)&os.ModePerm) // #nosec G304 - path validated by secureJoin
			if err != nil {
				return fmt.Errorf("failed to create file %s: %w", target, err)
			}
			_, err = io.CopyN(out, tr, maxUnpackSize)
			if err != nil && err != io.EOF {
				if closeErr := out.Close(); closeErr != nil {
					fmt.Printf("Warning: failed to close file: %v\n", closeErr)
				}
				return fmt.Errorf("failed to extract %s: %w", target, err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("failed to close %s: %w", target, err)
			}
		}
	}
	return nil
}

// ExtractFile pulls a single named entry out of a tar.gz bundle into
// destPath, returning os.ErrNotExist when the entry is absent.
func ExtractFile(file, entry, destPath string) error {
	f, err := os.Open(file) // #nosec G304 - controlled archive path
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", file, err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			fmt.Printf("Warning: failed to close archive: %v\n", err)
		}
	}()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read gzip stream of %s: %w", file, err)
	}
	defer func() {
		if err := gz.Close(); err != nil {
			fmt.Printf("Warning: failed to close gzip reader: %v\n", err)
		}
	}()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read tar stream: %w", err)
		}
		if header.Name != entry {
			continue
		}
		out, err := os.Create(destPath) // #nosec G304 - controlled destination path
		if err != nil {
			return err
		}
		_, err = io.CopyN(out, tr, maxUnpackSize)
		if err != nil && err != io.EOF {
			if closeErr := out.Close(); closeErr != nil {
				fmt.Printf("Warning: failed to close file: %v\n", closeErr)
			}
			return fmt.Errorf("failed to extract %s: %w", entry, err)
		}
		return out.Close()
	}
	return fmt.Errorf("entry %s: %w", entry, os.ErrNotExist)
}

func stripFirstComponent(name string) string {
	name = strings.TrimPrefix(name, "./")
	parts := strings.SplitN(name, "/", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func secureJoin(dest, name string) (string, error) {
	target := filepath.Join(dest, filepath.FromSlash(name))
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes destination", name)
	}
	return target, nil
}
