// Package journal keeps an append-only record of the canonical start
// command for every successfully archived project, for audit and manual
// recovery.
package journal

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// FileName is the journal file kept under the backup root.
const FileName = "commands.log"

// Entry kinds recorded in the journal.
const (
	KindCompose    = "compose"
	KindStandalone = "standalone"
)

// Journal appends numbered command lines to a fixed file. Lines have the
// form `<2-digit sequence> <projectName> <kind> <command>`; the sequence
// is 1 + the count of prior non-empty lines.
type Journal struct {
	path string
}

func New(path string) *Journal {
	return &Journal{path: path}
}

// Path returns the journal file location.
func (j *Journal) Path() string { return j.path }

// Append records one successful backup. The write is O_APPEND so
// concurrent sessions interleave whole lines at worst.
func (j *Journal) Append(projectName, kind, command string) error {
	seq, err := j.nextSequence()
	if err != nil {
		return err
	}

	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600) // #nosec G304 - fixed journal path under the backup root
	if err != nil {
		return fmt.Errorf("failed to open command journal: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			fmt.Printf("Warning: failed to close command journal: %v\n", err)
		}
	}()

	if _, err := fmt.Fprintf(f, "%02d %s %s %s\n", seq, projectName, kind, command); err != nil {
		return fmt.Errorf("failed to append to command journal: %w", err)
	}
	return nil
}

// nextSequence is 1 + the number of non-empty lines already present.
func (j *Journal) nextSequence() (int, error) {
	f, err := os.Open(j.path) // #nosec G304 - fixed journal path under the backup root
	if err != nil {
		if os.IsNotExist(err) {
			return 1, nil
		}
		return 0, fmt.Errorf("failed to read command journal: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			fmt.Printf("Warning: failed to close command journal: %v\n", err)
		}
	}()

	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != "" {
			count++
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan command journal: %w", err)
	}
	return count + 1, nil
}
