package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stackback/stackback/internal/archive"
	"github.com/stackback/stackback/internal/backup"
	"github.com/stackback/stackback/internal/crypto"
	"github.com/stackback/stackback/internal/docker"
	"github.com/stackback/stackback/internal/journal"
	"github.com/stackback/stackback/internal/logging"
	"github.com/stackback/stackback/internal/models"
	"github.com/stackback/stackback/internal/prompt"
	"github.com/stackback/stackback/internal/restore"
	"github.com/stackback/stackback/internal/storage"
	"github.com/stackback/stackback/pkg/version"
)

// Global variables for CLI flags
var (
	backupDir     string
	archivePrefix string
	verbose       bool
	quiet         bool
	dryRun        bool
	yes           bool
	// Storage flags
	storageType  string
	gcsBucket    string
	gcsProject   string
	gcsCredsFile string
	s3Bucket     string
	s3Region     string
	s3Endpoint   string
	s3AccessKey  string
	s3SecretKey  string
	// Encryption flags
	encrypt  bool
	password string
)

// remoteBackend returns the replication backend, or nil for local
// storage where archives already live under the backup root.
func remoteBackend(ctx context.Context) (storage.Backend, error) {
	switch storageType {
	case "local":
		return nil, nil
	case "gcs":
		if gcsBucket == "" {
			return nil, fmt.Errorf("GCS bucket is required when using GCS storage")
		}
		return storage.NewBackend(ctx, &storage.Config{
			Type: "gcs",
			GCS: &storage.GCSConfig{
				Bucket:      gcsBucket,
				ProjectID:   gcsProject,
				Credentials: gcsCredsFile,
			},
		})
	case "s3":
		if s3Bucket == "" {
			return nil, fmt.Errorf("S3 bucket is required when using S3 storage")
		}
		return storage.NewBackend(ctx, &storage.Config{
			Type: "s3",
			S3: &storage.S3Config{
				Bucket:    s3Bucket,
				Region:    s3Region,
				Endpoint:  s3Endpoint,
				AccessKey: s3AccessKey,
				SecretKey: s3SecretKey,
			},
		})
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
}

func newLogger() (*zap.Logger, error) {
	return logging.New(backupDir, verbose)
}

func prompter() prompt.Prompter {
	if yes {
		return prompt.AutoAccept{}
	}
	return prompt.Terminal{}
}

func main() {
	var rootCmd = &cobra.Command{
		Use:     "stackback",
		Short:   "Docker project backup and restore tool",
		Long:    "stackback backs up Docker containers, compose projects and their volume and bind-mount data into single self-contained archives, and restores them later",
		Version: version.Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Commands that never touch the backup root skip validation
			if cmd.Name() == "containers" || cmd.Name() == "volumes" {
				return nil
			}

			if backupDir != "" {
				if _, err := os.Stat(backupDir); os.IsNotExist(err) {
					if err := os.MkdirAll(backupDir, 0750); err != nil {
						return fmt.Errorf("cannot create backup directory %s: %w", backupDir, err)
					}
				}
			}
			return nil
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&backupDir, "backup-dir", "./backups", "Directory to store archives, the command journal and the log file")
	rootCmd.PersistentFlags().StringVar(&archivePrefix, "prefix", "backup", "Archive filename prefix")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Quiet output")
	rootCmd.PersistentFlags().BoolVarP(&yes, "yes", "y", false, "Answer yes to every confirmation prompt")

	// Storage backend flags
	rootCmd.PersistentFlags().StringVar(&storageType, "storage", "local", "Storage backend type (local, gcs, s3)")

	// GCS flags
	rootCmd.PersistentFlags().StringVar(&gcsBucket, "gcs-bucket", "", "GCS bucket name")
	rootCmd.PersistentFlags().StringVar(&gcsProject, "gcs-project", "", "GCS project ID")
	rootCmd.PersistentFlags().StringVar(&gcsCredsFile, "gcs-creds", "", "Path to GCS credentials file")

	// S3 flags
	rootCmd.PersistentFlags().StringVar(&s3Bucket, "s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().StringVar(&s3Region, "s3-region", "us-east-1", "S3 region")
	rootCmd.PersistentFlags().StringVar(&s3Endpoint, "s3-endpoint", "", "S3 endpoint (for S3-compatible services)")
	rootCmd.PersistentFlags().StringVar(&s3AccessKey, "s3-access-key", "", "S3 access key")
	rootCmd.PersistentFlags().StringVar(&s3SecretKey, "s3-secret-key", "", "S3 secret key")

	// Add commands
	rootCmd.AddCommand(createBackupCommand())
	rootCmd.AddCommand(createRestoreCommand())
	rootCmd.AddCommand(createListCommand())
	rootCmd.AddCommand(createInfoCommand())
	rootCmd.AddCommand(createContainersCommand())
	rootCmd.AddCommand(createVolumesCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func createBackupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup <identifier>...",
		Short: "Back up one or more projects",
		Long:  "Back up containers or compose projects by container name, ID or image; each identifier produces one archive under the backup directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			dockerClient, err := docker.NewClient()
			if err != nil {
				return err
			}

			backend, err := remoteBackend(ctx)
			if err != nil {
				return err
			}

			opts := []backup.Option{backup.WithQuiet(quiet)}
			if encrypt || password != "" {
				opts = append(opts, backup.WithEncryption(password))
			}
			if backend != nil {
				opts = append(opts, backup.WithBackend(backend))
			}

			assembler := backup.NewAssembler(
				dockerClient,
				archive.Naming{Root: backupDir, Prefix: archivePrefix},
				journal.New(filepath.Join(backupDir, journal.FileName)),
				prompter(),
				logger,
				opts...,
			)

			// Each identifier is backed up independently; one failure
			// never aborts the batch.
			var failed []string
			for _, identifier := range args {
				result, err := assembler.Backup(ctx, identifier)
				if err != nil {
					failed = append(failed, identifier)
					fmt.Fprintf(os.Stderr, "Backup of %s failed: %v\n", identifier, err)
					continue
				}
				printBackupResult(result)
			}

			if len(failed) > 0 {
				return fmt.Errorf("%d of %d backups failed: %s", len(failed), len(args), strings.Join(failed, ", "))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&encrypt, "encrypt", false, "Encrypt the archive with AES-256")
	cmd.Flags().StringVar(&password, "password", "", "Password for encryption (will prompt if not provided)")

	return cmd
}

func printBackupResult(result *backup.Result) {
	kind := "standalone"
	if result.IsCompose {
		kind = "compose"
	}
	fmt.Printf("Backed up %s project %s (%d containers) to %s\n",
		kind, result.ProjectName, result.Containers, result.ArchivePath)
	printWarnings(result.Warnings)
	if result.PartiallySuccessful() {
		fmt.Println("Backup completed with warnings; the archive may be incomplete.")
	}
}

func createRestoreCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <archive>...",
		Short: "Restore one or more archives",
		Long:  "Restore projects from archive files: volumes and bind mounts first, then the containers or compose files. Archive names are looked up under the backup directory and, for remote storage, in the configured backend",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			dockerClient, err := docker.NewClient()
			if err != nil {
				return err
			}

			backend, err := remoteBackend(ctx)
			if err != nil {
				return err
			}

			engine := restore.NewEngine(dockerClient, prompter(), logger,
				restore.WithDryRun(dryRun),
				restore.WithPassword(password),
			)

			var failed []string
			for _, name := range args {
				archivePath, cleanup, err := locateArchive(ctx, name, backend)
				if err != nil {
					failed = append(failed, name)
					fmt.Fprintf(os.Stderr, "Restore of %s failed: %v\n", name, err)
					continue
				}

				result, err := engine.Restore(ctx, archivePath)
				cleanup()
				if err != nil {
					failed = append(failed, name)
					fmt.Fprintf(os.Stderr, "Restore of %s failed: %v\n", name, err)
					continue
				}
				printRestoreResult(result)
			}

			if len(failed) > 0 {
				return fmt.Errorf("%d of %d restores failed: %s", len(failed), len(args), strings.Join(failed, ", "))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be restored without making changes")
	cmd.Flags().StringVar(&password, "password", "", "Password for decryption (will prompt if encrypted and not provided)")

	return cmd
}

// locateArchive maps an archive argument to a readable local file: an
// existing path is used as-is, then the backup directory is tried, then
// the remote backend. The cleanup removes any temporary download.
func locateArchive(ctx context.Context, name string, backend storage.Backend) (string, func(), error) {
	noop := func() {}

	if _, err := os.Stat(name); err == nil {
		return name, noop, nil
	}
	local := filepath.Join(backupDir, name)
	if _, err := os.Stat(local); err == nil {
		return local, noop, nil
	}

	if backend == nil {
		return "", noop, fmt.Errorf("archive not found: %s", name)
	}

	arch, err := backend.Retrieve(ctx, name)
	if err != nil {
		return "", noop, fmt.Errorf("archive not found locally or in storage backend: %s: %w", name, err)
	}

	tmp, err := os.CreateTemp("", "stackback-download-*")
	if err != nil {
		return "", noop, err
	}
	cleanup := func() {
		if err := os.Remove(tmp.Name()); err != nil {
			fmt.Printf("Warning: failed to remove downloaded archive: %v\n", err)
		}
	}

	if err := storage.DrainArchive(arch, tmp); err != nil {
		cleanup()
		return "", noop, fmt.Errorf("failed to download archive %s: %w", name, err)
	}
	return tmp.Name(), cleanup, nil
}

func printRestoreResult(result *restore.Result) {
	fmt.Printf("Restore of project %s finished: %s\n", result.ProjectName, result.State)
	printWarnings(result.Warnings)
	for _, command := range result.StartCommands {
		fmt.Printf("Start command: %s\n", command)
	}
	for _, instruction := range result.Instructions {
		fmt.Printf("  %s\n", instruction)
	}
}

func printWarnings(warnings []models.Warning) {
	for _, w := range warnings {
		fmt.Printf("Warning [%s] %s: %s\n", w.Kind, w.Subject, w.Message)
	}
}

func createListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available archives",
		Long:  "List all project archives in the backup directory, or in the remote storage backend when one is configured",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			backend, err := remoteBackend(ctx)
			if err != nil {
				return err
			}
			if backend != nil {
				return listRemoteArchives(ctx, backend)
			}
			return listLocalArchives()
		},
	}
}

func listLocalArchives() error {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return fmt.Errorf("failed to read backup directory: %w", err)
	}

	type row struct {
		name      string
		project   string
		created   string
		size      string
		encrypted string
	}
	var rows []row
	for _, entry := range entries {
		if entry.IsDir() || !isArchiveFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		project, ts := parseArchiveName(entry.Name())
		encrypted := "No"
		if strings.HasSuffix(entry.Name(), archive.EncryptedExt) {
			encrypted = "Yes"
		}
		rows = append(rows, row{
			name:      entry.Name(),
			project:   project,
			created:   ts,
			size:      fmt.Sprintf("%.1f MB", float64(info.Size())/(1024*1024)),
			encrypted: encrypted,
		})
	}

	if len(rows) == 0 {
		fmt.Println("No archives found")
		return nil
	}

	fmt.Printf("Project Archives:\n\n")
	fmt.Printf("%-55s %-25s %-20s %-10s %s\n", "ARCHIVE", "PROJECT", "CREATED", "SIZE", "ENCRYPTED")
	fmt.Printf("%-55s %-25s %-20s %-10s %s\n",
		strings.Repeat("-", 55), strings.Repeat("-", 25), strings.Repeat("-", 20), strings.Repeat("-", 10), strings.Repeat("-", 10))
	for _, r := range rows {
		fmt.Printf("%-55s %-25s %-20s %-10s %s\n", r.name, r.project, r.created, r.size, r.encrypted)
	}
	return nil
}

func listRemoteArchives(ctx context.Context, backend storage.Backend) error {
	archives, err := backend.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list archives: %w", err)
	}
	if len(archives) == 0 {
		fmt.Println("No archives found")
		return nil
	}

	fmt.Printf("Project Archives:\n\n")
	fmt.Printf("%-55s %-25s %-20s %-10s %-10s %s\n", "ARCHIVE", "PROJECT", "CREATED", "SIZE", "COMPOSE", "ENCRYPTED")
	fmt.Printf("%-55s %-25s %-20s %-10s %-10s %s\n",
		strings.Repeat("-", 55), strings.Repeat("-", 25), strings.Repeat("-", 20), strings.Repeat("-", 10), strings.Repeat("-", 10), strings.Repeat("-", 10))
	for _, info := range archives {
		compose := "No"
		if info.IsCompose {
			compose = "Yes"
		}
		encrypted := "No"
		if info.Encrypted {
			encrypted = "Yes"
		}
		fmt.Printf("%-55s %-25s %-20s %-10s %-10s %s\n",
			info.Name, info.ProjectName, info.CreatedAt.Format("2006-01-02 15:04:05"),
			fmt.Sprintf("%.1f MB", float64(info.Size)/(1024*1024)), compose, encrypted)
	}
	return nil
}

func isArchiveFile(name string) bool {
	return strings.HasSuffix(name, archive.ArchiveExt) || strings.HasSuffix(name, archive.EncryptedExt)
}

// archiveStamp locates the timestamp segment of an archive filename.
// Splitting on underscores would misparse a prefix that itself contains
// one, so the fields are anchored on the timestamp instead.
var archiveStamp = regexp.MustCompile(`_(\d{8}_\d{6})_`)

// parseArchiveName recovers the project name and timestamp from an
// archive filename of the form <prefix>_<YYYYMMDD_HHMMSS>_<project>.
func parseArchiveName(name string) (project, created string) {
	base := strings.TrimSuffix(strings.TrimSuffix(name, archive.EncryptedExt), archive.ArchiveExt)
	m := archiveStamp.FindStringSubmatchIndex(base)
	if m == nil {
		return base, "unknown"
	}
	ts, err := time.Parse(archive.TimestampLayout, base[m[2]:m[3]])
	if err != nil {
		return base, "unknown"
	}
	return base[m[1]:], ts.Format("2006-01-02 15:04:05")
}

func createInfoCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info <archive>",
		Short: "Show detailed information about an archive",
		Long:  "Display the manifest of a project archive: contained containers, their images, mounts and recorded launch commands",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			backend, err := remoteBackend(ctx)
			if err != nil {
				return err
			}

			archivePath, cleanup, err := locateArchive(ctx, args[0], backend)
			if err != nil {
				return err
			}
			defer cleanup()

			manifest, err := readArchiveManifest(archivePath)
			if err != nil {
				return err
			}
			printManifest(args[0], manifest)
			return nil
		},
	}

	cmd.Flags().StringVar(&password, "password", "", "Password for decryption (will prompt if encrypted and not provided)")

	return cmd
}

func readArchiveManifest(archivePath string) (*models.ProjectManifest, error) {
	source := archivePath
	if crypto.IsEncryptedFile(archivePath) {
		pass := password
		if pass == "" {
			pass = prompt.ReadPassword("Enter decryption password: ", false)
		}
		if pass == "" {
			return nil, fmt.Errorf("archive is encrypted and no password was provided")
		}
		tmp, err := os.CreateTemp("", "stackback-info-*")
		if err != nil {
			return nil, err
		}
		if err := tmp.Close(); err != nil {
			return nil, err
		}
		defer func() {
			if err := os.Remove(tmp.Name()); err != nil {
				fmt.Printf("Warning: failed to remove decrypted archive: %v\n", err)
			}
		}()
		if err := crypto.DecryptFile(archivePath, tmp.Name(), pass); err != nil {
			return nil, fmt.Errorf("failed to decrypt archive: %w", err)
		}
		source = tmp.Name()
	}

	manifestFile, err := os.CreateTemp("", "stackback-manifest-*")
	if err != nil {
		return nil, err
	}
	if err := manifestFile.Close(); err != nil {
		return nil, err
	}
	defer func() {
		if err := os.Remove(manifestFile.Name()); err != nil {
			fmt.Printf("Warning: failed to remove manifest file: %v\n", err)
		}
	}()

	if err := archive.ExtractFile(source, archive.ManifestEntry, manifestFile.Name()); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &models.InvalidArchiveError{Reason: "manifest entry is missing"}
		}
		return nil, err
	}

	f, err := os.Open(manifestFile.Name()) // #nosec G304 - temp file created above
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := f.Close(); err != nil {
			fmt.Printf("Warning: failed to close manifest file: %v\n", err)
		}
	}()
	return models.ReadManifest(f)
}

func printManifest(name string, manifest *models.ProjectManifest) {
	kind := "standalone"
	if manifest.IsComposeProject {
		kind = "compose"
	}
	fmt.Printf("Archive: %s\n", name)
	fmt.Printf("Project: %s (%s)\n", manifest.ProjectName, kind)
	fmt.Printf("Created: %s\n", manifest.BackupTimestamp.Format("2006-01-02 15:04:05"))
	if manifest.ComposeSourcePath != "" {
		fmt.Printf("Compose source: %s\n", manifest.ComposeSourcePath)
	}
	fmt.Printf("Containers: %d\n\n", len(manifest.Containers))

	for _, desc := range manifest.Containers {
		fmt.Printf("  %s (%s)\n", desc.Name, desc.Image)
		if desc.RestartPolicy != "" {
			fmt.Printf("    Restart policy: %s\n", desc.RestartPolicy)
		}
		for _, mount := range desc.Mounts {
			fmt.Printf("    Mount [%s] %s -> %s\n", mount.Kind, mount.Identifier(), mount.Destination)
		}
		if desc.LaunchCommand != "" {
			fmt.Printf("    Launch: %s\n", desc.LaunchCommand)
		}
	}
}

func createContainersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "containers",
		Short: "List all Docker containers",
		Long:  "List all Docker containers on the system with their compose project, if any",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			dockerClient, err := docker.NewClient()
			if err != nil {
				return err
			}

			containers, err := dockerClient.ListContainers(ctx)
			if err != nil {
				return err
			}
			if len(containers) == 0 {
				fmt.Println("No Docker containers found")
				return nil
			}

			fmt.Printf("Docker Containers:\n\n")
			fmt.Printf("%-30s %-30s %-12s %s\n", "CONTAINER NAME", "IMAGE", "STATE", "COMPOSE PROJECT")
			fmt.Printf("%-30s %-30s %-12s %s\n",
				strings.Repeat("-", 30), strings.Repeat("-", 30), strings.Repeat("-", 12), strings.Repeat("-", 20))

			for _, cont := range containers {
				project := cont.Labels[docker.ComposeProjectLabel]
				if project == "" {
					project = "-"
				}
				fmt.Printf("%-30s %-30s %-12s %s\n", docker.ContainerName(cont), cont.Image, cont.State, project)
			}
			return nil
		},
	}
}

func createVolumesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "volumes",
		Short: "List all Docker volumes",
		Long:  "List all Docker volumes available on the system",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			dockerClient, err := docker.NewClient()
			if err != nil {
				return err
			}

			volumes, err := dockerClient.ListVolumes(ctx)
			if err != nil {
				return err
			}
			if len(volumes) == 0 {
				fmt.Println("No Docker volumes found")
				return nil
			}

			fmt.Printf("Docker Volumes:\n\n")
			fmt.Printf("%-30s %-15s %-20s %s\n", "VOLUME NAME", "DRIVER", "CREATED", "MOUNTPOINT")
			fmt.Printf("%-30s %-15s %-20s %s\n",
				strings.Repeat("-", 30), strings.Repeat("-", 15), strings.Repeat("-", 20), strings.Repeat("-", 20))

			for _, vol := range volumes {
				created := vol.CreatedAt
				if created == "" {
					created = "unknown"
				}
				fmt.Printf("%-30s %-15s %-20s %s\n", vol.Name, vol.Driver, created, vol.Mountpoint)
			}
			return nil
		},
	}
}
