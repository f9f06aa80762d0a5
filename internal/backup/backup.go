// Package backup snapshots the crewflow data directory: token, checkpoint,
// memory and schedule databases plus the session index.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/HyphaGroup/crewflow/internal/logger"
)

const (
	filePrefix      = "crewflow_"
	fileSuffix      = ".tar.gz"
	timestampLayout = "20060102_150405.000000000"
)

// ErrSnapshotNotFound is returned by Restore for unknown snapshot names.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Manager handles backup and restore operations.
type Manager struct {
	dataDir   string
	backupDir string
	retention int
	interval  time.Duration
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Config holds backup configuration.
type Config struct {
	DataDir string
	// BackupDir defaults to <DataDir>/backups.
	BackupDir string
	Retention int           // Number of snapshots to keep, 0 keeps all
	Interval  time.Duration // How often to run backups (0 = disabled)
}

// Snapshot represents a backup archive.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"size_bytes"`
}

// New creates a new backup Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("data directory is required")
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = filepath.Join(cfg.DataDir, "backups")
	}
	if err := os.MkdirAll(cfg.BackupDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	return &Manager{
		dataDir:   cfg.DataDir,
		backupDir: cfg.BackupDir,
		retention: cfg.Retention,
		interval:  cfg.Interval,
	}, nil
}

// Dir returns the directory snapshots are written to.
func (m *Manager) Dir() string { return m.backupDir }

// Start begins periodic backup if interval > 0.
func (m *Manager) Start() {
	if m.interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.Backup(ctx); err != nil && ctx.Err() == nil {
					logger.Warn("Backup failed: %v", err)
				}
			}
		}
	}()

	logger.Info("Backup automation started (interval=%v, retention=%d, dir=%s)", m.interval, m.retention, m.backupDir)
}

// Stop halts periodic backup.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		m.wg.Wait()
		logger.Info("Backup automation stopped")
	}
}

// Backup writes a snapshot of the data directory. Databases are copied
// with VACUUM INTO so a running server yields a consistent copy.
func (m *Manager) Backup(ctx context.Context) (*Snapshot, error) {
	entries, err := os.ReadDir(m.dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}

	staging, err := os.MkdirTemp(m.backupDir, "staging-")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(staging) }()

	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			continue
		}
		dst := filepath.Join(staging, name)
		switch filepath.Ext(name) {
		case ".db":
			err = vacuumInto(ctx, filepath.Join(m.dataDir, name), dst)
		case ".json":
			err = copyFile(filepath.Join(m.dataDir, name), dst)
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot %s: %w", name, err)
		}
		files = append(files, name)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("nothing to back up in %s", m.dataDir)
	}

	timestamp := time.Now().UTC()
	filename := filePrefix + timestamp.Format(timestampLayout) + fileSuffix
	backupPath := filepath.Join(m.backupDir, filename)
	if err := writeArchive(backupPath, staging, files); err != nil {
		return nil, err
	}

	stat, err := os.Stat(backupPath)
	if err != nil {
		return nil, err
	}
	snapshot := &Snapshot{
		Timestamp: timestamp,
		Filename:  filename,
		SizeBytes: stat.Size(),
	}
	logger.Info("Created backup: %s (%d files, %d bytes)", filename, len(files), stat.Size())

	m.enforceRetention()
	return snapshot, nil
}

func vacuumInto(ctx context.Context, src, dst string) error {
	db, err := sql.Open("sqlite", src+"?_busy_timeout=5000")
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	_, err = db.ExecContext(ctx, "VACUUM INTO ?", dst)
	return err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// writeArchive tars files from dir into path, going through a .tmp file
// so a partial archive is never listed.
func writeArchive(path, dir string, files []string) (err error) {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create backup file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = file.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	gw := gzip.NewWriter(file)
	tw := tar.NewWriter(gw)
	for _, name := range files {
		if err := addFile(tw, filepath.Join(dir, name), name); err != nil {
			return fmt.Errorf("failed to archive %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := gw.Close(); err != nil {
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func addFile(tw *tar.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// Restore replaces data directory files with the contents of a snapshot.
// The server must not be running.
func (m *Manager) Restore(filename string) ([]string, error) {
	if filename != filepath.Base(filename) || !strings.HasSuffix(filename, fileSuffix) {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, filename)
	}
	file, err := os.Open(filepath.Join(m.backupDir, filename))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, filename)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open backup: %w", err)
	}
	defer func() { _ = file.Close() }()

	gr, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress backup: %w", err)
	}
	defer func() { _ = gr.Close() }()

	var restored []string
	tr := tar.NewReader(gr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return restored, fmt.Errorf("failed to read backup: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		// Snapshots are flat; anything else did not come from Backup.
		if header.Name != filepath.Base(header.Name) || header.Name == ".." {
			return restored, fmt.Errorf("invalid entry %q in backup", header.Name)
		}

		target := filepath.Join(m.dataDir, header.Name)
		if err := restoreFile(tr, target); err != nil {
			return restored, fmt.Errorf("failed to restore %s: %w", header.Name, err)
		}
		if filepath.Ext(header.Name) == ".db" {
			_ = os.Remove(target + "-wal")
			_ = os.Remove(target + "-shm")
		}
		restored = append(restored, header.Name)
	}

	logger.Info("Restored %d files from backup: %s", len(restored), filename)
	return restored, nil
}

func restoreFile(r io.Reader, target string) error {
	tmp := target + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, target)
}

// ListSnapshots returns all available snapshots, newest first.
func (m *Manager) ListSnapshots() ([]Snapshot, error) {
	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var snapshots []Snapshot
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}

		stamp := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		timestamp, err := time.Parse(timestampLayout, stamp)
		if err != nil {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		snapshots = append(snapshots, Snapshot{
			Timestamp: timestamp,
			Filename:  name,
			SizeBytes: info.Size(),
		})
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Timestamp.After(snapshots[j].Timestamp)
	})

	return snapshots, nil
}

// enforceRetention removes old snapshots beyond the retention limit.
func (m *Manager) enforceRetention() {
	if m.retention <= 0 {
		return
	}
	snapshots, err := m.ListSnapshots()
	if err != nil || len(snapshots) <= m.retention {
		return
	}

	for _, s := range snapshots[m.retention:] {
		if err := os.Remove(filepath.Join(m.backupDir, s.Filename)); err == nil {
			logger.Info("Removed old backup: %s", s.Filename)
		}
	}
}
