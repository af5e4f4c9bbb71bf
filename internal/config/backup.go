package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

const (
	// MaxDatabaseBackups is the maximum number of database backups to
	// retain; older ones are pruned after each successful backup.
	MaxDatabaseBackups = 5

	// BackupSuffix is the file extension appended to backup files.
	BackupSuffix = ".bak"

	// lockTimeout bounds how long BackupDatabase waits for the
	// cross-process file lock before giving up.
	lockTimeout = 5 * time.Second
)

// BackupDatabase copies the marginalia database file named by
// c.DatabasePath() to a timestamped backup alongside it, guarded by
// a cross-process file lock so a backup never races an in-progress
// write from another process. If the database file does not exist,
// returns an empty path and a nil error.
func BackupDatabase(c *Config) (string, error) {
	dbPath := c.DatabasePath()
	if !fileExists(dbPath) {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	lock := flock.New(dbPath + ".lock")
	locked, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return "", fmt.Errorf("failed to acquire database lock: %w", err)
	}
	if !locked {
		return "", fmt.Errorf("timed out waiting for database lock held by another process")
	}
	defer func() { _ = lock.Unlock() }()

	timestamp := time.Now().Format("20060102-150405.000000000")
	backupPath := fmt.Sprintf("%s%s.%s", dbPath, BackupSuffix, timestamp)

	if err := copyFile(dbPath, backupPath); err != nil {
		return "", fmt.Errorf("failed to write database backup: %w", err)
	}

	if err := cleanupOldDatabaseBackups(dbPath); err != nil {
		// Best-effort: the backup itself succeeded.
		_ = err
	}

	return backupPath, nil
}

// ListDatabaseBackups returns all database backup files, sorted by
// modification time, newest first.
func ListDatabaseBackups(c *Config) ([]string, error) {
	return listDatabaseBackups(c.DatabasePath())
}

func listDatabaseBackups(dbPath string) ([]string, error) {
	dir := filepath.Dir(dbPath)
	base := filepath.Base(dbPath)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list database directory: %w", err)
	}

	prefix := base + BackupSuffix + "."
	var backups []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasPrefix(entry.Name(), prefix) {
			backups = append(backups, filepath.Join(dir, entry.Name()))
		}
	}

	sort.Slice(backups, func(i, j int) bool {
		infoI, errI := os.Stat(backups[i])
		infoJ, errJ := os.Stat(backups[j])
		if errI != nil || errJ != nil {
			return false
		}
		return infoI.ModTime().After(infoJ.ModTime())
	})

	return backups, nil
}

// cleanupOldDatabaseBackups removes backups beyond MaxDatabaseBackups,
// keeping the newest.
func cleanupOldDatabaseBackups(dbPath string) error {
	backups, err := listDatabaseBackups(dbPath)
	if err != nil {
		return err
	}
	if len(backups) <= MaxDatabaseBackups {
		return nil
	}
	for _, backup := range backups[MaxDatabaseBackups:] {
		_ = os.Remove(backup)
	}
	return nil
}

// RestoreDatabase restores the marginalia database from backupPath,
// first backing up the current database (if any) and taking the
// same cross-process lock BackupDatabase does.
func RestoreDatabase(c *Config, backupPath string) error {
	dbPath := c.DatabasePath()

	if _, err := os.Stat(backupPath); err != nil {
		return fmt.Errorf("backup file not found: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	lock := flock.New(dbPath + ".lock")
	locked, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to acquire database lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("timed out waiting for database lock held by another process")
	}
	defer func() { _ = lock.Unlock() }()

	if fileExists(dbPath) {
		timestamp := time.Now().Format("20060102-150405.000000000")
		preRestorePath := fmt.Sprintf("%s%s.%s", dbPath, BackupSuffix, timestamp)
		if err := copyFile(dbPath, preRestorePath); err != nil {
			return fmt.Errorf("failed to back up current database before restore: %w", err)
		}
	}

	if err := copyFile(backupPath, dbPath); err != nil {
		return fmt.Errorf("failed to restore database: %w", err)
	}

	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
