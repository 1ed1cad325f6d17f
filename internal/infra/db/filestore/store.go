// Package filestore persists code records as JSON Lines in a single file.
//
// ReplaceAll follows a backup/clear/rewrite protocol: the live file is copied
// to a backup, deleted, recreated and rewritten, and the backup is dropped only
// once the rewrite is durable. Any failure after the backup step restores the
// backup over the live path, so a failed rewrite never loses the previous state.
// A backup that survives means the rewrite was never confirmed, so it always
// wins over whatever the live file holds.
package filestore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"time"

	"command-codes/internal/domain"
	"command-codes/internal/domain/model"
	"command-codes/internal/domain/ports/repository"
	"command-codes/internal/infra/metrics"

	"github.com/rs/zerolog"
)

const (
	backendName = "file"

	// DefaultBackupSuffix is appended to the live path to name the backup.
	DefaultBackupSuffix = ".bck"

	maxLineSize = 16 << 20
)

var _ repository.RecordStore = (*Store)(nil)

// phase tracks a single ReplaceAll invocation.
type phase int

const (
	phaseIdle phase = iota
	phaseBackedUp
	phaseCleared
	phaseRewritten
	phaseCommitted
)

func (p phase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phaseBackedUp:
		return "backed_up"
	case phaseCleared:
		return "cleared"
	case phaseRewritten:
		return "rewritten"
	case phaseCommitted:
		return "committed"
	}
	return "unknown"
}

type writeFile interface {
	io.Writer
	Sync() error
	Close() error
}

// Store is a file-backed RecordStore.
type Store struct {
	path       string
	backupPath string
	log        *zerolog.Logger

	mu sync.Mutex // serializes rewrites and restores

	// create opens the fresh live file during a rewrite.
	create func(name string) (writeFile, error)
	// dropBackup removes the backup once a rewrite is durable.
	dropBackup func(name string) error
}

type Option func(*Store)

func WithBackupSuffix(suffix string) Option {
	return func(s *Store) {
		if suffix != "" {
			s.backupPath = s.path + suffix
		}
	}
}

func WithLogger(l *zerolog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			sl := l.With().Str("component", "FileStore").Str("path", s.path).Logger()
			s.log = &sl
		}
	}
}

// New returns a store for path. Nothing is touched on disk until a method runs.
func New(path string, opts ...Option) *Store {
	nop := zerolog.Nop()
	s := &Store{
		path:       path,
		backupPath: path + DefaultBackupSuffix,
		log:        &nop,
		create:     createExclusive,
		dropBackup: os.Remove,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func createExclusive(name string) (writeFile, error) {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Store) Backend() string    { return backendName }
func (s *Store) Path() string       { return s.path }
func (s *Store) BackupPath() string { return s.backupPath }

func (s *Store) storageErr(op string, err error) *domain.StorageError {
	return domain.NewStorageError(backendName, op, s.path, err)
}

// Exists reports whether the live file is present.
func (s *Store) Exists(ctx context.Context) (bool, error) {
	ok, err := fileExists(s.path)
	if err != nil {
		return false, s.storageErr("stat", err)
	}
	return ok, nil
}

// Create makes the live file (and its directory) if missing.
func (s *Store) Create(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return s.storageErr("create", err)
	}
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		return nil
	}
	if err != nil {
		return s.storageErr("create", err)
	}
	if err := f.Close(); err != nil {
		return s.storageErr("create", err)
	}
	s.log.Debug().Msg("created empty record file")
	return nil
}

// ReadAll streams records from the live file. Each range over the returned
// sequence reopens the file.
func (s *Store) ReadAll(ctx context.Context) iter.Seq2[model.Record, error] {
	return func(yield func(model.Record, error) bool) {
		result := "ok"
		defer metrics.ObserveStoreOp(backendName, "read_all", time.Now(), &result)

		fail := func(op string, err error) {
			result = "error"
			yield(model.Record{}, s.storageErr(op, err))
		}

		if err := ctx.Err(); err != nil {
			fail("open", err)
			return
		}
		f, err := os.Open(s.path)
		if err != nil {
			fail("open", err)
			return
		}
		defer f.Close()

		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		line := 0
		for sc.Scan() {
			line++
			b := bytes.TrimSpace(sc.Bytes())
			if len(b) == 0 {
				continue
			}
			var rec model.Record
			if err := json.Unmarshal(b, &rec); err != nil {
				fail("parse", fmt.Errorf("line %d: %w", line, err))
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			fail("read", fmt.Errorf("line %d: %w", line+1, err))
		}
	}
}

// ReplaceAll rewrites the live file with records. On failure the live file
// holds exactly what it held before the call.
func (s *Store) ReplaceAll(ctx context.Context, records []model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := "ok"
	defer metrics.ObserveStoreOp(backendName, "replace_all", time.Now(), &result)

	if err := ctx.Err(); err != nil {
		result = "error"
		return s.storageErr("replace", err)
	}
	// an absent live file is treated as empty contents
	if err := s.Create(ctx); err != nil {
		result = "error"
		return err
	}

	// a leftover backup holds the last confirmed contents; never overwrite it
	// with a live file that may be half written
	if info, err := os.Stat(s.backupPath); err == nil && info.Mode().IsRegular() {
		if err := s.restore(); err != nil {
			result = "error"
			return s.storageErr("restore", err)
		}
		s.log.Warn().Str("backup", s.backupPath).Msg("restored backup of an unconfirmed rewrite before rewriting")
	}

	p := phaseIdle
	if err := copyFile(s.path, s.backupPath); err != nil {
		// the live file has not been touched yet
		_ = os.Remove(s.backupPath)
		result = "error"
		return s.storageErr("backup", err)
	}
	p = phaseBackedUp
	s.log.Debug().Stringer("phase", p).Msg("replace")

	if err := os.Remove(s.path); err != nil {
		result = "rolled_back"
		return s.rollback(p, "clear", err)
	}
	p = phaseCleared
	s.log.Debug().Stringer("phase", p).Msg("replace")

	f, err := s.create(s.path)
	if err != nil {
		result = "rolled_back"
		return s.rollback(p, "create", err)
	}
	if err := writeRecords(f, records); err != nil {
		_ = f.Close()
		result = "rolled_back"
		return s.rollback(p, "write", err)
	}
	p = phaseRewritten
	s.log.Debug().Stringer("phase", p).Int("records", len(records)).Msg("replace")

	if err := f.Sync(); err != nil {
		_ = f.Close()
		result = "rolled_back"
		return s.rollback(p, "sync", err)
	}
	if err := f.Close(); err != nil {
		result = "rolled_back"
		return s.rollback(p, "close", err)
	}
	syncDir(filepath.Dir(s.path))
	p = phaseCommitted

	if err := s.dropBackup(s.backupPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		// the backup still wins on the next recovery, so the rewrite is unconfirmed
		s.log.Error().Err(err).Str("backup", s.backupPath).Msg("could not remove backup after rewrite")
		result = "error"
		return s.storageErr("commit", err)
	}
	s.log.Debug().Stringer("phase", p).Int("records", len(records)).Msg("replace")
	return nil
}

// rollback restores the backup after a failure in phase from.
func (s *Store) rollback(from phase, op string, cause error) error {
	s.log.Error().Err(cause).Stringer("phase", from).Str("op", op).Msg("rewrite failed, restoring backup")
	if rerr := s.restore(); rerr != nil {
		s.log.Error().Err(rerr).Str("backup", s.backupPath).Msg("restore failed; backup left in place")
		return s.storageErr(op, errors.Join(cause, fmt.Errorf("restore backup: %w", rerr)))
	}
	return s.storageErr(op, cause)
}

// restore copies the backup next to the live path, renames it into place
// and drops the backup. The live file is untouched until the rename.
func (s *Store) restore() error {
	tmp := s.path + ".restore"
	if err := copyFile(s.backupPath, tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	syncDir(filepath.Dir(s.path))
	if err := os.Remove(s.backupPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Warn().Err(err).Msg("could not remove backup after restore")
	}
	return nil
}

// Recover handles a backup left behind by a crashed rewrite. The backup is
// dropped only after a rewrite is durable, so whenever one exists it is
// restored over the live file, which is missing, empty or cut short.
func (s *Store) Recover(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live, err := fileExists(s.path)
	if err != nil {
		return false, s.storageErr("stat", err)
	}
	backup, err := fileExists(s.backupPath)
	if err != nil {
		return false, s.storageErr("stat", err)
	}
	if !backup {
		return false, nil
	}
	if err := s.restore(); err != nil {
		return false, s.storageErr("restore", err)
	}
	s.log.Warn().Str("backup", s.backupPath).Bool("live_present", live).Msg("restored record file from backup of an interrupted rewrite")
	return true, nil
}

// RestoreBackup forces the backup over the live file.
func (s *Store) RestoreBackup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := fileExists(s.backupPath)
	if err != nil {
		return s.storageErr("stat", err)
	}
	if !ok {
		return s.storageErr("restore", fmt.Errorf("no backup at %s: %w", s.backupPath, fs.ErrNotExist))
	}
	if err := s.restore(); err != nil {
		return s.storageErr("restore", err)
	}
	return nil
}

func writeRecords(w io.Writer, records []model.Record) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	for i := range records {
		rec := records[i]
		if rec.Redeemers == nil {
			rec.Redeemers = []string{}
		}
		if err := enc.Encode(&rec); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}
	return bw.Flush()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// syncDir makes directory entry changes durable where the platform allows it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
