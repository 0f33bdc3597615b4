package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const (
	dataDirName     = "data"
	queueDirName    = "queue"
	inflightDirName = "inflight"
	cleanupDirName  = "cleanup"

	contentsFileName = "contents"
	metadataFileName = "metadata"
	scheduleFileName = "schedule"

	tmpSchedulePrefix = "schedule."

	fileMode fs.FileMode = 0600
	dirMode  fs.FileMode = 0700
)

// FsStorage is the crash-safe, filesystem-backed Storage implementation. The spool root contains
// four sibling directories (data/, queue/, inflight/, cleanup/); a destination's current state is
// entirely encoded by which of queue/inflight/cleanup holds its symlink, and every state
// transition is a single atomic rename of that symlink.
type FsStorage struct {
	root string
}

// NewFsStorage opens (creating if necessary) the four spool subdirectories under root.
func NewFsStorage(root string) (*FsStorage, error) {
	for _, sub := range []string{dataDirName, queueDirName, inflightDirName, cleanupDirName} {
		if err := os.MkdirAll(filepath.Join(root, sub), dirMode); err != nil {
			return nil, fmt.Errorf("queue: opening %s: %w", sub, err)
		}
	}
	return &FsStorage{root: root}, nil
}

func (s *FsStorage) path(subdir string, elem ...string) string {
	return filepath.Join(append([]string{s.root, subdir}, elem...)...)
}

// Enqueue creates a fresh content directory and returns a handle to its not-yet-visible body file.
func (s *FsStorage) Enqueue(ctx context.Context) (Enqueuer, error) {
	contentID := uuid.New().String()
	contentDir := s.path(dataDirName, contentID)
	if err := os.Mkdir(contentDir, dirMode); err != nil {
		return nil, fmt.Errorf("queue: creating content directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(contentDir, contentsFileName), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fileMode)
	if err != nil {
		os.RemoveAll(contentDir)
		return nil, fmt.Errorf("queue: creating contents file: %w", err)
	}
	return &fsEnqueuer{storage: s, contentID: contentID, contentDir: contentDir, file: f}, nil
}

type fsEnqueuer struct {
	storage    *FsStorage
	contentID  string
	contentDir string
	file       *os.File
	closed     bool
}

func (e *fsEnqueuer) Write(p []byte) (int, error) {
	return e.file.Write(p)
}

// Commit flushes the body and publishes each requested destination as a single symlink(2) into
// queue/. Any failure midway rolls back every destination already created by this call, plus the
// content directory itself, so nothing half-committed is ever visible under queue/.
func (e *fsEnqueuer) Commit(ctx context.Context, destinations []DestinationSpec) ([]QueueId, error) {
	if e.closed {
		return nil, errors.New("queue: enqueuer already closed")
	}
	defer func() { e.closed = true }()
	if err := e.file.Sync(); err != nil {
		e.file.Close()
		os.RemoveAll(e.contentDir)
		return nil, fmt.Errorf("queue: flushing body: %w", err)
	}
	if err := e.file.Close(); err != nil {
		os.RemoveAll(e.contentDir)
		return nil, fmt.Errorf("queue: closing body: %w", err)
	}

	var created []QueueId
	rollback := func() {
		for _, id := range created {
			os.Remove(e.storage.path(queueDirName, string(id)))
			os.RemoveAll(filepath.Join(e.contentDir, string(id)))
		}
		os.RemoveAll(e.contentDir)
	}

	for _, spec := range destinations {
		destID := QueueId(uuid.New().String())
		if err := e.storage.makeDestDir(e.contentID, string(destID), spec.Metadata, spec.Schedule); err != nil {
			rollback()
			return nil, fmt.Errorf("queue: creating destination %s: %w", destID, err)
		}
		created = append(created, destID)
	}
	return created, nil
}

// Discard releases the handle without publishing anything.
func (e *fsEnqueuer) Discard() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.file.Close()
	return os.RemoveAll(e.contentDir)
}

// makeDestDir creates data/<contentID>/<destID>/{metadata,schedule} then symlinks it into queue/.
func (s *FsStorage) makeDestDir(contentID, destID string, meta Metadata, sched Schedule) error {
	destDir := s.path(dataDirName, contentID, destID)
	if err := os.Mkdir(destDir, dirMode); err != nil {
		return err
	}
	if err := writeJSONFile(filepath.Join(destDir, metadataFileName), meta); err != nil {
		os.RemoveAll(destDir)
		return err
	}
	if err := writeJSONFile(filepath.Join(destDir, scheduleFileName), sched); err != nil {
		os.RemoveAll(destDir)
		return err
	}
	target := filepath.Join("..", dataDirName, contentID, destID)
	if err := os.Symlink(target, s.path(queueDirName, destID)); err != nil {
		os.RemoveAll(destDir)
		return err
	}
	return nil
}

func writeJSONFile(path string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, fileMode)
}

func readJSONFile(path string, v interface{}) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// resolveDestDir follows the symlink <subdir>/<id> and returns the absolute destination directory
// it points to.
func (s *FsStorage) resolveDestDir(subdir, id string) (string, error) {
	link := s.path(subdir, id)
	target, err := os.Readlink(link)
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(target) {
		return filepath.Clean(target), nil
	}
	return filepath.Clean(filepath.Join(s.path(subdir), target)), nil
}

func (s *FsStorage) listSymlinks(subdir string) ([]string, error) {
	entries, err := os.ReadDir(s.path(subdir))
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.Type()&os.ModeSymlink != 0 {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

func (s *FsStorage) readSchedule(subdir, id string) (Schedule, error) {
	destDir, err := s.resolveDestDir(subdir, id)
	if err != nil {
		return Schedule{}, err
	}
	var sched Schedule
	if err := readJSONFile(filepath.Join(destDir, scheduleFileName), &sched); err != nil {
		return Schedule{}, err
	}
	return sched, nil
}

// ListQueue enumerates destinations currently Queued, along with their schedule.
func (s *FsStorage) ListQueue(ctx context.Context) ([]QueuedMail, error) {
	ids, err := s.listSymlinks(queueDirName)
	if err != nil {
		return nil, err
	}
	var out []QueuedMail
	for _, id := range ids {
		sched, err := s.readSchedule(queueDirName, id)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		out = append(out, QueuedMail{ID: QueueId(id), Schedule: sched})
	}
	return out, nil
}

// FindInflight enumerates destinations left Inflight, e.g. by an interrupted worker.
func (s *FsStorage) FindInflight(ctx context.Context) ([]InflightMail, error) {
	ids, err := s.listSymlinks(inflightDirName)
	if err != nil {
		return nil, err
	}
	var out []InflightMail
	for _, id := range ids {
		sched, err := s.readSchedule(inflightDirName, id)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		out = append(out, InflightMail{ID: QueueId(id), Schedule: sched})
	}
	return out, nil
}

// FindPendingCleanup enumerates destinations awaiting cleanup.
func (s *FsStorage) FindPendingCleanup(ctx context.Context) ([]PendingCleanupMail, error) {
	ids, err := s.listSymlinks(cleanupDirName)
	if err != nil {
		return nil, err
	}
	var out []PendingCleanupMail
	for _, id := range ids {
		out = append(out, PendingCleanupMail{ID: QueueId(id)})
	}
	return out, nil
}

// ReadInflight opens the metadata and body of an Inflight destination.
func (s *FsStorage) ReadInflight(ctx context.Context, id QueueId) (Metadata, io.ReadCloser, error) {
	destDir, err := s.resolveDestDir(inflightDirName, string(id))
	if err != nil {
		return Metadata{}, nil, err
	}
	var meta Metadata
	if err := readJSONFile(filepath.Join(destDir, metadataFileName), &meta); err != nil {
		return Metadata{}, nil, err
	}
	contentDir := filepath.Dir(destDir)
	body, err := os.Open(filepath.Join(contentDir, contentsFileName))
	if err != nil {
		return Metadata{}, nil, err
	}
	return meta, body, nil
}

// Reschedule atomically replaces a destination's schedule via write-to-temp-then-rename within
// the same directory.
func (s *FsStorage) Reschedule(ctx context.Context, id QueueId, schedule Schedule) error {
	destDir, err := s.resolveDestDir(queueDirName, string(id))
	if err != nil {
		return err
	}
	tmp := filepath.Join(destDir, tmpSchedulePrefix+uuid.New().String())
	if err := writeJSONFile(tmp, schedule); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(destDir, scheduleFileName)); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func renameBetween(from, to string) (bool, error) {
	err := os.Rename(from, to)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// SendStart claims a Queued destination by renaming it into inflight/, establishing the
// at-most-one-worker invariant. ok is false if another worker won the race first.
func (s *FsStorage) SendStart(ctx context.Context, id QueueId) (bool, error) {
	return renameBetween(s.path(queueDirName, string(id)), s.path(inflightDirName, string(id)))
}

// SendDone moves a successfully delivered destination from Inflight to PendingCleanup.
func (s *FsStorage) SendDone(ctx context.Context, id QueueId) error {
	_, err := renameBetween(s.path(inflightDirName, string(id)), s.path(cleanupDirName, string(id)))
	return err
}

// SendCancel releases an Inflight claim back to Queued without progress.
func (s *FsStorage) SendCancel(ctx context.Context, id QueueId) error {
	_, err := renameBetween(s.path(inflightDirName, string(id)), s.path(queueDirName, string(id)))
	return err
}

// Drop moves a Queued destination directly to PendingCleanup.
func (s *FsStorage) Drop(ctx context.Context, id QueueId) error {
	_, err := renameBetween(s.path(queueDirName, string(id)), s.path(cleanupDirName, string(id)))
	return err
}

// Cleanup removes a PendingCleanup destination's on-disk state, removing the shared content
// directory too if this was the last destination referencing it.
func (s *FsStorage) Cleanup(ctx context.Context, id QueueId) (bool, error) {
	destDir, err := s.resolveDestDir(cleanupDirName, string(id))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	removeIfExists := func(p string) error {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	if err := removeIfExists(filepath.Join(destDir, metadataFileName)); err != nil {
		return false, err
	}
	if err := removeIfExists(filepath.Join(destDir, scheduleFileName)); err != nil {
		return false, err
	}
	if err := removeIfExists(destDir); err != nil {
		return false, err
	}
	contentDir := filepath.Dir(destDir)
	entries, err := os.ReadDir(contentDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return false, err
		}
	} else if len(entries) == 1 && entries[0].Name() == contentsFileName {
		if err := removeIfExists(filepath.Join(contentDir, contentsFileName)); err != nil {
			return false, err
		}
		if err := removeIfExists(contentDir); err != nil {
			return false, err
		}
	}
	if err := removeIfExists(s.path(cleanupDirName, string(id))); err != nil {
		return false, err
	}
	return true, nil
}
