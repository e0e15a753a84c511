package region

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	bootFile      = "boot"
	pendingSuffix = ".pending"
)

// FileStore is a Port backed by one fixed-size file per region inside a
// directory. Pending session writes go to a side file and are copied into
// the region file only on commit.
type FileStore struct {
	dir     string
	size    int64
	restart func()

	mu   sync.Mutex
	busy map[ID]bool
}

var _ Port = (*FileStore)(nil)

// OpenFileStore opens (creating if necessary) the region files in dir.
// restart is invoked by RestartDevice.
func OpenFileStore(dir string, size int64, restart func()) (*FileStore, error) {
	slog.Info("region_store_open", "dir", dir, "region_size", size)

	if size <= 0 {
		return nil, fmt.Errorf("region size must be positive, got %d", size)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create region dir: %w", err)
	}

	s := &FileStore{
		dir:     dir,
		size:    size,
		restart: restart,
		busy:    make(map[ID]bool),
	}
	for _, id := range []ID{Staging, Execution} {
		if err := s.ensure(id); err != nil {
			slog.Error("region_create_failed", "region", id.String(), "error", err)
			return nil, err
		}
		// A pending file left behind by a crash was never committed.
		_ = os.Remove(s.path(id) + pendingSuffix)
	}

	slog.Info("region_store_ready", "dir", dir)
	return s, nil
}

func (s *FileStore) path(id ID) string {
	return filepath.Join(s.dir, id.String()+".bin")
}

func (s *FileStore) ensure(id ID) error {
	p := s.path(id)
	fi, err := os.Stat(p)
	if err == nil && fi.Size() == s.size {
		return nil
	}
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	f, err := os.OpenFile(p, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if fi != nil && fi.Size() > s.size {
		return f.Truncate(s.size)
	}
	var cur int64
	if fi != nil {
		cur = fi.Size()
	}
	_, err = f.WriteAt(bytes.Repeat([]byte{ErasedByte}, int(s.size-cur)), cur)
	return err
}

func (s *FileStore) known(id ID) bool {
	return id == Staging || id == Execution
}

func (s *FileStore) Size(id ID) (int64, error) {
	if !s.known(id) {
		return 0, newError(KindNotFound, id, nil)
	}
	return s.size, nil
}

func (s *FileStore) Read(id ID, off int64, p []byte) error {
	if !s.known(id) {
		return newError(KindNotFound, id, nil)
	}
	if err := checkRange(id, s.size, off, int64(len(p))); err != nil {
		return newError(KindRead, id, err)
	}

	f, err := os.Open(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return newError(KindNotFound, id, err)
		}
		return newError(KindRead, id, err)
	}
	defer f.Close()

	if _, err := f.ReadAt(p, off); err != nil {
		return newError(KindRead, id, err)
	}
	return nil
}

func (s *FileStore) Erase(id ID, off, length int64) error {
	if !s.known(id) {
		return newError(KindNotFound, id, nil)
	}
	if err := checkRange(id, s.size, off, length); err != nil {
		return newError(KindErase, id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy[id] {
		return newError(KindNotReady, id, fmt.Errorf("write session open"))
	}

	f, err := os.OpenFile(s.path(id), os.O_RDWR, 0)
	if err != nil {
		return newError(KindErase, id, err)
	}
	defer f.Close()

	if _, err := f.WriteAt(bytes.Repeat([]byte{ErasedByte}, int(length)), off); err != nil {
		return newError(KindErase, id, err)
	}
	if err := f.Sync(); err != nil {
		return newError(KindErase, id, err)
	}

	slog.Info("region_erased", "region", id.String(), "offset", off, "length", length)
	return nil
}

func (s *FileStore) OpenWriteSession(id ID) (WriteSession, error) {
	if !s.known(id) {
		return nil, newError(KindNotFound, id, nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy[id] {
		return nil, newError(KindNotReady, id, fmt.Errorf("write session already open"))
	}

	f, err := os.OpenFile(s.path(id)+pendingSuffix, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, newError(KindNotReady, id, err)
	}
	s.busy[id] = true

	slog.Info("region_session_opened", "region", id.String())
	return &fileSession{store: s, id: id, pending: f}, nil
}

// SetBootRegion atomically replaces the boot pointer file.
func (s *FileStore) SetBootRegion(id ID) error {
	if !s.known(id) {
		return newError(KindNotFound, id, nil)
	}

	tmp := filepath.Join(s.dir, bootFile+pendingSuffix)
	if err := os.WriteFile(tmp, []byte(id.String()+"\n"), 0644); err != nil {
		return newError(KindSetBoot, id, err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, bootFile)); err != nil {
		return newError(KindSetBoot, id, err)
	}

	slog.Info("boot_region_set", "region", id.String())
	return nil
}

// BootRegion returns the region recorded by SetBootRegion.
func (s *FileStore) BootRegion() (ID, bool) {
	b, err := os.ReadFile(filepath.Join(s.dir, bootFile))
	if err != nil {
		return 0, false
	}
	switch strings.TrimSpace(string(b)) {
	case Staging.String():
		return Staging, true
	case Execution.String():
		return Execution, true
	}
	return 0, false
}

func (s *FileStore) RestartDevice() {
	slog.Warn("device_restart")
	if s.restart != nil {
		s.restart()
	}
}

type fileSession struct {
	store   *FileStore
	id      ID
	pending *os.File
	written int64
	closed  bool
}

func (w *fileSession) Region() ID { return w.id }

func (w *fileSession) Written() int64 { return w.written }

func (w *fileSession) Write(p []byte) (int, error) {
	if w.closed {
		return 0, newError(KindWrite, w.id, fmt.Errorf("session closed"))
	}
	if w.written+int64(len(p)) > w.store.size {
		return 0, newError(KindWrite, w.id, fmt.Errorf("image exceeds region size %d", w.store.size))
	}
	n, err := w.pending.Write(p)
	w.written += int64(n)
	if err != nil {
		return n, newError(KindWrite, w.id, err)
	}
	return n, nil
}

func (w *fileSession) Close(commit bool) error {
	if w.closed {
		return newError(KindClose, w.id, fmt.Errorf("session already closed"))
	}
	w.closed = true

	defer func() {
		w.store.mu.Lock()
		w.store.busy[w.id] = false
		w.store.mu.Unlock()
	}()

	pendingPath := w.pending.Name()
	defer os.Remove(pendingPath)

	if !commit {
		w.pending.Close()
		slog.Info("region_session_discarded", "region", w.id.String(), "pending_bytes", w.written)
		return nil
	}

	if err := w.pending.Close(); err != nil {
		return newError(KindClose, w.id, err)
	}
	if err := w.commit(pendingPath); err != nil {
		slog.Error("region_commit_failed", "region", w.id.String(), "error", err)
		return newError(KindClose, w.id, err)
	}

	slog.Info("region_session_committed", "region", w.id.String(), "bytes", w.written)
	return nil
}

func (w *fileSession) commit(pendingPath string) error {
	src, err := os.Open(pendingPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(w.store.path(w.id), os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
