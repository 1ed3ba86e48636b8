package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	saveDebounce = time.Second
	saveInterval = 30 * time.Second

	dataFileMode = os.FileMode(0o600)
	dataDirMode  = os.FileMode(0o700)
)

// FileStorage wraps a quiet MemoryStorage and persists its full state to a
// single JSON file: loaded on startup, saved on a debounced timer after every
// mutation, and saved periodically as a safety net against a hot stream of
// writes re-debouncing forever. Saves are atomic (temp file then rename), so
// a crash mid-write never corrupts the previously committed file.
//
// The file is exclusively owned by one process; there is no cross-process
// locking protocol.
type FileStorage struct {
	mem  *MemoryStorage
	path string

	mu       sync.Mutex
	pending  bool
	debounce Task
	interval Task

	saveMu sync.Mutex

	now       func() time.Time
	scheduler Scheduler
}

var _ Storage = (*FileStorage)(nil)

// NewFileStorage returns a file-backed store persisting to path. Initialize
// loads any existing snapshot and starts the save timers.
func NewFileStorage(path string) *FileStorage {
	return newFileStorage(path, time.Now, NewSystemScheduler())
}

func newFileStorage(path string, now func() time.Time, scheduler Scheduler) *FileStorage {
	return &FileStorage{
		mem:       newMemoryStorage(now, scheduler, true),
		path:      path,
		now:       now,
		scheduler: scheduler,
	}
}

// Initialize prepares the data directory, loads an existing snapshot, and
// verifies the path is writable. Persistence is a hard requirement for this
// backend: an unwritable path fails startup instead of silently degrading to
// memory-only behavior.
func (f *FileStorage) Initialize(ctx context.Context) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, dataDirMode); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}

	f.load()

	sentinel := filepath.Join(dir, ".write-test")
	if err := os.WriteFile(sentinel, []byte{}, dataFileMode); err != nil {
		return fmt.Errorf("data directory %s is not writable: %w", dir, err)
	}
	if err := os.Remove(sentinel); err != nil {
		return fmt.Errorf("data directory %s is not writable: %w", dir, err)
	}

	if err := f.mem.Initialize(ctx); err != nil {
		return err
	}

	f.mu.Lock()
	if f.interval == nil {
		f.interval = f.scheduler.Every(saveInterval, func() {
			if err := f.save(); err != nil {
				logrus.WithError(err).Error("periodic session state save failed")
			}
		})
	}
	f.mu.Unlock()

	logrus.WithField("path", f.path).Info("file session storage initialized")
	return nil
}

// Close stops the save timers, flushes the final state, then tears down the
// wrapped in-memory store. The flush must happen before the in-memory data
// goes away.
func (f *FileStorage) Close() error {
	f.mu.Lock()
	if f.interval != nil {
		f.interval.Stop()
		f.interval = nil
	}
	f.mu.Unlock()

	if err := f.ForceSave(); err != nil {
		logrus.WithError(err).Error("final session state save failed")
	}
	return f.mem.Close()
}

// ForceSave cancels any pending debounced save and writes the current state
// synchronously. It does not interrupt a save already in progress.
func (f *FileStorage) ForceSave() error {
	f.mu.Lock()
	if f.debounce != nil {
		f.debounce.Stop()
		f.debounce = nil
	}
	f.pending = false
	f.mu.Unlock()

	return f.save()
}

func (f *FileStorage) Cleanup() {
	f.mem.Cleanup()
	f.scheduleSave()
}

func (f *FileStorage) Stats() Stats { return f.mem.Stats() }

func (f *FileStorage) CreateSession(s *OAuthSession) {
	f.mem.CreateSession(s)
	f.scheduleSave()
}

func (f *FileStorage) GetSession(id string) (*OAuthSession, bool) {
	return f.mem.GetSession(id)
}

func (f *FileStorage) GetSessionByAccessToken(token string) (*OAuthSession, bool) {
	return f.mem.GetSessionByAccessToken(token)
}

func (f *FileStorage) GetSessionByRefreshToken(token string) (*OAuthSession, bool) {
	return f.mem.GetSessionByRefreshToken(token)
}

func (f *FileStorage) GetAllSessions() []*OAuthSession {
	return f.mem.GetAllSessions()
}

func (f *FileStorage) UpdateSession(id string, update SessionUpdate) bool {
	ok := f.mem.UpdateSession(id, update)
	if ok {
		f.scheduleSave()
	}
	return ok
}

func (f *FileStorage) DeleteSession(id string) bool {
	ok := f.mem.DeleteSession(id)
	if ok {
		f.scheduleSave()
	}
	return ok
}

func (f *FileStorage) PutDeviceFlow(state string, flow *DeviceFlowState) {
	f.mem.PutDeviceFlow(state, flow)
	f.scheduleSave()
}

func (f *FileStorage) GetDeviceFlow(state string) (*DeviceFlowState, bool) {
	return f.mem.GetDeviceFlow(state)
}

func (f *FileStorage) GetDeviceFlowByDeviceCode(deviceCode string) (*DeviceFlowState, bool) {
	return f.mem.GetDeviceFlowByDeviceCode(deviceCode)
}

func (f *FileStorage) DeleteDeviceFlow(state string) bool {
	ok := f.mem.DeleteDeviceFlow(state)
	if ok {
		f.scheduleSave()
	}
	return ok
}

func (f *FileStorage) PutAuthCodeFlow(internalState string, flow *AuthCodeFlowState) {
	f.mem.PutAuthCodeFlow(internalState, flow)
	f.scheduleSave()
}

func (f *FileStorage) GetAuthCodeFlow(internalState string) (*AuthCodeFlowState, bool) {
	return f.mem.GetAuthCodeFlow(internalState)
}

func (f *FileStorage) DeleteAuthCodeFlow(internalState string) bool {
	ok := f.mem.DeleteAuthCodeFlow(internalState)
	if ok {
		f.scheduleSave()
	}
	return ok
}

func (f *FileStorage) PutAuthCode(code *AuthorizationCode) {
	f.mem.PutAuthCode(code)
	f.scheduleSave()
}

func (f *FileStorage) GetAuthCode(code string) (*AuthorizationCode, bool) {
	return f.mem.GetAuthCode(code)
}

func (f *FileStorage) DeleteAuthCode(code string) bool {
	ok := f.mem.DeleteAuthCode(code)
	if ok {
		f.scheduleSave()
	}
	return ok
}

func (f *FileStorage) PutSessionMapping(mcpSessionID, oauthSessionID string) {
	f.mem.PutSessionMapping(mcpSessionID, oauthSessionID)
	f.scheduleSave()
}

func (f *FileStorage) GetSessionMapping(mcpSessionID string) (string, bool) {
	return f.mem.GetSessionMapping(mcpSessionID)
}

func (f *FileStorage) DeleteSessionMapping(mcpSessionID string) bool {
	ok := f.mem.DeleteSessionMapping(mcpSessionID)
	if ok {
		f.scheduleSave()
	}
	return ok
}

// scheduleSave marks a save as pending and restarts the debounce timer, so a
// rapid burst of mutations collapses into one write.
func (f *FileStorage) scheduleSave() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pending = true
	if f.debounce != nil {
		f.debounce.Stop()
	}
	f.debounce = f.scheduler.After(saveDebounce, f.debouncedSave)
}

func (f *FileStorage) debouncedSave() {
	f.mu.Lock()
	if !f.pending {
		f.mu.Unlock()
		return
	}
	f.pending = false
	f.debounce = nil
	f.mu.Unlock()

	if err := f.save(); err != nil {
		// The in-memory state stays authoritative; the next debounced or
		// periodic save retries with the then-current state.
		logrus.WithError(err).Error("debounced session state save failed")
	}
}

// load imports an existing snapshot, filtering out records that expired while
// the process was down. A missing, corrupt or unparseable file starts the
// store empty: losing sessions is recoverable, crashing the server is not.
func (f *FileStorage) load() {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logrus.WithError(err).Warn("failed to read session state file, starting with empty state")
		}
		return
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		logrus.WithError(err).Warn("failed to parse session state file, starting with empty state")
		return
	}
	if snap.Version != SnapshotVersion {
		logrus.WithFields(logrus.Fields{
			"fileVersion":    snap.Version,
			"currentVersion": SnapshotVersion,
		}).Warn("session state file version mismatch, importing best effort")
	}

	dropped := snap.dropExpired(f.now())
	f.mem.ImportData(&snap)

	logrus.WithFields(logrus.Fields{
		"sessions": len(snap.Sessions),
		"expired":  dropped,
	}).Info("session state loaded from file")
}

// save writes a full snapshot atomically: temp file in the same directory,
// then rename over the target path.
func (f *FileStorage) save() error {
	f.saveMu.Lock()
	defer f.saveMu.Unlock()

	snap := f.mem.ExportData()
	snap.Version = SnapshotVersion
	snap.ExportedAt = f.now().UnixMilli()

	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session state: %w", err)
	}

	tmp := fmt.Sprintf("%s.%s.tmp", f.path, uuid.NewString())
	if err := os.WriteFile(tmp, raw, dataFileMode); err != nil {
		return fmt.Errorf("failed to write session state file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace session state file: %w", err)
	}
	return nil
}
