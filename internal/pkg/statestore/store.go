package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/jdtait/nest-protect-gateway/internal/pkg/logging"
)

/*
 *  Restart-durable key/value store backing the gateway's token and
 *  device state.  The whole document is written to a sibling temp file
 *  and renamed into place, so a reader never observes a half-written
 *  file.  In-memory state stays authoritative for the running process;
 *  a failed disk write only costs durability across a restart.
 */

// Store is a lock-guarded string-keyed map persisted as one JSON
// document.  All mutation is serialized by a single mutex.
type Store struct {
	mu       sync.Mutex
	fileName string
	state    map[string]interface{}
}

func New(fileName string) *Store {
	return &Store{
		fileName: fileName,
		state:    make(map[string]interface{}),
	}
}

// FileName returns the path of the backing file.
func (s *Store) FileName() string {
	return s.fileName
}

// Load reads the backing file into memory.  A missing file yields an
// empty map.  A file that does not parse is moved aside as a
// timestamped backup and replaced with an empty map rather than
// failing the process.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = make(map[string]interface{})

	data, err := os.ReadFile(s.fileName)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "opening state file %s for read", s.fileName)
	}

	if err := json.Unmarshal(data, &s.state); err != nil {
		backup := fmt.Sprintf("%s.corrupted.%d", s.fileName, time.Now().Unix())
		logging.Logger(nil).WithError(err).Warnf("state file %s is corrupt, moving aside to %s", s.fileName, backup)

		if err := os.Rename(s.fileName, backup); err != nil {
			logging.Logger(nil).WithError(err).Errorf("moving corrupt state file aside")
		}

		s.state = make(map[string]interface{})
	}

	return nil
}

// Get returns the value for key, or def when the key is absent.
func (s *Store) Get(key string, def interface{}) interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.state[key]; ok {
		return v
	}
	return def
}

// GetString is Get for the common case of string values; non-string
// values fall back to def.
func (s *Store) GetString(key string, def string) string {
	if v, ok := s.Get(key, def).(string); ok {
		return v
	}
	return def
}

// Set stores value under key, and writes the document to disk unless
// persist is false.
func (s *Store) Set(key string, value interface{}, persist bool) {
	s.mu.Lock()
	s.state[key] = value
	s.mu.Unlock()

	if persist {
		s.Save()
	}
}

// Update applies fn to the current value of key (or def when absent)
// under the lock and stores the result, returning the new value.
func (s *Store) Update(key string, fn func(interface{}) interface{}, def interface{}) interface{} {
	s.mu.Lock()
	current, ok := s.state[key]
	if !ok {
		current = def
	}
	updated := fn(current)
	s.state[key] = updated
	s.mu.Unlock()

	s.Save()
	return updated
}

// Delete removes key and persists the removal.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	delete(s.state, key)
	s.mu.Unlock()

	s.Save()
}

// All returns a defensive copy of the whole document.
func (s *Store) All() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]interface{}, len(s.state))
	for k, v := range s.state {
		out[k] = v
	}
	return out
}

// Save writes the document to disk via a sibling temp file and an
// atomic rename.  Failures are logged and swallowed - losing
// durability must not fail the operation that triggered the save.
func (s *Store) Save() {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.state, "", "  ")
	s.mu.Unlock()

	if err != nil {
		logging.Logger(nil).WithError(err).Error("encoding gateway state")
		return
	}

	if err := s.writeAtomic(data); err != nil {
		logging.Logger(nil).WithError(err).Errorf("saving gateway state to %s", s.fileName)
	}
}

func (s *Store) writeAtomic(data []byte) error {
	dir := filepath.Dir(s.fileName)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return errors.Wrapf(err, "creating state directory %s", dir)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.fileName)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "creating temp state file")
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "writing temp state file")
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "closing temp state file")
	}

	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "setting state file mode")
	}

	if err := os.Rename(tmp.Name(), s.fileName); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "renaming temp state file over %s", s.fileName)
	}

	return nil
}
