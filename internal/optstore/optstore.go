// Package optstore persists the small bits of state that must survive
// a restart but don't warrant the registry's SQLite-backed store: the
// last-known local and remote default printer names, and the option
// set a managed queue carried before it was torn down, per spec.md
// §4.6 step 1 and §4.7's default-printer tracking. Each record is a
// flat "key=value\n" file, grounded in the teacher's device-file
// idiom (internal/backend/file.go) generalized from one-shot device
// listings to small durable key/value records.
package optstore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	localDefaultFile  = "local-default-printer"
	remoteDefaultFile = "remote-default-printer"
	queueOptionsPrefix = "options-"
)

// Store reads and writes option records under a cache directory.
type Store struct {
	mu  sync.Mutex
	Dir string
}

// New returns a Store rooted at dir. The directory is created lazily
// on first write.
func New(dir string) *Store {
	return &Store{Dir: dir}
}

// LoadLocalDefault returns the last-known local default printer name.
func (s *Store) LoadLocalDefault() (string, bool) {
	return s.loadSingle(localDefaultFile)
}

// SaveLocalDefault records the local default printer name.
func (s *Store) SaveLocalDefault(name string) error {
	return s.saveSingle(localDefaultFile, name)
}

// LoadRemoteDefault returns the queue name this daemon most recently
// designated as the scheduler's default, per spec.md §4.6 step 8.
func (s *Store) LoadRemoteDefault() (string, bool) {
	return s.loadSingle(remoteDefaultFile)
}

// SaveRemoteDefault records the queue name this daemon designated as
// the scheduler's default.
func (s *Store) SaveRemoteDefault(name string) error {
	return s.saveSingle(remoteDefaultFile, name)
}

// LoadQueueOptions returns the persisted option set for queueName, if
// any was saved before the queue was last torn down.
func (s *Store) LoadQueueOptions(queueName string) (map[string]string, bool) {
	return s.loadMap(queueOptionsPrefix + queueName)
}

// SaveQueueOptions persists queueName's option set so it can be
// restored if the printer reappears later, per spec.md §4.6 delete
// step 1.
func (s *Store) SaveQueueOptions(queueName string, options map[string]string) error {
	return s.saveMap(queueOptionsPrefix+queueName, options)
}

func (s *Store) loadSingle(name string) (string, bool) {
	m, ok := s.loadMap(name)
	if !ok {
		return "", false
	}
	return m["value"], true
}

func (s *Store) saveSingle(name, value string) error {
	return s.saveMap(name, map[string]string{"value": value})
}

func (s *Store) loadMap(name string) (map[string]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(filepath.Join(s.Dir, name))
	if err != nil {
		return nil, false
	}
	defer f.Close()

	out := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out, true
}

func (s *Store) saveMap(name string, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, values[k])
	}

	target := filepath.Join(s.Dir, name)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}

// DeleteQueueOptions removes a persisted option record, e.g. when a
// queue is released rather than merely torn down.
func (s *Store) DeleteQueueOptions(queueName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(filepath.Join(s.Dir, queueOptionsPrefix+queueName))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
