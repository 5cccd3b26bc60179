package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// record is the on-disk document.
type record struct {
	LastIdentity string    `yaml:"last_identity"`
	SavedAt      time.Time `yaml:"saved_at,omitempty"`
}

// FileStore keeps the identity in a small YAML document.
type FileStore struct {
	path   string
	logger *logrus.Logger
	mu     sync.Mutex
}

// NewFileStore creates a store backed by path. The file is created on first save.
func NewFileStore(path string, logger *logrus.Logger) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("session file path is empty")
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &FileStore{path: path, logger: logger}, nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) SaveConnectedIdentity(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := yaml.Marshal(&record{LastIdentity: id, SavedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}

	// Write to a sibling temp file and rename so readers never see a torn document.
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".session-*.yaml")
	if err != nil {
		return fmt.Errorf("creating session file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("writing session file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing session file: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"id":   id,
		"path": s.path,
	}).Debug("Saved connected identity")
	return nil
}

func (s *FileStore) LoadLastIdentity() (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading session file: %w", err)
	}

	var rec record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return "", false, fmt.Errorf("parsing session file %s: %w", s.path, err)
	}

	id := strings.TrimSpace(rec.LastIdentity)
	return id, id != "", nil
}

// Forget removes the saved identity. Forgetting a missing file is not an error.
func (s *FileStore) Forget() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing session file: %w", err)
	}
	return nil
}
