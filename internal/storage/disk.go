package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/amoylab/keyrelay/internal/common/cnst"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// diskRecord is the on-disk document; the original key is kept because file
// names are hashes.
type diskRecord struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

// DiskStore stores one YAML document per key under baseDir
type DiskStore struct {
	logger  *zap.Logger
	baseDir string
	mu      sync.RWMutex
}

var _ Store = (*DiskStore)(nil)

// NewDiskStore creates a new disk-based store
func NewDiskStore(logger *zap.Logger, baseDir string) (*DiskStore, error) {
	logger = logger.Named("storage.disk")
	logger.Info("Using storage directory", zap.String("path", baseDir))

	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, err
	}
	return &DiskStore{
		logger:  logger,
		baseDir: baseDir,
	}, nil
}

func (s *DiskStore) path(key string) string {
	return filepath.Join(s.baseDir, hashKey(key)+".yaml")
}

func (s *DiskStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, cnst.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec diskRecord
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return []byte(rec.Value), nil
}

func (s *DiskStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := yaml.Marshal(diskRecord{Key: key, Value: string(value)})
	if err != nil {
		return err
	}
	// write then rename so readers never see a partial document
	tmp := s.path(key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(key))
}

func (s *DiskStore) Remove(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		if err := os.Remove(s.path(k)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (s *DiskStore) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.baseDir, entry.Name()))
		if err != nil {
			s.logger.Error("failed to read record file",
				zap.String("file", entry.Name()),
				zap.Error(err))
			continue
		}
		var rec diskRecord
		if err := yaml.Unmarshal(data, &rec); err != nil {
			s.logger.Error("failed to unmarshal record",
				zap.String("file", entry.Name()),
				zap.Error(err))
			continue
		}
		keys = append(keys, rec.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *DiskStore) Close() error { return nil }
