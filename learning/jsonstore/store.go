// Package jsonstore persists learned device parameters in a single JSON
// file owned by the host.
package jsonstore

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/dokzlo13/govee/learning"
)

// Store is a learning.Storage backed by a JSON file. A missing file reads
// as an empty mapping.
type Store struct {
	path string
	mu   sync.Mutex
}

// New creates a store writing to path.
func New(path string) *Store {
	return &Store{path: path}
}

// Read implements learning.Storage.
func (s *Store) Read(_ context.Context) (map[string]learning.LearnedInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]learning.LearnedInfo{}, nil
		}
		return nil, err
	}

	infos := make(map[string]learning.LearnedInfo)
	if err := json.Unmarshal(data, &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

// Write implements learning.Storage. The file is replaced atomically via a
// temp file rename so a crash mid-write cannot corrupt learned data.
func (s *Store) Write(_ context.Context, infos map[string]learning.LearnedInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(infos, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
