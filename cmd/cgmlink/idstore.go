package main

import (
	"os"
	"path/filepath"
	"strings"
)

// fileIDStore persists the last-known transmitter identifier so a relaunch
// can go straight to the known-identifier reconnect path.
type fileIDStore struct {
	path string
}

func newFileIDStore(path string) *fileIDStore {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = os.TempDir()
		}
		path = filepath.Join(home, ".cgmlink", "last-peripheral")
	}
	return &fileIDStore{path: path}
}

func (s *fileIDStore) Load() string {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (s *fileIDStore) Store(id string) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return
	}
	// best effort; losing the identifier only costs one extra scan
	_ = os.WriteFile(s.path, []byte(id+"\n"), 0o644)
}
