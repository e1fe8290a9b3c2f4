package tocks

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

const saveSuffix = ".tox"

// SaveManager persists one account's protocol savedata. Writes are atomic:
// data lands in a temp file on the same mount and is renamed over the save.
type SaveManager struct {
	path string
}

// NewSaveManager manages the save file at path. Password-protected saves
// are not supported yet; callers must reject non-empty passwords before
// constructing one.
func NewSaveManager(path string) *SaveManager {
	return &SaveManager{path: path}
}

// Load reads the whole save file.
func (m *SaveManager) Load() ([]byte, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read save %s: %w", m.path, err)
	}
	return data, nil
}

// Save atomically replaces the save file with data.
func (m *SaveManager) Save(data []byte) error {
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create save dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tocks-save-*")
	if err != nil {
		return fmt.Errorf("failed to open temp file for save: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write save: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to flush save: %w", err)
	}

	if err := os.Rename(tmp.Name(), m.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to overwrite save: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"path":  m.path,
		"bytes": len(data),
	}).Debug("Persisted account save")

	return nil
}

// savePath maps an account name to its save file within dir.
func savePath(dir, accountName string) string {
	return filepath.Join(dir, accountName+saveSuffix)
}

// retrieveAccountList lists the account names with save files in dir,
// sorted. A missing directory is an empty list, not an error.
func retrieveAccountList(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list account saves in %s: %w", dir, err)
	}

	var accounts []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, saveSuffix) {
			continue
		}
		accounts = append(accounts, strings.TrimSuffix(name, saveSuffix))
	}

	sort.Strings(accounts)
	return accounts, nil
}
