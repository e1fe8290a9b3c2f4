package tocks

import (
	"fmt"
	"os"
	"path/filepath"
)

// Dirs carries the directories the core persists into. Resolved once at
// startup and passed into constructors; nothing reads them ambiently.
type Dirs struct {
	// SaveDir holds one <name>.tox protocol save per account.
	SaveDir string
	// DataDir holds one <name>.db chat history database per account.
	DataDir string
}

// DefaultDirs resolves the platform-standard locations: saves under the
// user config dir (shared with other Tox clients), databases under a
// tocks-specific data dir.
func DefaultDirs() (Dirs, error) {
	config, err := os.UserConfigDir()
	if err != nil {
		return Dirs{}, fmt.Errorf("failed to resolve user config dir: %w", err)
	}

	data := os.Getenv("XDG_DATA_HOME")
	if data == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Dirs{}, fmt.Errorf("failed to resolve user home dir: %w", err)
		}
		data = filepath.Join(home, ".local", "share")
	}

	return Dirs{
		SaveDir: filepath.Join(config, "tox"),
		DataDir: filepath.Join(data, "tocks"),
	}, nil
}

func (d Dirs) databasePath(accountName string) string {
	return filepath.Join(d.DataDir, accountName+".db")
}
