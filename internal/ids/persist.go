package ids

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LoadOrCreateInstanceID reads the instance id stored at path. When the file
// does not exist a new id is generated and written so that later restarts keep
// the same identity. A file that exists but does not hold a valid id is an
// error; it is never overwritten.
func LoadOrCreateInstanceID(path string) (InstanceID, bool, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		id, perr := ParseInstanceID(strings.TrimSpace(string(data)))
		if perr != nil {
			return InstanceID{}, false, fmt.Errorf("read instance id %s: %w", path, perr)
		}
		return id, false, nil
	case !errors.Is(err, fs.ErrNotExist):
		return InstanceID{}, false, fmt.Errorf("read instance id %s: %w", path, err)
	}

	id := NewInstanceID()
	if err := writeFileAtomic(path, []byte(id.String()+"\n")); err != nil {
		return InstanceID{}, false, fmt.Errorf("persist instance id %s: %w", path, err)
	}
	return id, true, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
