package storage

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// sqliteSidecars are the files WAL mode keeps next to the database file.
var sqliteSidecars = []string{"-wal", "-shm"}

// DatabaseSize returns the on-disk footprint of the SQLite database at path, sidecar
// files included. Files that do not exist count as zero.
func DatabaseSize(path string) (int64, error) {
	if path == "" {
		return 0, nil
	}
	var total int64
	for _, p := range append([]string{path}, sidecarPaths(path)...) {
		info, err := os.Stat(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}

func sidecarPaths(path string) []string {
	out := make([]string, len(sqliteSidecars))
	for i, s := range sqliteSidecars {
		out[i] = path + s
	}
	return out
}

// DirSize sums the regular files under dir, such as the generated reports. A missing
// directory has size zero.
func DirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
