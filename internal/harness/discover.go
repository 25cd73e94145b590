package harness

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// FindScenarios returns the scenario files at path: path itself if it is
// a file, otherwise every .yaml/.yml file under it, sorted.
func FindScenarios(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("scenario path: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch filepath.Ext(p) {
		case ".yaml", ".yml":
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan scenarios: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no scenario files found in %s", path)
	}
	sort.Strings(files)
	return files, nil
}
