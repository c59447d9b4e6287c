package wal

import (
	"os"
	"strings"

	"github.com/keelrun/keel/pkg/fault"
)

// ListRuns returns the run ids with a stream under dir. A missing
// directory yields no runs.
func ListRuns(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Wrap(fault.CodeIOFailed, err, "wal: list %s", dir)
	}
	var runs []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".wal") {
			continue
		}
		runs = append(runs, strings.TrimSuffix(name, ".wal"))
	}
	return runs, nil
}
