package mmigration

import (
	"fmt"
	"path/filepath"
)

func globMigrationFiles(dir string, version int) ([]string, error) {
	return filepath.Glob(filepath.Join(dir, fmt.Sprintf("%06d_*.up.sql", version)))
}
