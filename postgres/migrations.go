package postgres

import (
	"embed"
	"os"
	"path/filepath"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// GetMigrationPaths returns the on-disk migrations directories that exist.
// They override the embedded migrations when passed to SetMigrationsDir.
func GetMigrationPaths() []string {
	searchPaths := []string{
		filepath.Join("scripts", "migrations"),
	}

	execPath, err := os.Executable()
	if err == nil {
		execDir := filepath.Dir(execPath)
		searchPaths = append(searchPaths, filepath.Join(execDir, "scripts", "migrations"))
	}

	workingDir, err := os.Getwd()
	if err == nil {
		searchPaths = append(searchPaths, filepath.Join(workingDir, "scripts", "migrations"))
	}

	var validPaths []string

	for _, path := range searchPaths {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			validPaths = append(validPaths, path)
		}
	}

	return validPaths
}
