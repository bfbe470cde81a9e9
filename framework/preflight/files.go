package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CheckFiles returns an error naming every path that does not exist. Relative paths are resolved
// against dir, or the current directory if dir is empty.
func CheckFiles(dir string, paths []string) error {
	var missing []string
	for _, p := range paths {
		full := p
		if !filepath.IsAbs(p) && dir != "" {
			full = filepath.Join(dir, p)
		}
		if _, err := os.Stat(full); err != nil {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required files are missing (is the service built?): %s", strings.Join(missing, ", "))
	}
	return nil
}
