package fsutil

import (
	"os"
	"path/filepath"
	"strings"
)

var descriptorExts = map[string]struct{}{
	".json": {},
	".yaml": {},
	".yml":  {},
}

// IsDescriptor reports whether path looks like a yard descriptor file.
// Dotfiles (editor swap files, hidden state) never count.
func IsDescriptor(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	_, ok := descriptorExts[strings.ToLower(filepath.Ext(base))]
	return ok
}

// ListDescriptors returns the descriptor files directly inside dir, in
// lexical order. Subdirectories are not descended into.
func ListDescriptors(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if IsDescriptor(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// IsDir reports whether path exists and is a directory.
func IsDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
