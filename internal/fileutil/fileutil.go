package fileutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const appDirPerm os.FileMode = 0o750

// Characters that are unsafe in output filenames across filesystems.
var unsafeChars = regexp.MustCompile(`[\\/*?:"<>|]`)

// Stems longer than this risk exceeding path length limits once the
// download directory and a container extension are prepended/appended.
const maxStemLen = 80

// EnsureDir creates the directory if it does not exist.
func EnsureDir(dirPath string) error {
	if dirPath == "" {
		return errors.New("empty dir path")
	}
	if err := os.MkdirAll(dirPath, appDirPerm); err != nil { //nolint:gosec // app-owned data dir
		return fmt.Errorf("ensure dir: %w", err)
	}
	return nil
}

// SanitizeName strips path separators and shell-hostile characters from a
// filename and bounds its stem length. The extension is preserved.
func SanitizeName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	ext := filepath.Ext(name)
	if ext == "." {
		ext = ""
	}
	stem := strings.TrimSuffix(name, ext)
	stem = unsafeChars.ReplaceAllString(stem, "_")
	if len(stem) > maxStemLen {
		stem = stem[:maxStemLen]
	}
	if stem == "" || stem == "." {
		stem = "downloaded_file"
	}
	return stem + ext
}

// RemoveIfExists deletes the file if present. Missing files are not an error;
// every exit path of the pipeline calls this on partial output.
func RemoveIfExists(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// IsZeroByte reports whether the file exists and has zero length.
func IsZeroByte(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() == 0
}
