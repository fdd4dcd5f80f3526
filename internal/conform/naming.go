package conform

import (
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

const maxResourceDirLen = 128

func SanitizeName(s string, maxLen int) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if isAllowedNameRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}

	cleaned := strings.TrimSpace(b.String())
	if maxLen > 0 {
		runes := []rune(cleaned)
		if len(runes) > maxLen {
			cleaned = string(runes[:maxLen])
		}
	}
	return cleaned
}

func isAllowedNameRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case ' ', '-', '_', '.', ',', '(', ')':
		return true
	default:
		return false
	}
}

// ResourceDir maps a resource key onto a single safe directory name.
func ResourceDir(resourceKey string) string {
	name := SanitizeName(resourceKey, maxResourceDirLen)
	if strings.Trim(name, ".") == "" {
		return "_" + strings.Repeat("_", len(name))
	}
	return name
}

// OutputPaths are the deterministic locations of a job's deliverables.
type OutputPaths struct {
	Dir     string
	Media   string
	Sidecar string
	Marker  string
}

// PathsFor returns where job jobID of resourceKey is delivered under base.
func PathsFor(base, resourceKey, jobID, format string) OutputPaths {
	dir := filepath.Join(base, ResourceDir(resourceKey))
	return OutputPaths{
		Dir:     dir,
		Media:   filepath.Join(dir, jobID+"."+format),
		Sidecar: filepath.Join(dir, jobID+".edl"),
		Marker:  filepath.Join(dir, "."+jobID+".done"),
	}
}

// WriteFileAtomic writes data to a temp file in path's directory and renames
// it into place, so readers see either the old file or the whole new one.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
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
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
