package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"
)

const (
	maxSlugLength  = 64
	slugHashLength = 16
)

// CreateTempDir creates the work directory for a single request
func CreateTempDir(baseDir, requestID string) (string, error) {
	workDir := filepath.Join(baseDir, requestID)
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", workDir, err)
	}
	return workDir, nil
}

// TempScope tracks intermediate files created during one request and removes
// them, newest first, when Cleanup runs. Cleanup is safe to call more than once.
type TempScope struct {
	mu    sync.Mutex
	paths []string
}

// NewTempScope creates an empty scope
func NewTempScope() *TempScope {
	return &TempScope{}
}

// Track registers a path for removal and returns it.
func (s *TempScope) Track(path string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths = append(s.paths, path)
	return path
}

// Cleanup removes every tracked path. Paths that never got created are not
// an error. Directories are removed only once empty. The returned slice holds
// one error per path that could not be removed.
func (s *TempScope) Cleanup() []error {
	s.mu.Lock()
	paths := s.paths
	s.paths = nil
	s.mu.Unlock()

	var errs []error
	for i := len(paths) - 1; i >= 0; i-- {
		if err := os.Remove(paths[i]); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", paths[i], err))
		}
	}
	return errs
}

// FileExists checks if a regular file exists
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Slugify maps a display name to a filesystem-safe token. The mapping is
// one-to-one: ASCII letters, digits and '-' are kept, every other rune is
// written as _<hex code point>_. Tokens longer than maxSlugLength are cut
// and suffixed with a hash of the name, which makes them one byte longer
// than any uncut token.
func Slugify(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "video"
	}

	var b strings.Builder
	for _, r := range name {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '-':
			b.WriteRune(r)
		default:
			fmt.Fprintf(&b, "_%x_", r)
		}
	}

	slug := b.String()
	if len(slug) <= maxSlugLength {
		return slug
	}
	sum := sha256.Sum256([]byte(name))
	return slug[:maxSlugLength-slugHashLength] + "_" + hex.EncodeToString(sum[:])[:slugHashLength]
}

// SafeUploadName keeps the extension of a client-supplied filename and
// prefixes a unique id, dropping any directory components.
func SafeUploadName(id, original string) string {
	base := filepath.Base(filepath.Clean("/" + original))
	if base == "/" {
		base = ""
	}
	ext := strings.ToLower(filepath.Ext(base))
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if len(ext) < 2 || len(ext) > 10 {
		ext = ""
	} else {
		ext = "." + Slugify(ext[1:])
	}
	return id + "_" + Slugify(stem) + ext
}
