package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrInvalidDestination is returned when no usable path can be derived.
var ErrInvalidDestination = errors.New("transfer: invalid destination")

// ResolveDestination returns the file path an item is written to.
//
// An empty dest, or one naming a directory (trailing separator or existing
// directory), gets a filename derived from the source URL path. Relative
// paths are joined to baseDir when it is set.
func ResolveDestination(source, dest, baseDir string) (string, error) {
	if dest == "" {
		dest = baseDir
		if dest == "" {
			dest = "."
		}
		return filepath.Join(dest, FilenameFromSource(source)), nil
	}

	isDir := strings.HasSuffix(dest, "/") || strings.HasSuffix(dest, string(filepath.Separator))
	if !filepath.IsAbs(dest) && baseDir != "" {
		dest = filepath.Join(baseDir, dest)
	}

	if isDir {
		return filepath.Join(dest, FilenameFromSource(source)), nil
	}
	if info, err := os.Stat(dest); err == nil && info.IsDir() {
		return filepath.Join(dest, FilenameFromSource(source)), nil
	}

	if base := filepath.Base(dest); base == "." || base == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidDestination, dest)
	}
	return filepath.Clean(dest), nil
}

// FilenameFromSource derives a filename from the last segment of the URL
// path, falling back to a stable hash of the source.
func FilenameFromSource(source string) string {
	if u, err := url.Parse(source); err == nil {
		name := path.Base(u.Path)
		if unescaped, err := url.PathUnescape(name); err == nil {
			name = unescaped
		}
		if name != "" && name != "/" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`) {
			return name
		}
	}

	sum := sha256.Sum256([]byte(source))
	return "download-" + hex.EncodeToString(sum[:6])
}
