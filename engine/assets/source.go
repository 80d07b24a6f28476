package assets

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spaghettifunk/vrstream/engine/core"
)

var ErrNonLocalURI = errors.New("uri does not reference a local file")

/**
 * @brief Where scene files and the files they reference are read from.
 */
type Source interface {
	// ReadFile returns the whole content of path.
	ReadFile(path string) ([]byte, error)
	// Resolve returns the path of uri, relative to the file base references it from.
	Resolve(base, uri string) (string, error)
}

/**
 * @brief A Source reading from the local file system, optionally rooted at a directory.
 */
type FileSource struct {
	Root string
}

func NewFileSource(root string) *FileSource {
	return &FileSource{Root: root}
}

func (fs *FileSource) ReadFile(path string) ([]byte, error) {
	full := path
	if fs.Root != "" && !filepath.IsAbs(path) {
		full = filepath.Join(fs.Root, path)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf, err := io.ReadAll(f)
	if err != nil {
		err = fmt.Errorf("failed to read %s: %w", full, err)
		core.LogError(err.Error())
		return nil, err
	}
	return buf, nil
}

// Resolve accepts relative references and file:// URIs. Other schemes are
// rejected with ErrNonLocalURI.
func (fs *FileSource) Resolve(base, uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid uri %q: %w", uri, err)
	}
	switch u.Scheme {
	case "":
	case "file":
		return filepath.FromSlash(u.Path), nil
	default:
		return "", fmt.Errorf("%q: %w", uri, ErrNonLocalURI)
	}
	p := filepath.FromSlash(u.Path)
	if filepath.IsAbs(p) {
		return p, nil
	}
	return filepath.Join(filepath.Dir(base), strings.TrimPrefix(p, "./")), nil
}

/**
 * @brief An in-memory Source, keyed by slash separated path.
 */
type MemorySource map[string][]byte

func (ms MemorySource) ReadFile(path string) ([]byte, error) {
	data, ok := ms[filepath.ToSlash(path)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, os.ErrNotExist)
	}
	return data, nil
}

func (ms MemorySource) Resolve(base, uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid uri %q: %w", uri, err)
	}
	if u.Scheme != "" {
		return "", fmt.Errorf("%q: %w", uri, ErrNonLocalURI)
	}
	dir := filepath.ToSlash(filepath.Dir(base))
	if dir == "." {
		return u.Path, nil
	}
	return dir + "/" + u.Path, nil
}
