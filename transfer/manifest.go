package transfer

import (
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"time"

	"gowarp/models"
)

const defaultMimeType = "application/octet-stream"

// entry is one item to send. relPath is slash separated and rooted at the item's top-level name.
type entry struct {
	source        string
	relPath       string
	fileType      models.FileType
	size          int64
	modTime       time.Time
	symlinkTarget string
}

// manifest is the resolved send list: directories first, then files and symlinks.
type manifest struct {
	dirs     []entry
	files    []entry
	topNames []string
	total    int64
}

func (m *manifest) count() int64 {
	return int64(len(m.dirs) + len(m.files))
}

// buildManifest resolves sources into a manifest. Directory sources are walked recursively.
func buildManifest(sources []string) (*manifest, error) {
	if len(sources) == 0 {
		return nil, errors.New("no sources to send")
	}

	m := &manifest{}
	for _, source := range sources {
		clean := filepath.Clean(source)
		info, err := os.Lstat(clean)
		if err != nil {
			return nil, fmt.Errorf("stat %q: %w", clean, err)
		}
		base := filepath.Base(clean)
		m.topNames = append(m.topNames, base)

		if !info.IsDir() {
			item, err := newEntry(clean, base, info)
			if err != nil {
				return nil, err
			}
			m.add(item)
			continue
		}

		err = filepath.WalkDir(clean, func(p string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			rel, err := filepath.Rel(clean, p)
			if err != nil {
				return err
			}
			relPath := base
			if rel != "." {
				relPath = path.Join(base, filepath.ToSlash(rel))
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			item, err := newEntry(p, relPath, info)
			if err != nil {
				return err
			}
			m.add(item)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %q: %w", clean, err)
		}
	}
	return m, nil
}

func newEntry(source, relPath string, info fs.FileInfo) (entry, error) {
	item := entry{
		source:  source,
		relPath: relPath,
		modTime: info.ModTime(),
	}
	switch {
	case info.IsDir():
		item.fileType = models.FileTypeDirectory
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(source)
		if err != nil {
			return entry{}, fmt.Errorf("read symlink %q: %w", source, err)
		}
		item.fileType = models.FileTypeSymlink
		item.symlinkTarget = target
	case info.Mode().IsRegular():
		item.fileType = models.FileTypeFile
		item.size = info.Size()
	default:
		return entry{}, fmt.Errorf("unsupported file type %s for %q", info.Mode().Type(), source)
	}
	return item, nil
}

func (m *manifest) add(item entry) {
	if item.fileType == models.FileTypeDirectory {
		m.dirs = append(m.dirs, item)
		return
	}
	m.files = append(m.files, item)
	m.total += item.size
}

// single returns the name and MIME type advertised when exactly one item is sent.
func (m *manifest) single() (string, string) {
	if m.count() != 1 || len(m.topNames) != 1 {
		return "", ""
	}
	name := m.topNames[0]
	if len(m.dirs) == 1 {
		return name, "inode/directory"
	}
	mimeType := mime.TypeByExtension(filepath.Ext(name))
	if mimeType == "" {
		mimeType = defaultMimeType
	}
	return name, mimeType
}
