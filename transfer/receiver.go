package transfer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"gowarp/models"
	"gowarp/network"
)

const (
	dirMode     = 0o755
	fileMode    = 0o644
	symlinkMode = 0o777

	// tempSuffix marks the side file written while an existing target is being replaced.
	tempSuffix = ".warptmp"
)

var unsafeNameChars = regexp.MustCompile(`[\\<>*|?:"]`)

// sanitizePath replaces characters that are invalid on common filesystems.
func sanitizePath(rel string) string {
	return unsafeNameChars.ReplaceAllString(rel, "_")
}

// openEntry is the file currently being written.
type openEntry struct {
	file      *os.File
	target    string
	writePath string
	modTime   time.Time
	hasTime   bool
	temp      bool
}

// receiver writes a chunk stream under root. It is owned by a single goroutine.
type receiver struct {
	root           string
	allowOverwrite bool
	compressed     bool
	logger         *zap.Logger

	started     bool
	currentPath string
	current     *openEntry
	errs        []models.TransferError
}

func newReceiver(dir string, allowOverwrite, compressed bool, logger *zap.Logger) (*receiver, error) {
	if dir == "" {
		return nil, models.NewTransferError(models.ErrDownloadDirectoryNotSet, "")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, models.NewTransferError(models.ErrPermissionDenied, err.Error())
	}
	if err := os.MkdirAll(abs, dirMode); err != nil {
		return nil, models.NewTransferError(models.ErrPermissionDenied, fmt.Sprintf("create download directory: %v", err))
	}
	root, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, models.NewTransferError(models.ErrPermissionDenied, err.Error())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &receiver{
		root:           root,
		allowOverwrite: allowOverwrite,
		compressed:     compressed,
		logger:         logger,
	}, nil
}

// handle applies one chunk and returns the number of payload bytes written.
// A returned models.TransferError fails the whole transfer; per-file problems are collected instead.
func (r *receiver) handle(chunk *network.FileChunk) (int64, error) {
	if !r.started || chunk.RelativePath != r.currentPath {
		r.finalize()
		r.started = true
		r.currentPath = chunk.RelativePath
		if err := r.begin(chunk); err != nil {
			return 0, err
		}
	}
	if r.current == nil || len(chunk.Chunk) == 0 {
		return 0, nil
	}

	data := chunk.Chunk
	if r.compressed {
		inflated, err := decompressChunk(data)
		if err != nil {
			return 0, models.NewTransferError(models.ErrGeneric, err.Error())
		}
		data = inflated
	}
	if _, err := r.current.file.Write(data); err != nil {
		if errors.Is(err, syscall.ENOSPC) {
			return 0, models.NewTransferError(models.ErrStorageFull, err.Error())
		}
		return 0, models.NewTransferError(models.ErrGeneric, err.Error())
	}
	return int64(len(data)), nil
}

func (r *receiver) begin(chunk *network.FileChunk) error {
	switch models.FileType(chunk.FileType) {
	case models.FileTypeSymlink:
		r.errs = append(r.errs, models.NewTransferError(models.ErrSymlinksNotSupported, chunk.RelativePath))
		return nil
	case models.FileTypeDirectory:
		target, err := r.resolve(chunk.RelativePath)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(target, dirMode); err != nil {
			r.errs = append(r.errs, models.NewTransferError(models.ErrGeneric, fmt.Sprintf("create directory %s: %v", chunk.RelativePath, err)))
		}
		return nil
	default:
		target, err := r.resolve(chunk.RelativePath)
		if err != nil {
			return err
		}
		return r.open(target, chunk.Time)
	}
}

// resolve maps a wire path to a location strictly inside root.
func (r *receiver) resolve(rel string) (string, error) {
	target := filepath.Join(r.root, filepath.FromSlash(sanitizePath(rel)))
	if target == r.root || !contains(r.root, target) {
		return "", models.NewTransferError(models.ErrPermissionDenied, fmt.Sprintf("path %q escapes download directory", rel))
	}
	return target, nil
}

func (r *receiver) open(target string, mtime *network.FileTime) error {
	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, dirMode); err != nil {
		return models.NewTransferError(models.ErrPermissionDenied, err.Error())
	}
	// A symlinked directory inside root must not carry writes outside it.
	resolved, err := filepath.EvalSymlinks(parent)
	if err != nil || !contains(r.root, resolved) {
		return models.NewTransferError(models.ErrPermissionDenied, fmt.Sprintf("path %q escapes download directory", target))
	}

	writePath := target
	temp := false
	if _, err := os.Lstat(target); err == nil {
		if r.allowOverwrite {
			writePath = target + tempSuffix
			temp = true
		} else {
			target = uniqueName(target)
			writePath = target
		}
	}

	file, err := os.OpenFile(writePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fileMode)
	if err != nil {
		return models.NewTransferError(models.ErrPermissionDenied, err.Error())
	}
	entry := &openEntry{file: file, target: target, writePath: writePath, temp: temp}
	if mtime != nil {
		entry.modTime = time.Unix(int64(mtime.Mtime), int64(mtime.MtimeUsec)*int64(time.Microsecond))
		entry.hasTime = true
	}
	r.current = entry
	return nil
}

// finalize closes the current file, stamps its mtime and moves a replacement into place.
func (r *receiver) finalize() {
	entry := r.current
	if entry == nil {
		return
	}
	r.current = nil

	if err := entry.file.Close(); err != nil {
		r.errs = append(r.errs, models.NewTransferError(models.ErrGeneric, fmt.Sprintf("close %s: %v", entry.target, err)))
		_ = os.Remove(entry.writePath)
		return
	}
	if entry.hasTime {
		if err := os.Chtimes(entry.writePath, entry.modTime, entry.modTime); err != nil {
			r.logger.Warn("failed to set modification time", zap.String("path", entry.target), zap.Error(err))
		}
	}
	if entry.temp {
		if err := os.Rename(entry.writePath, entry.target); err != nil {
			r.errs = append(r.errs, models.NewTransferError(models.ErrGeneric, fmt.Sprintf("replace %s: %v", entry.target, err)))
			_ = os.Remove(entry.writePath)
		}
	}
}

// abort drops the file in progress. A replaced target is left untouched.
func (r *receiver) abort() {
	entry := r.current
	if entry == nil {
		return
	}
	r.current = nil
	_ = entry.file.Close()
	if err := os.Remove(entry.writePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.logger.Warn("failed to remove incomplete file", zap.String("path", entry.writePath), zap.Error(err))
	}
}

// finish finalizes the last entry and returns the per-file errors.
func (r *receiver) finish() []models.TransferError {
	r.finalize()
	return r.errs
}

// uniqueName returns the first free "name(n).ext" next to target.
func uniqueName(target string) string {
	dir, base := filepath.Split(target)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		stem, ext = base, ""
	}
	for i := 1; ; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s(%d)%s", stem, i, ext))
		if _, err := os.Lstat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
	}
}

// contains reports whether p is root or lies beneath it.
func contains(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
