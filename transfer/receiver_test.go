package transfer

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"gowarp/models"
	"gowarp/network"
)

func fileChunk(rel string, data string) *network.FileChunk {
	return &network.FileChunk{
		RelativePath: rel,
		FileType:     int32(models.FileTypeFile),
		FileMode:     fileMode,
		Chunk:        []byte(data),
	}
}

func requireKind(t *testing.T, err error, kind models.ErrorKind) {
	t.Helper()
	var terr models.TransferError
	require.True(t, errors.As(err, &terr), "expected a transfer error, got %v", err)
	require.Equal(t, kind, terr.Kind)
}

func TestSanitizePath(t *testing.T) {
	require.Equal(t, "a_b_c_d_e_f_g_h.txt", sanitizePath(`a\b<c>d*e|f?g:h.txt`))
	require.Equal(t, `quote_d`, sanitizePath(`quote"d`))
	require.Equal(t, "dir/sub/file.txt", sanitizePath("dir/sub/file.txt"))
}

func TestReceiverRejectsEscapingPaths(t *testing.T) {
	for _, rel := range []string{"../escape.txt", "dir/../../escape.txt", "..", "."} {
		t.Run(rel, func(t *testing.T) {
			root := t.TempDir()
			rx, err := newReceiver(filepath.Join(root, "downloads"), false, false, nil)
			require.NoError(t, err)

			_, err = rx.handle(fileChunk(rel, "payload"))
			requireKind(t, err, models.ErrPermissionDenied)

			_, statErr := os.Stat(filepath.Join(root, "escape.txt"))
			require.True(t, errors.Is(statErr, os.ErrNotExist))
		})
	}
}

func TestReceiverRejectsSymlinkedParent(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	downloads := filepath.Join(root, "downloads")
	require.NoError(t, os.MkdirAll(downloads, 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(downloads, "link")))

	rx, err := newReceiver(downloads, false, false, nil)
	require.NoError(t, err)

	_, err = rx.handle(fileChunk("link/owned.txt", "payload"))
	requireKind(t, err, models.ErrPermissionDenied)

	_, statErr := os.Stat(filepath.Join(outside, "owned.txt"))
	require.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestReceiverRequiresDownloadDir(t *testing.T) {
	_, err := newReceiver("", false, false, nil)
	requireKind(t, err, models.ErrDownloadDirectoryNotSet)
}

func TestReceiverRenamesOnCollision(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "photo.jpg"), []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "photo(1).jpg"), []byte("older"), 0o644))

	rx, err := newReceiver(dir, false, false, nil)
	require.NoError(t, err)
	n, err := rx.handle(fileChunk("photo.jpg", "new"))
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
	require.Empty(t, rx.finish())

	data, err := os.ReadFile(filepath.Join(dir, "photo(2).jpg"))
	require.NoError(t, err)
	require.Equal(t, "new", string(data))

	data, err = os.ReadFile(filepath.Join(dir, "photo.jpg"))
	require.NoError(t, err)
	require.Equal(t, "old", string(data))
}

func TestUniqueNameWithoutExtension(t *testing.T) {
	dir := t.TempDir()
	require.Equal(t, filepath.Join(dir, "README(1)"), uniqueName(filepath.Join(dir, "README")))
	require.Equal(t, filepath.Join(dir, ".profile(1)"), uniqueName(filepath.Join(dir, ".profile")))
}

func TestSafeOverwriteSurvivesInterruption(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "report.txt")
	require.NoError(t, os.WriteFile(target, []byte("original"), 0o644))

	rx, err := newReceiver(dir, true, false, nil)
	require.NoError(t, err)
	_, err = rx.handle(fileChunk("report.txt", "half of the new"))
	require.NoError(t, err)

	// The target is untouched while the replacement is being written.
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "original", string(data))
	_, err = os.Stat(target + tempSuffix)
	require.NoError(t, err)

	rx.abort()

	data, err = os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "original", string(data))
	_, err = os.Stat(target + tempSuffix)
	require.True(t, errors.Is(err, os.ErrNotExist))
}

func TestSafeOverwriteReplacesOnFinalize(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "report.txt")
	require.NoError(t, os.WriteFile(target, []byte("original"), 0o644))

	rx, err := newReceiver(dir, true, false, nil)
	require.NoError(t, err)
	_, err = rx.handle(fileChunk("report.txt", "new "))
	require.NoError(t, err)
	_, err = rx.handle(fileChunk("report.txt", "content"))
	require.NoError(t, err)
	require.Empty(t, rx.finish())

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "new content", string(data))
	_, err = os.Stat(target + tempSuffix)
	require.True(t, errors.Is(err, os.ErrNotExist))
}

func TestReceiverCollectsSymlinkErrors(t *testing.T) {
	dir := t.TempDir()
	rx, err := newReceiver(dir, false, false, nil)
	require.NoError(t, err)

	_, err = rx.handle(&network.FileChunk{
		RelativePath:  "shortcut",
		FileType:      int32(models.FileTypeSymlink),
		SymlinkTarget: "/etc/hosts",
	})
	require.NoError(t, err)
	_, err = rx.handle(fileChunk("after.txt", "still written"))
	require.NoError(t, err)

	errs := rx.finish()
	require.Len(t, errs, 1)
	require.Equal(t, models.ErrSymlinksNotSupported, errs[0].Kind)

	data, err := os.ReadFile(filepath.Join(dir, "after.txt"))
	require.NoError(t, err)
	require.Equal(t, "still written", string(data))
}
