package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type zipEntry struct {
	name string
	body string
	mode os.FileMode
}

func buildZip(t *testing.T, entries ...zipEntry) *bytes.Reader {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		hdr := &zip.FileHeader{Name: e.name, Method: zip.Deflate}
		if e.mode != 0 {
			hdr.SetMode(e.mode)
		}
		w, err := zw.CreateHeader(hdr)
		require.NoError(t, err)
		if e.body != "" {
			_, err = w.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, zw.Close())
	return bytes.NewReader(buf.Bytes())
}

func extract(t *testing.T, ex *Extractor, r *bytes.Reader, dest, entry string) (*Result, error) {
	t.Helper()
	return ex.Extract(context.Background(), r, r.Size(), dest, entry)
}

func TestExtract_FlatArchive(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "echo-bot")
	r := buildZip(t,
		zipEntry{name: "index.js", body: "console.log('hi')"},
		zipEntry{name: "lib/util.js", body: "module.exports = {}"},
	)

	res, err := extract(t, NewExtractor(DefaultLimits(), nil), r, dest, "index.js")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Files)
	assert.Empty(t, res.StrippedPrefix)

	data, err := os.ReadFile(filepath.Join(dest, "lib", "util.js"))
	require.NoError(t, err)
	assert.Equal(t, "module.exports = {}", string(data))
}

func TestExtract_StripsSingleTopLevelFolder(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "bot")
	r := buildZip(t,
		zipEntry{name: "my-bot/"},
		zipEntry{name: "my-bot/main.py", body: "print('x')"},
		zipEntry{name: "my-bot/requirements.txt", body: "requests\n"},
		zipEntry{name: "__MACOSX/my-bot/._main.py", body: "junk"},
	)

	res, err := extract(t, NewExtractor(DefaultLimits(), nil), r, dest, "main.py")
	require.NoError(t, err)
	assert.Equal(t, "my-bot", res.StrippedPrefix)
	assert.FileExists(t, filepath.Join(dest, "main.py"))
	assert.NoDirExists(t, filepath.Join(dest, "__MACOSX"))
}

func TestExtract_KeepsFolderWhenEntryPointNamesIt(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "bot")
	r := buildZip(t, zipEntry{name: "src/main.py", body: "print('x')"})

	res, err := extract(t, NewExtractor(DefaultLimits(), nil), r, dest, "src/main.py")
	require.NoError(t, err)
	assert.Empty(t, res.StrippedPrefix)
	assert.FileExists(t, filepath.Join(dest, "src", "main.py"))
}

func TestExtract_RejectsTraversal(t *testing.T) {
	tests := []struct {
		name  string
		entry string
	}{
		{"parent climb", "../../etc/passwd"},
		{"nested climb", "a/../../outside.txt"},
		{"absolute", "/etc/passwd"},
		{"backslash climb", `..\..\evil.txt`},
		{"drive letter", `C:\evil.txt`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := t.TempDir()
			dest := filepath.Join(base, "bot")
			r := buildZip(t,
				zipEntry{name: "index.js", body: "ok"},
				zipEntry{name: tt.entry, body: "pwned"},
			)

			_, err := extract(t, NewExtractor(DefaultLimits(), nil), r, dest, "index.js")
			require.ErrorIs(t, err, ErrPathTraversal)
			assert.NoDirExists(t, dest)
			assert.NoFileExists(t, filepath.Join(base, "outside.txt"))
		})
	}
}

func TestExtract_RejectsSymlinkEntries(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "bot")
	r := buildZip(t,
		zipEntry{name: "index.js", body: "ok"},
		zipEntry{name: "link", body: "/etc/passwd", mode: os.ModeSymlink | 0o777},
	)

	_, err := extract(t, NewExtractor(DefaultLimits(), nil), r, dest, "index.js")
	require.ErrorIs(t, err, ErrUnsupportedEntry)
	assert.NoDirExists(t, dest)
}

func TestExtract_EntryPointMissingCleansUp(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "bot")
	r := buildZip(t, zipEntry{name: "main.py", body: "print('x')"})

	_, err := extract(t, NewExtractor(DefaultLimits(), nil), r, dest, "index.js")
	require.ErrorIs(t, err, ErrEntryPointMissing)
	assert.NoDirExists(t, dest)
}

func TestExtract_EntryPointMustBeFile(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "bot")
	r := buildZip(t, zipEntry{name: "index.js/"}, zipEntry{name: "other.js", body: "x"})

	_, err := extract(t, NewExtractor(DefaultLimits(), nil), r, dest, "index.js")
	require.ErrorIs(t, err, ErrEntryPointMissing)
}

func TestExtract_MalformedArchive(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "bot")
	r := bytes.NewReader([]byte("definitely not a zip"))

	_, err := extract(t, NewExtractor(DefaultLimits(), nil), r, dest, "index.js")
	require.ErrorIs(t, err, ErrMalformedArchive)
	assert.NoDirExists(t, dest)
}

func TestExtract_Limits(t *testing.T) {
	t.Run("too many entries", func(t *testing.T) {
		dest := filepath.Join(t.TempDir(), "bot")
		r := buildZip(t,
			zipEntry{name: "a.js", body: "a"},
			zipEntry{name: "b.js", body: "b"},
			zipEntry{name: "c.js", body: "c"},
		)
		ex := NewExtractor(Limits{MaxEntries: 2, MaxTotalBytes: 1 << 20}, nil)

		_, err := extract(t, ex, r, dest, "a.js")
		require.ErrorIs(t, err, ErrArchiveTooLarge)
		assert.NoDirExists(t, dest)
	})

	t.Run("too many bytes", func(t *testing.T) {
		dest := filepath.Join(t.TempDir(), "bot")
		r := buildZip(t, zipEntry{name: "a.js", body: string(bytes.Repeat([]byte("x"), 4096))})
		ex := NewExtractor(Limits{MaxEntries: 10, MaxTotalBytes: 1024}, nil)

		_, err := extract(t, ex, r, dest, "a.js")
		require.ErrorIs(t, err, ErrArchiveTooLarge)
		assert.NoDirExists(t, dest)
	})
}

func TestExtract_CancelledContext(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "bot")
	r := buildZip(t, zipEntry{name: "index.js", body: "ok"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewExtractor(DefaultLimits(), nil).Extract(ctx, r, r.Size(), dest, "index.js")
	require.ErrorIs(t, err, context.Canceled)
	assert.NoDirExists(t, dest)
}

func TestExtractFile_IntoExistingDirectory(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "bot")
	require.NoError(t, os.MkdirAll(dest, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "keep.txt"), []byte("keep"), 0o644))

	r := buildZip(t, zipEntry{name: "assets/logo.txt", body: "logo"})
	archivePath := filepath.Join(dir, "assets.zip")
	data := make([]byte, r.Size())
	_, err := r.ReadAt(data, 0)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(archivePath, data, 0o644))

	res, err := NewExtractor(DefaultLimits(), nil).ExtractFile(context.Background(), archivePath, dest)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Files)
	assert.FileExists(t, filepath.Join(dest, "keep.txt"))
	assert.FileExists(t, filepath.Join(dest, "assets", "logo.txt"))
}

func TestExtractFile_FailureLeavesExistingFiles(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "bot")
	require.NoError(t, os.MkdirAll(dest, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "keep.txt"), []byte("keep"), 0o644))

	r := buildZip(t,
		zipEntry{name: "new/ok.txt", body: "ok"},
		zipEntry{name: "../escape.txt", body: "bad"},
	)
	archivePath := filepath.Join(dir, "bad.zip")
	data := make([]byte, r.Size())
	_, err := r.ReadAt(data, 0)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(archivePath, data, 0o644))

	_, err = NewExtractor(DefaultLimits(), nil).ExtractFile(context.Background(), archivePath, dest)
	require.ErrorIs(t, err, ErrPathTraversal)
	assert.FileExists(t, filepath.Join(dest, "keep.txt"))
	assert.NoDirExists(t, filepath.Join(dest, "new"))
	assert.NoFileExists(t, filepath.Join(dir, "escape.txt"))
}
