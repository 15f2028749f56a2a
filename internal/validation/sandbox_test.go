package validation

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveInSandbox(t *testing.T) {
	projects := t.TempDir()
	bot1 := filepath.Join(projects, "bot1")
	bot2 := filepath.Join(projects, "bot2")
	require.NoError(t, os.MkdirAll(filepath.Join(bot1, "src"), 0o755))
	require.NoError(t, os.MkdirAll(bot2, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bot2, "secret.txt"), []byte("s3cret"), 0o600))

	t.Run("relative file inside", func(t *testing.T) {
		got, err := ResolveInSandbox(bot1, "src/index.js")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(bot1, "src", "index.js"), got)
	})

	t.Run("leading slash is root relative", func(t *testing.T) {
		got, err := ResolveInSandbox(bot1, "/src")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(bot1, "src"), got)
	})

	t.Run("root itself", func(t *testing.T) {
		got, err := ResolveInSandbox(bot1, "")
		require.NoError(t, err)
		assert.Equal(t, bot1, got)
	})

	t.Run("sibling workload is denied", func(t *testing.T) {
		_, err := ResolveInSandbox(bot1, "../bot2/secret.txt")
		assert.True(t, errors.Is(err, ErrPathEscapesSandbox))
	})

	t.Run("dot dot in the middle is denied", func(t *testing.T) {
		_, err := ResolveInSandbox(bot1, "src/../../bot2")
		assert.True(t, errors.Is(err, ErrPathEscapesSandbox))
	})

	t.Run("symlink out of the sandbox is denied", func(t *testing.T) {
		link := filepath.Join(bot1, "escape")
		if err := os.Symlink(bot2, link); err != nil {
			t.Skipf("symlinks unsupported: %v", err)
		}
		_, err := ResolveInSandbox(bot1, "escape/secret.txt")
		assert.True(t, errors.Is(err, ErrPathEscapesSandbox))
	})

	t.Run("nul byte is denied", func(t *testing.T) {
		_, err := ResolveInSandbox(bot1, "a\x00b")
		assert.True(t, errors.Is(err, ErrPathEscapesSandbox))
	})
}

func TestIsWithin(t *testing.T) {
	assert.True(t, IsWithin("/srv/projects/a", "/srv/projects/a"))
	assert.True(t, IsWithin("/srv/projects/a", "/srv/projects/a/b/c"))
	assert.False(t, IsWithin("/srv/projects/a", "/srv/projects/ab"))
	assert.False(t, IsWithin("/srv/projects/a", "/srv/projects"))
	assert.False(t, IsWithin("/srv/projects/a", "/etc/passwd"))
}

func TestValidateEntryPoint(t *testing.T) {
	for _, ok := range []string{"main.py", "src/index.js", "./bot.js"} {
		assert.NoError(t, ValidateEntryPoint(ok), ok)
	}
	for _, bad := range []string{"", " ", "/etc/passwd", "../main.py", "a/../../b", ".."} {
		assert.Error(t, ValidateEntryPoint(bad), bad)
	}
}
