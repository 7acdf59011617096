package cookies

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const jar = "# Netscape HTTP Cookie File\n.youtube.com\tTRUE\t/\tTRUE\t0\tPREF\tf1=1\n"

func TestEnsure(t *testing.T) {
	ctx := context.Background()
	encoded := base64.StdEncoding.EncodeToString([]byte(jar))

	t.Run("writes decoded jar", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "cookies.txt")

		ok, err := Ensure(ctx, path, encoded+"\n")
		require.NoError(t, err)
		assert.True(t, ok)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, jar, string(data))

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	})

	t.Run("keeps existing file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "cookies.txt")
		require.NoError(t, os.WriteFile(path, []byte("mine"), 0o644))

		ok, err := Ensure(ctx, path, encoded)
		require.NoError(t, err)
		assert.True(t, ok)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "mine", string(data))
	})

	t.Run("nothing configured", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "cookies.txt")

		ok, err := Ensure(ctx, path, "")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NoFileExists(t, path)
	})

	t.Run("invalid base64", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "cookies.txt")

		ok, err := Ensure(ctx, path, "!!not base64!!")
		require.Error(t, err)
		assert.False(t, ok)
		assert.NoFileExists(t, path)
	})

	t.Run("empty path", func(t *testing.T) {
		ok, err := Ensure(ctx, "", encoded)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
