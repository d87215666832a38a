package artifacts

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_Save(t *testing.T) {
	root := t.TempDir()

	tests := []struct {
		name     string
		baseURL  string
		key      string
		expected string
	}{
		{"file path", "", "exec-1/img/out.png", filepath.Join(root, "exec-1", "img", "out.png")},
		{"public url", "https://media.example.com/", "exec-1/img/out.png", "https://media.example.com/exec-1/img/out.png"},
		{"escaping key stays inside root", "", "../../etc/passwd", filepath.Join(root, "etc", "passwd")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewFileStore(root, tt.baseURL)

			location, err := store.Save(context.Background(), tt.key, strings.NewReader("png"))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, location)
		})
	}

	content, err := os.ReadFile(filepath.Join(root, "exec-1", "img", "out.png"))
	require.NoError(t, err)
	assert.Equal(t, "png", string(content))
}

func TestPersister_Persist(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)

			return
		}

		_, _ = w.Write([]byte("image-bytes"))
	}))
	defer server.Close()

	root := t.TempDir()
	persister := NewPersister(slog.Default(), NewFileStore(root, ""), time.Second)
	ctx := context.Background()

	t.Run("copies the primary output", func(t *testing.T) {
		output := map[string]any{"output": server.URL + "/sunset.png", "imageUrl": server.URL + "/sunset.png"}

		persisted := persister.Persist(ctx, "exec-1", "img", output)

		assert.Equal(t, filepath.Join(root, "exec-1", "img", "sunset.png"), persisted[StoredURLKey])
		assert.NotContains(t, output, StoredURLKey)

		content, err := os.ReadFile(filepath.Join(root, "exec-1", "img", "sunset.png"))
		require.NoError(t, err)
		assert.Equal(t, "image-bytes", string(content))
	})

	t.Run("records storage errors", func(t *testing.T) {
		persisted := persister.Persist(ctx, "exec-1", "img", map[string]any{"output": server.URL + "/missing.png"})

		assert.Equal(t, "download failed: HTTP 404", persisted[StorageErrorKey])
		assert.Equal(t, server.URL+"/missing.png", persisted["output"])
	})

	t.Run("ignores non url outputs", func(t *testing.T) {
		output := map[string]any{"output": "just text"}

		assert.Equal(t, output, persister.Persist(ctx, "exec-1", "llm", output))
	})
}
