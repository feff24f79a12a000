package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalSaveLoadDelete(t *testing.T) {
	root := t.TempDir()
	l, err := NewLocal(root, "http://files.local/")
	require.NoError(t, err)
	ctx := context.Background()

	u, err := l.Save(ctx, "annotated-pdfs/u 1_job.pdf", strings.NewReader("pdf-bytes"), "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, "http://files.local/annotated-pdfs/u%201_job.pdf", u)

	data, err := l.Load(ctx, "annotated-pdfs/u 1_job.pdf")
	require.NoError(t, err)
	assert.Equal(t, "pdf-bytes", string(data))

	require.NoError(t, l.Delete(ctx, "annotated-pdfs/u 1_job.pdf"))
	require.NoError(t, l.Delete(ctx, "annotated-pdfs/u 1_job.pdf"))
	_, err = os.Stat(filepath.Join(root, "annotated-pdfs", "u 1_job.pdf"))
	assert.True(t, os.IsNotExist(err))
}

func TestLocalKeysStayUnderRoot(t *testing.T) {
	root := t.TempDir()
	l, err := NewLocal(root, "http://x")
	require.NoError(t, err)

	_, err = l.Save(context.Background(), "../../escape.txt", strings.NewReader("x"), "")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(root, "escape.txt"))

	_, err = l.Save(context.Background(), "/", strings.NewReader("x"), "")
	require.Error(t, err)
}

func TestSaveFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.json")
	require.NoError(t, os.WriteFile(src, []byte(`{"a":1}`), 0o600))
	l, err := NewLocal(t.TempDir(), "http://x")
	require.NoError(t, err)

	u, err := SaveFile(context.Background(), l, "ocr/a.json", src, "application/json")
	require.NoError(t, err)
	assert.Equal(t, "http://x/ocr/a.json", u)
}

func TestSpacesPutsPublicObject(t *testing.T) {
	var (
		mu      sync.Mutex
		method  string
		path    string
		acl     string
		ctype   string
		payload string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		method, path = r.Method, r.URL.Path
		acl = r.Header.Get("X-Amz-Acl")
		ctype = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		payload = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, err := NewSpaces(context.Background(), SpacesOptions{
		Key: "k", Secret: "s", Region: "blr1", Bucket: "evals", Endpoint: srv.URL, PathStyle: true,
	})
	require.NoError(t, err)

	u, err := s.Save(context.Background(), "annotated-pdfs/x.pdf", strings.NewReader("%PDF"), "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, "https://evals.blr1.digitaloceanspaces.com/annotated-pdfs/x.pdf", u)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/evals/annotated-pdfs/x.pdf", path)
	assert.Equal(t, "public-read", acl)
	assert.Equal(t, "application/pdf", ctype)
	assert.Equal(t, "%PDF", payload)
}

func TestSpacesRequiresCredentials(t *testing.T) {
	_, err := NewSpaces(context.Background(), SpacesOptions{Bucket: "b"})
	require.Error(t, err)
}
