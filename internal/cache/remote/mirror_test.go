package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryMirrorPushPull(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "x.npy"), []byte("array"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "logs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "logs", "train.txt"), []byte("loss"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "done"), nil, 0o644))

	m := NewMemoryMirror("")
	require.NoError(t, m.Push(ctx, "stage", "abc", src))
	assert.Equal(t, 1, m.Len())

	dst := t.TempDir()
	ok, err := m.Pull(ctx, "stage", "abc", dst)
	require.NoError(t, err)
	require.True(t, ok)

	raw, err := os.ReadFile(filepath.Join(dst, "logs", "train.txt"))
	require.NoError(t, err)
	assert.Equal(t, "loss", string(raw))
	_, err = os.Stat(filepath.Join(dst, "done"))
	assert.NoError(t, err)
}

func TestMemoryMirrorIgnoresIncompleteEntries(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "x.npy"), []byte("partial"), 0o644))

	m := NewMemoryMirror("done")
	require.NoError(t, m.Push(ctx, "stage", "abc", src))

	ok, err := m.Pull(ctx, "stage", "abc", t.TempDir())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.Pull(ctx, "stage", "missing", t.TempDir())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSortMarkerLast(t *testing.T) {
	names := []string{"done", "y.npy", "meta.json", "x.npy"}
	sortMarkerLast(names, "done")
	assert.Equal(t, []string{"meta.json", "x.npy", "y.npy", "done"}, names)
}

func TestS3MirrorObjectKey(t *testing.T) {
	m := &S3Mirror{prefix: "cache", marker: "done"}
	assert.Equal(t, "cache/global_model/abc/model.json", m.objectKey("global_model", "abc", "model.json"))
	assert.Equal(t, "cache/global_model/abc/", m.objectKey("global_model", "abc", ""))

	m.prefix = ""
	assert.Equal(t, "global_model/abc/done", m.objectKey("global_model", "abc", "done"))
}

func TestNewS3MirrorValidatesConfig(t *testing.T) {
	_, err := NewS3Mirror(S3Config{})
	assert.Error(t, err)
	_, err = NewS3Mirror(S3Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b"})
	assert.Error(t, err, "bucket is required")
}

func TestEntryPathStaysInsideDir(t *testing.T) {
	dir := t.TempDir()
	got, err := entryPath(dir, "logs/train.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "logs", "train.txt"), got)

	for _, name := range []string{"", ".", "..", "../escape", "logs/../../escape", "/etc/passwd"} {
		_, err := entryPath(dir, name)
		assert.Error(t, err, name)
	}
}

func TestMemoryMirrorRejectsEscapingNames(t *testing.T) {
	parent := t.TempDir()
	dst := filepath.Join(parent, "entry")
	require.NoError(t, os.MkdirAll(dst, 0o755))

	m := NewMemoryMirror("")
	m.entries["stage/abc"] = map[string][]byte{"../outside": []byte("x"), "done": nil}
	ok, err := m.Pull(context.Background(), "stage", "abc", dst)
	assert.Error(t, err)
	assert.False(t, ok)
	_, statErr := os.Stat(filepath.Join(parent, "outside"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestS3MirrorRetriesBucketCheckAfterFailure(t *testing.T) {
	var heads atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			if heads.Add(1) == 1 {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotImplemented)
	}))
	defer srv.Close()

	m, err := NewS3Mirror(S3Config{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "minio",
		SecretKey: "minio123",
		Bucket:    "threatscan-cache",
	})
	require.NoError(t, err)

	ctx := context.Background()
	assert.Error(t, m.ensureBucket(ctx))
	require.NoError(t, m.ensureBucket(ctx))
	require.NoError(t, m.ensureBucket(ctx))
	assert.Equal(t, int32(2), heads.Load(), "a successful check is not repeated")
}
