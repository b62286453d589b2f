package s3mirror

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	mu    sync.Mutex
	keys  []string
	fails int
}

func (f *fakeUploader) PutFile(ctx context.Context, key, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("503")
	}
	f.keys = append(f.keys, key)
	return nil
}

func writeTemp(t *testing.T, dir, rel string) string {
	t.Helper()
	p := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte("snapshot-bytes"), 0o644))
	return p
}

func TestMirror_UploadsUnderPrefixWithRetry(t *testing.T) {
	dataDir := t.TempDir()
	up := &fakeUploader{fails: 2}
	m := NewMirror(up, dataDir, Options{Prefix: "/prod/", RetryBase: time.Millisecond}, nil)

	m.Enqueue(writeTemp(t, dataDir, "label-center/snapshots/00000000000000000010.snap.zst"))
	m.Enqueue(filepath.Join(dataDir, "missing.snap.zst"))
	m.Enqueue(writeTemp(t, t.TempDir(), "elsewhere.snap.zst"))
	m.Close()

	assert.Equal(t, []string{"prod/label-center/snapshots/00000000000000000010.snap.zst"}, up.keys)
	st := m.Stats()
	assert.Equal(t, uint64(3), st.EnqueuedTotal)
	assert.Equal(t, uint64(1), st.UploadSuccessTotal)
	assert.Zero(t, st.UploadFailTotal)
	assert.NotZero(t, st.LastSuccessUnix)
}

func TestMirror_GivesUpAfterFourAttempts(t *testing.T) {
	dataDir := t.TempDir()
	up := &fakeUploader{fails: 10}
	m := NewMirror(up, dataDir, Options{RetryBase: time.Millisecond}, nil)
	m.Enqueue(writeTemp(t, dataDir, "a.snap.zst"))
	m.Close()

	assert.Empty(t, up.keys)
	assert.Equal(t, 6, up.fails)
	assert.Equal(t, uint64(1), m.Stats().UploadFailTotal)
}

type blockingUploader struct{ release chan struct{} }

func (b blockingUploader) PutFile(ctx context.Context, key, localPath string) error {
	<-b.release
	return nil
}

func TestMirror_DropsWhenSaturated(t *testing.T) {
	dataDir := t.TempDir()
	up := blockingUploader{release: make(chan struct{})}
	m := NewMirror(up, dataDir, Options{Workers: 1, QueueCapacity: 1, EnqueueWait: time.Millisecond}, nil)
	p := writeTemp(t, dataDir, "a.snap.zst")

	// One in the worker, one queued, the rest dropped.
	for i := 0; i < 5; i++ {
		m.Enqueue(p)
		time.Sleep(5 * time.Millisecond)
	}
	close(up.release)
	m.Close()

	st := m.Stats()
	assert.Equal(t, uint64(5), st.EnqueuedTotal)
	assert.Equal(t, uint64(3), st.DroppedTotal)
	assert.Equal(t, uint64(2), st.UploadSuccessTotal)
}

func TestNilMirrorIsInert(t *testing.T) {
	var m *Mirror
	m.Enqueue("x")
	m.Close()
	assert.Equal(t, Stats{}, m.Stats())
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("LC_S3_BUCKET", "lc-backups")
	t.Setenv("LC_S3_PATH_STYLE", "true")
	t.Setenv("LC_S3_UPLOAD_WORKERS", "4")
	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.True(t, cfg.Enabled())
	assert.Equal(t, "lc-backups", cfg.Bucket)
	assert.Equal(t, "auto", cfg.Region)
	assert.True(t, cfg.PathStyle)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 256, cfg.QueueCapacity)

	_, err = New(context.Background(), Config{})
	assert.Error(t, err)
}

func TestClient_PutFileAgainstS3Endpoint(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
		body   []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		method, path, body = r.Method, r.URL.Path, b
		mu.Unlock()
		w.Header().Set("ETag", `"e"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(context.Background(), Config{
		Bucket:          "lc",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		PathStyle:       true,
	})
	require.NoError(t, err)

	local := writeTemp(t, t.TempDir(), "s.snap.zst")
	require.NoError(t, c.PutFile(context.Background(), "label-center/snapshots/s.snap.zst", local))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/lc/label-center/snapshots/s.snap.zst", path)
	assert.Contains(t, string(body), "snapshot-bytes")
}
