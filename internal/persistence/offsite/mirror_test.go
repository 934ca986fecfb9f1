package offsite

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeBucket struct {
	mu       sync.Mutex
	fails    int
	status   int
	puts     map[string][]byte
	authSeen []string
}

func (b *fakeBucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	b.authSeen = append(b.authSeen, r.Header.Get("Authorization"))
	if b.fails > 0 {
		b.fails--
		w.WriteHeader(b.status)
		_, _ = io.WriteString(w, "try again")
		return
	}
	body, _ := io.ReadAll(r.Body)
	if b.puts == nil {
		b.puts = map[string][]byte{}
	}
	b.puts[r.URL.Path] = body
	w.WriteHeader(http.StatusOK)
}

func (b *fakeBucket) get(path string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.puts[path]
	return v, ok
}

func newTestMirror(t *testing.T, bucket *fakeBucket, dataDir string) *Mirror {
	t.Helper()
	srv := httptest.NewServer(bucket)
	t.Cleanup(srv.Close)
	c, err := NewClient(ClientConfig{
		Endpoint:        srv.URL,
		Bucket:          "backups",
		AccessKeyID:     "AKID",
		SecretAccessKey: "secret",
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	m := newMirror(c, MirrorConfig{DataDir: dataDir, Prefix: "statesync/", MaxTries: 3}, nil)
	m.retryBase = time.Millisecond
	return m
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestMirrorUploadsRelativeToDataDir(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "snapshots", "000001.snap.zst")
	writeFile(t, local, "snapshot-bytes")

	bucket := &fakeBucket{}
	m := newTestMirror(t, bucket, dir)
	m.Enqueue(local)
	m.Close()

	body, ok := bucket.get("/backups/statesync/snapshots/000001.snap.zst")
	if !ok {
		t.Fatalf("object not uploaded: %+v", bucket.puts)
	}
	if string(body) != "snapshot-bytes" {
		t.Fatalf("body = %q", body)
	}
	if len(bucket.authSeen) != 1 || !strings.HasPrefix(bucket.authSeen[0], "AWS4-HMAC-SHA256 Credential=AKID/") {
		t.Fatalf("authorization = %v", bucket.authSeen)
	}
	if !strings.Contains(bucket.authSeen[0], "/auto/s3/aws4_request") {
		t.Fatalf("default region missing from scope: %s", bucket.authSeen[0])
	}
	st := m.Stats()
	if st.EnqueuedTotal != 1 || st.UploadSuccessTotal != 1 || st.UploadFailTotal != 0 || st.LastSuccessUnix == 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestMirrorRetriesServerErrors(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "journal", "audit", "a.jsonl.zst")
	writeFile(t, local, "x")

	bucket := &fakeBucket{fails: 2, status: http.StatusInternalServerError}
	m := newTestMirror(t, bucket, dir)
	m.Enqueue(local)
	m.Close()

	if _, ok := bucket.get("/backups/statesync/journal/audit/a.jsonl.zst"); !ok {
		t.Fatalf("object not uploaded after retries")
	}
	if got := len(bucket.authSeen); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	if st := m.Stats(); st.UploadSuccessTotal != 1 || st.UploadFailTotal != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestMirrorDoesNotRetryClientErrors(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "x.bin")
	writeFile(t, local, "x")

	bucket := &fakeBucket{fails: 5, status: http.StatusForbidden}
	m := newTestMirror(t, bucket, dir)
	m.Enqueue(local)
	m.Close()

	if got := len(bucket.authSeen); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
	if st := m.Stats(); st.UploadFailTotal != 1 || st.LastErrorUnix == 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestMirrorSkipsPathsOutsideDataDir(t *testing.T) {
	dir := t.TempDir()
	outside := filepath.Join(t.TempDir(), "elsewhere.bin")
	writeFile(t, outside, "x")

	bucket := &fakeBucket{}
	m := newTestMirror(t, bucket, dir)
	m.Enqueue(outside)
	m.Close()
	m.Enqueue(outside)

	if len(bucket.authSeen) != 0 {
		t.Fatalf("unexpected upload attempts: %d", len(bucket.authSeen))
	}
	if st := m.Stats(); st.EnqueuedTotal != 1 || st.UploadSuccessTotal != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestNewClientValidates(t *testing.T) {
	if _, err := NewClient(ClientConfig{Endpoint: "example.com"}); err == nil {
		t.Fatalf("expected error for missing bucket and keys")
	}
	c, err := NewClient(ClientConfig{Endpoint: "example.com/", Bucket: "b", AccessKeyID: "k", SecretAccessKey: "s", Region: "eu-west-1"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.endpoint != "https://example.com" || c.region != "eu-west-1" {
		t.Fatalf("client = %+v", c)
	}
}

func TestNormalizeObjectKey(t *testing.T) {
	cases := map[string]string{
		"/a/b":        "a/b",
		"a\\b":        "a/b",
		"a/../../etc": "",
		"  ":          "",
		"a/./b":       "a/b",
	}
	for in, want := range cases {
		if got := normalizeObjectKey(in); got != want {
			t.Fatalf("normalizeObjectKey(%q) = %q, want %q", in, got, want)
		}
	}
}
