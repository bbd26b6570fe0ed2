package resultstore

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querybook/internal/db"
	"querybook/internal/db/repository"
	"querybook/internal/domain"
)

func roundTrip(t *testing.T, s *Store, key string, lines ...string) string {
	t.Helper()
	ctx := context.Background()
	up := s.NewUploader(key)
	require.NoError(t, up.Start(ctx))
	for _, l := range lines {
		require.True(t, up.Write(l))
	}
	path, err := up.End(ctx)
	require.NoError(t, err)
	return path
}

func TestStore_FileBackend(t *testing.T) {
	t.Parallel()

	fb, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	s := New(fb, 0, slog.New(slog.DiscardHandler))

	path := roundTrip(t, s, "exec-1/stmt-1.csv",
		EncodeRow([]string{"id", "name"}),
		EncodeRow([]string{"1", "a,b"}),
		EncodeRow([]string{"2", `say "hi"`}),
	)
	assert.Equal(t, "file://exec-1/stmt-1.csv", path)

	r, err := s.NewReader(path)
	require.NoError(t, err)

	lines, err := r.ReadLines(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"id,name", `1,"a,b"`}, lines)

	records, err := r.ReadCSV(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"id", "name"}, {"1", "a,b"}, {"2", `say "hi"`}}, records)

	raw, err := r.ReadRaw(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "id,name\n1,\"a,b\"\n2,\"say \"\"hi\"\"\"\n", string(raw))
}

func TestStore_DBBackend(t *testing.T) {
	t.Parallel()

	writeDB, _ := db.OpenTestSQLite(t)
	s := New(NewDBBackend(repository.NewResultBlobRepo(writeDB)), 0, slog.New(slog.DiscardHandler))

	path := roundTrip(t, s, "e/s.csv", "a", "1")
	assert.Equal(t, "db://e/s.csv", path)

	r, err := s.NewReader(path)
	require.NoError(t, err)
	records, err := r.ReadCSV(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a"}}, records)

	missing, err := s.NewReader("db://nope.csv")
	require.NoError(t, err)
	_, err = missing.ReadRaw(context.Background())
	var nf *domain.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestStore_MaxBytes(t *testing.T) {
	t.Parallel()

	fb, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	s := New(fb, 8, slog.New(slog.DiscardHandler))

	ctx := context.Background()
	up := s.NewUploader("k.csv")
	require.NoError(t, up.Start(ctx))
	assert.True(t, up.Write("abc")) // 4 bytes
	assert.True(t, up.Write("def")) // 8 bytes
	assert.False(t, up.Write("g"))  // would exceed
	assert.False(t, up.Write(""), "stays truncated")
	path, err := up.End(ctx)
	require.NoError(t, err)

	r, err := s.NewReader(path)
	require.NoError(t, err)
	lines, err := r.ReadLines(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"abc", "def"}, lines)
}

func TestStore_EmptyResult(t *testing.T) {
	t.Parallel()

	fb, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	s := New(fb, 0, slog.New(slog.DiscardHandler))

	path := roundTrip(t, s, "empty.csv")
	r, err := s.NewReader(path)
	require.NoError(t, err)
	lines, err := r.ReadLines(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, lines)
	records, err := r.ReadCSV(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestStore_NewReader_Errors(t *testing.T) {
	t.Parallel()

	fb, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	s := New(fb, 0, slog.New(slog.DiscardHandler))

	_, err = s.NewReader("no-scheme")
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = s.NewReader("hdfs://x")
	var ni *domain.NotImplementedError
	require.ErrorAs(t, err, &ni)
}

func TestUploader_Lifecycle(t *testing.T) {
	t.Parallel()

	fb, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	s := New(fb, 0, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	up := s.NewUploader("x.csv")
	assert.False(t, up.Write("early"), "write before start is rejected")
	_, err = up.End(ctx)
	require.Error(t, err)

	require.NoError(t, up.Start(ctx))
	require.Error(t, up.Start(ctx))
}

func TestFileBackend_RejectsEscapingKeys(t *testing.T) {
	t.Parallel()

	fb, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, fb.Put(context.Background(), "../../a.csv", []byte("x")), "cleaned below root")
	data, err := fb.Get(context.Background(), "a.csv")
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))

	_, err = fb.resolve("/")
	require.Error(t, err)
}

// fakeS3 stores objects from path-style PUT requests.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = body
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		body, ok := f.objects[r.URL.Path]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`))
			return
		}
		_, _ = w.Write(body)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestS3Backend_RoundTrip(t *testing.T) {
	t.Parallel()

	fake := &fakeS3{objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	client := NewS3Client(S3Options{
		Endpoint:  srv.URL,
		Region:    "eu-central",
		KeyID:     "key",
		Secret:    "secret",
		PathStyle: true,
	})
	s := New(NewS3Backend(client, "results", "/qb/"), 0, slog.New(slog.DiscardHandler))

	path := roundTrip(t, s, "e1/s1.csv", "a,b", "1,2")
	assert.Equal(t, "s3://e1/s1.csv", path)

	fake.mu.Lock()
	assert.Equal(t, "a,b\n1,2\n", string(fake.objects["/results/qb/e1/s1.csv"]))
	fake.mu.Unlock()

	r, err := s.NewReader(path)
	require.NoError(t, err)
	records, err := r.ReadCSV(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b"}, {"1", "2"}}, records)

	missing, err := s.NewReader("s3://nope.csv")
	require.NoError(t, err)
	_, err = missing.ReadRaw(context.Background())
	var nf *domain.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestOpen(t *testing.T) {
	t.Parallel()

	writeDB, _ := db.OpenTestSQLite(t)
	blobs := repository.NewResultBlobRepo(writeDB)
	logger := slog.New(slog.DiscardHandler)

	s, err := Open(context.Background(), Options{}, blobs, logger)
	require.NoError(t, err)
	assert.Equal(t, "db", s.Scheme())

	s, err = Open(context.Background(), Options{Scheme: "file", Dir: t.TempDir()}, blobs, logger)
	require.NoError(t, err)
	assert.Equal(t, "file", s.Scheme())
	_, err = s.NewReader("db://old.csv")
	require.NoError(t, err, "db results stay readable")

	_, err = Open(context.Background(), Options{Scheme: "s3"}, blobs, logger)
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = Open(context.Background(), Options{Scheme: "ftp"}, blobs, logger)
	require.ErrorAs(t, err, &ve)
}

func TestStore_DownloadURL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	t.Run("s3", func(t *testing.T) {
		t.Parallel()
		client := NewS3Client(S3Options{
			Endpoint:  "http://127.0.0.1:9000",
			Region:    "eu-central",
			KeyID:     "key",
			Secret:    "secret",
			PathStyle: true,
		})
		s := New(NewS3Backend(client, "results", "qb"), 0, logger)

		u, err := s.DownloadURL(ctx, "s3://e1/s1.csv", 5*time.Minute)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(u, "http://127.0.0.1:9000/results/qb/e1/s1.csv?"), u)
		assert.Contains(t, u, "X-Amz-Signature=")
		assert.Contains(t, u, "X-Amz-Expires=300")
	})

	t.Run("azblob", func(t *testing.T) {
		t.Parallel()
		s, err := Open(ctx, Options{Scheme: "azblob", Azure: AzureOptions{
			AccountName: "acct",
			AccountKey:  "a2V5",
			Container:   "results",
		}}, nil, logger)
		require.NoError(t, err)

		u, err := s.DownloadURL(ctx, "azblob://e1/s1.csv", 0)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(u, "https://acct.blob.core.windows.net/results/e1/s1.csv?"), u)
		assert.Contains(t, u, "sp=r")
		assert.Contains(t, u, "sig=")
	})

	t.Run("unsupported", func(t *testing.T) {
		t.Parallel()
		fb, err := NewFileBackend(t.TempDir())
		require.NoError(t, err)
		s := New(fb, 0, logger)

		var ni *domain.NotImplementedError
		_, err = s.DownloadURL(ctx, "file://e1/s1.csv", time.Minute)
		require.ErrorAs(t, err, &ni)
		_, err = s.DownloadURL(ctx, "gcs://e1/s1.csv", time.Minute)
		require.ErrorAs(t, err, &ni)

		var ve *domain.ValidationError
		_, err = s.DownloadURL(ctx, "e1/s1.csv", time.Minute)
		require.ErrorAs(t, err, &ve)
	})
}
