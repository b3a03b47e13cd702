package index

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"
)

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := gw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func xzBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	xw, err := xz.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := xw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := xw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newTestHTTPSyncer(t *testing.T, rawURL string, verify bool) (*HTTPSyncer, string) {
	t.Helper()
	var u tomlURL
	if err := u.UnmarshalText([]byte(rawURL)); err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(t.TempDir(), "hackage")
	cfg := &IndexConfig{
		GitURL:           "https://example.com/org/all-cabal-hashes.git",
		ArchiveURL:       u,
		VerifySignatures: verify,
	}
	return NewHTTPSyncer("hackage", dir, cfg, true), dir
}

func readFileOrFatal(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestHTTPSyncFreshDownload(t *testing.T) {
	tarData := buildTestTar(t, fixtureEntries)
	gzData := gzipBytes(t, tarData)

	var gotConditional bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotConditional = r.Header.Get("If-None-Match") != ""
		w.Header().Set("ETag", `"abc123"`)
		if _, err := w.Write(gzData); err != nil {
			t.Error(err)
		}
	}))
	defer srv.Close()

	h, dir := newTestHTTPSyncer(t, srv.URL, false)
	if err := h.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	if gotConditional {
		t.Error("no If-None-Match header must be sent without a cached token")
	}

	if got := readFileOrFatal(t, filepath.Join(dir, archiveTarGzEtag)); string(got) != `"abc123"` {
		t.Errorf("etag file = %q, want %q", got, `"abc123"`)
	}
	if got := readFileOrFatal(t, filepath.Join(dir, archiveTar)); !bytes.Equal(got, tarData) {
		t.Error("uncompressed archive does not match the decompressed body")
	}
	if got := readFileOrFatal(t, filepath.Join(dir, archiveTarGz)); !bytes.Equal(got, gzData) {
		t.Error("compressed archive does not match the response body")
	}
	if _, err := os.Stat(filepath.Join(dir, archiveTarGzTmp)); !os.IsNotExist(err) {
		t.Error("staging file must not remain after a successful refresh")
	}

	// the refreshed archive must be queryable
	handle, ok := TryGetHandle(dir)
	if !ok {
		t.Fatal("no handle for refreshed mirror")
	}
	versions, err := QueryVersions(handle, "foo")
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"1.0.0", "2.0.0"}; !reflect.DeepEqual(versions.Sorted(), want) {
		t.Errorf("versions = %v, want %v", versions.Sorted(), want)
	}
}

func TestHTTPSyncNotModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") != `"abc123"` {
			t.Errorf("If-None-Match = %q, want the cached token", r.Header.Get("If-None-Match"))
		}
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	h, dir := newTestHTTPSyncer(t, srv.URL, false)

	if err := os.MkdirAll(dir, 0750); err != nil {
		t.Fatal(err)
	}
	before := map[string][]byte{
		archiveTar:       buildTestTar(t, fixtureEntries),
		archiveTarGz:     []byte("old gz bytes"),
		archiveTarGzEtag: []byte(`"abc123"`),
	}
	for name, data := range before {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
			t.Fatal(err)
		}
	}

	if err := h.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	for name, want := range before {
		if got := readFileOrFatal(t, filepath.Join(dir, name)); !bytes.Equal(got, want) {
			t.Errorf("%s changed after a Not Modified response", name)
		}
	}
}

func TestHTTPSyncNonOKStatusIsNoOp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h, dir := newTestHTTPSyncer(t, srv.URL, false)
	if err := h.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("a non-200 response must not touch the mirror, found %d entries", len(entries))
	}
}

func TestHTTPSyncXZPayload(t *testing.T) {
	tarData := buildTestTar(t, fixtureEntries)
	xzData := xzBytes(t, tarData)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if _, err := w.Write(xzData); err != nil {
			t.Error(err)
		}
	}))
	defer srv.Close()

	h, dir := newTestHTTPSyncer(t, srv.URL, false)
	if err := h.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := readFileOrFatal(t, filepath.Join(dir, archiveTar)); !bytes.Equal(got, tarData) {
		t.Error("uncompressed archive does not match the decompressed xz body")
	}
}

func TestHTTPSyncGarbagePayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if _, err := w.Write([]byte("plain text, neither gzip nor xz")); err != nil {
			t.Error(err)
		}
	}))
	defer srv.Close()

	h, dir := newTestHTTPSyncer(t, srv.URL, false)
	err := h.Sync(context.Background())
	if err == nil {
		t.Fatal("expected an error for an unrecognized payload")
	}

	if _, statErr := os.Stat(filepath.Join(dir, archiveTarGz)); !os.IsNotExist(statErr) {
		t.Error("the compressed archive must not be published from a bad payload")
	}
}

func TestHTTPSyncNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {}))
	url := srv.URL
	srv.Close()

	h, _ := newTestHTTPSyncer(t, url, false)
	err := h.Sync(context.Background())
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
}

func TestHTTPSyncVerifyWarnsAndProceeds(t *testing.T) {
	tarData := buildTestTar(t, fixtureEntries)
	gzData := gzipBytes(t, tarData)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if _, err := w.Write(gzData); err != nil {
			t.Error(err)
		}
	}))
	defer srv.Close()

	// verification requested over HTTP is a warning, never an error
	h, dir := newTestHTTPSyncer(t, srv.URL, true)
	if err := h.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := readFileOrFatal(t, filepath.Join(dir, archiveTar)); !bytes.Equal(got, tarData) {
		t.Error("download must proceed despite the verification warning")
	}
}
