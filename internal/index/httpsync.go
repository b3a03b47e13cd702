package index

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"
)

// HTTPSyncer refreshes a mirror with a conditional download of the
// compressed index archive, using the cached entity tag to avoid
// re-transferring an unchanged index.
type HTTPSyncer struct {
	indexID string
	dir     string
	url     *url.URL
	verify  bool // only to warn; verification has no effect on this transport
	quiet   bool
	client  *http.Client
}

// NewHTTPSyncer constructs an HTTPSyncer for one configured index.
func NewHTTPSyncer(indexID, dir string, cfg *IndexConfig, quiet bool) *HTTPSyncer {
	return &HTTPSyncer{
		indexID: indexID,
		dir:     dir,
		url:     cfg.ArchiveURL.URL,
		verify:  cfg.VerifySignatures,
		quiet:   quiet,
		client:  clonedTransport(),
	}
}

// Sync performs the conditional download. Response status is inspected here
// rather than treated as a transport error: exactly 200 triggers a full
// refresh, any other status leaves the mirror untouched.
func (h *HTTPSyncer) Sync(ctx context.Context) error {
	if h.verify {
		slog.Warn("signature verification has no effect over the HTTP transport; downloading without verification",
			"index", h.indexID)
	}

	if err := os.MkdirAll(h.dir, 0750); err != nil {
		return errors.Wrap(err, "http sync: "+h.dir)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url.String(), nil)
	if err != nil {
		return errors.Wrap(err, "http sync: "+h.url.String())
	}
	etagPath := filepath.Join(h.dir, archiveTarGzEtag)
	if tag, err := os.ReadFile(etagPath); err == nil {
		req.Header.Set("If-None-Match", string(tag))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "download "+h.url.String()), ErrNetwork)
	}
	defer closeRespBody(resp)

	if resp.StatusCode != http.StatusOK {
		slog.Debug("index unchanged", "index", h.indexID, "status", resp.StatusCode)
		return nil
	}

	if tag := resp.Header.Get("ETag"); tag != "" {
		if err := os.WriteFile(etagPath, []byte(tag), 0644); err != nil {
			return errors.Wrap(err, "persist entity tag")
		}
	}

	tmpPath := filepath.Join(h.dir, archiveTarGzTmp)
	if err := h.streamBody(resp, tmpPath); err != nil {
		return err
	}

	// The tar is written straight to its final path while the compressed
	// copy below is staged and renamed. A crash between the two leaves a
	// fresh tar beside a stale .gz and a token matching neither; kept for
	// compatibility with artifacts existing mirrors already carry.
	if err := decompressTo(filepath.Join(h.dir, archiveTar), tmpPath); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, filepath.Join(h.dir, archiveTarGz)); err != nil {
		return errors.Wrap(err, "publish compressed archive")
	}
	if err := DirSync(h.dir); err != nil {
		return errors.Wrap(err, "http sync")
	}

	slog.Info("index synchronized over http", "index", h.indexID, "url", h.url.String())
	return nil
}

// streamBody copies the response body to the staging file, showing byte
// progress when the size is known and output is not suppressed.
func (h *HTTPSyncer) streamBody(resp *http.Response, tmpPath string) error {
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644) // #nosec G304 - tmpPath is built from the validated mirror dir and a constant
	if err != nil {
		return errors.Wrap(err, "create staging file")
	}

	var body io.Reader = resp.Body
	var bar *pb.ProgressBar
	if !h.quiet && resp.ContentLength > 0 {
		bar = pb.Full.Start64(resp.ContentLength)
		body = bar.NewProxyReader(resp.Body)
	}

	_, err = io.Copy(f, body)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		closeAndRemoveFile(f)
		return errors.Mark(errors.Wrap(err, "stream index archive"), ErrNetwork)
	}
	if err := f.Sync(); err != nil {
		closeAndRemoveFile(f)
		return errors.Wrap(err, "sync staging file")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close staging file")
	}
	return nil
}

// decompressTo decompresses src into dst. The compression format is sniffed
// from the magic number; index hosts serve gzip, a few serve xz.
func decompressTo(dst, src string) error {
	in, err := os.Open(src) // #nosec G304 - src is built from the validated mirror dir and a constant
	if err != nil {
		return errors.Wrap(err, "decompress")
	}
	defer func() {
		if err := in.Close(); err != nil {
			slog.Warn("failed to close staging file", "file", src, "error", err)
		}
	}()

	br := bufio.NewReader(in)
	magic, err := br.Peek(2)
	if err != nil {
		return errors.Wrap(err, "decompress: read magic of "+src)
	}

	var decoded io.Reader
	switch {
	case magic[0] == 0x1f && magic[1] == 0x8b:
		gz, err := gzip.NewReader(br)
		if err != nil {
			return errors.Wrap(err, "decompress: "+src)
		}
		defer gz.Close()
		decoded = gz
	case magic[0] == 0xfd && magic[1] == '7':
		xzr, err := xz.NewReader(br)
		if err != nil {
			return errors.Wrap(err, "decompress: "+src)
		}
		decoded = xzr
	default:
		return errors.Newf("decompress: unrecognized compression magic in %s", src)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644) // #nosec G304 - dst is built from the validated mirror dir and a constant
	if err != nil {
		return errors.Wrap(err, "decompress: "+dst)
	}
	if _, err := io.Copy(out, decoded); err != nil {
		if closeErr := out.Close(); closeErr != nil {
			slog.Warn("failed to close archive file", "file", dst, "error", closeErr)
		}
		return errors.Wrap(err, "decompress: "+dst)
	}
	if err := out.Sync(); err != nil {
		if closeErr := out.Close(); closeErr != nil {
			slog.Warn("failed to close archive file", "file", dst, "error", closeErr)
		}
		return errors.Wrap(err, "decompress: "+dst)
	}
	return out.Close()
}

// closeRespBody closes HTTP response body.
func closeRespBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", "error", err)
	}
}

// closeAndRemoveFile closes and removes a staging file.
func closeAndRemoveFile(f *os.File) {
	filename := f.Name()
	if err := f.Close(); err != nil {
		slog.Warn("failed to close staging file", "file", filename, "error", err)
	}
	if err := os.Remove(filename); err != nil {
		slog.Warn("failed to remove staging file", "file", filename, "error", err)
	}
}

// clonedTransport creates a new HTTP client with tuned transport settings.
func clonedTransport() *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConns = 100
	tr.MaxIdleConnsPerHost = 10
	tr.IdleConnTimeout = 90 * time.Second

	return &http.Client{
		Transport: tr,
		Timeout:   0, // no timeout; timeout is controlled by context
	}
}
