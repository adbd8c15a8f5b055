// Package fetch downloads remote datasets and models to local files.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "TestEngine-Core/internal/errors"
	"TestEngine-Core/internal/retry"
)

// CodeDownloadFailed is reported once every attempt has failed.
const CodeDownloadFailed xerrors.Code = "DOWNLOAD_FAILED"

func init() {
	xerrors.Register(CodeDownloadFailed, xerrors.Attributes{
		Message:   "download failed",
		Category:  xerrors.CategoryConnection,
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
	})
}

// IsURL reports whether s is an http or https URL.
func IsURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Config tunes downloads.
type Config struct {
	Dir      string
	Attempts int
	Backoff  time.Duration
	Timeout  time.Duration
	MaxBytes int64
}

// Fetcher downloads URLs into Dir.
type Fetcher struct {
	cfg       Config
	client    *http.Client
	collector *xerrors.Collector
	logger    *slog.Logger
}

// New constructs a Fetcher. A nil client uses http.DefaultClient.
func New(cfg Config, client *http.Client, collector *xerrors.Collector, logger *slog.Logger) *Fetcher {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.Dir == "" {
		cfg.Dir = os.TempDir()
	}
	if client == nil {
		client = http.DefaultClient
	}
	if collector == nil {
		collector = xerrors.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{cfg: cfg, client: client, collector: collector, logger: logger}
}

// Download fetches rawURL into a fresh file under Dir and returns its path.
// The base name of the URL path is kept so serializers can sniff extensions.
// Transport errors and 5xx responses are retried with exponential backoff.
func (f *Fetcher) Download(ctx context.Context, rawURL string) (string, error) {
	if !IsURL(rawURL) {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%q is not an http(s) URL", rawURL))
	}
	dir := filepath.Join(f.cfg.Dir, "download-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "create download directory")
	}
	target := filepath.Join(dir, baseName(rawURL))

	attempt := func(ctx context.Context, n int) (string, error) {
		return target, f.once(ctx, rawURL, target)
	}
	onRetry := func(n int, err error) {
		f.logger.Warn("download attempt failed", "url", rawURL, "attempt", n, "error", err)
		_ = f.collector.Add(xerrors.CategoryConnection, string(CodeDownloadFailed),
			fmt.Sprintf("attempt %d for %s: %v", n, rawURL, err), xerrors.SeverityWarning, "fetch")
	}
	_, err := retry.Do[string](ctx, f.cfg.Attempts, retry.ExponentialBackoff(f.cfg.Backoff, 2), attempt, onRetry)
	if err != nil {
		_ = os.RemoveAll(dir)
		wrapped := xerrors.Wrap(CodeDownloadFailed, err, fmt.Sprintf("download %s", rawURL))
		_ = f.collector.Add(xerrors.CategoryConnection, string(CodeDownloadFailed), wrapped.Error(), xerrors.SeverityCritical, "fetch")
		return "", wrapped
	}
	return target, nil
}

func (f *Fetcher) once(ctx context.Context, rawURL, target string) error {
	if f.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %w", retry.ErrRetry, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: server returned %s", retry.ErrRetry, resp.Status)
	case resp.StatusCode >= http.StatusBadRequest:
		return fmt.Errorf("server returned %s", resp.Status)
	}

	out, err := os.Create(target)
	if err != nil {
		return err
	}
	var body io.Reader = resp.Body
	if f.cfg.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, f.cfg.MaxBytes+1)
	}
	n, err := io.Copy(out, body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("%w: %w", retry.ErrRetry, err)
	}
	if f.cfg.MaxBytes > 0 && n > f.cfg.MaxBytes {
		return fmt.Errorf("download exceeds %d bytes", f.cfg.MaxBytes)
	}
	return nil
}

func baseName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "download"
	}
	name := path.Base(u.Path)
	if name == "/" || name == "." || name == "" || strings.ContainsAny(name, `\`) {
		return "download"
	}
	return name
}
