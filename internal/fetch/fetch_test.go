package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "TestEngine-Core/internal/errors"
	"TestEngine-Core/pkg/logger"
)

func TestDownloadRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("a,b\n1,2\n"))
	}))
	defer srv.Close()

	collector := xerrors.NewCollector()
	f := New(Config{Dir: t.TempDir(), Backoff: time.Millisecond}, srv.Client(), collector, logger.Nop())
	path, err := f.Download(context.Background(), srv.URL+"/data/credit.csv")
	require.NoError(t, err)
	assert.Equal(t, "credit.csv", filepath.Base(path))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(raw))
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, 2, collector.Count(xerrors.CategoryConnection))
}

func TestDownloadDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	collector := xerrors.NewCollector()
	f := New(Config{Dir: t.TempDir(), Backoff: time.Millisecond}, srv.Client(), collector, logger.Nop())
	_, err := f.Download(context.Background(), srv.URL+"/missing.csv")
	require.Error(t, err)
	assert.Equal(t, CodeDownloadFailed, xerrors.CodeOf(err))
	assert.Equal(t, xerrors.CategoryConnection, xerrors.CategoryOf(err))
	assert.Equal(t, int32(1), hits.Load())
	require.Equal(t, 1, collector.Len())
	assert.Equal(t, xerrors.SeverityCritical, collector.Entries()[0].Severity)
}

func TestIsURL(t *testing.T) {
	assert.True(t, IsURL("https://host/x.csv"))
	assert.False(t, IsURL("/tmp/x.csv"))
	assert.False(t, IsURL("file:///tmp/x.csv"))
	assert.Equal(t, "download", baseName("http://host/"))
}
