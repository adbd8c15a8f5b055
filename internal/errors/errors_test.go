package errors

import (
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const codeTestRegistered Code = "TEST_REGISTERED"

func TestWrapKeepsCauseAndAttributes(t *testing.T) {
	Register(codeTestRegistered, Attributes{Message: "registered", Category: CategoryData, Severity: SeverityWarning})

	cause := fmt.Errorf("disk gone")
	err := Wrap(codeTestRegistered, cause, "")

	assert.Equal(t, "registered", err.Message())
	assert.Equal(t, CategoryData, err.Category())
	assert.Equal(t, SeverityWarning, err.Severity())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "[TEST_REGISTERED] registered: disk gone", err.Error())
}

func TestOptionsOverrideRegistry(t *testing.T) {
	err := New(CodeStorageFailure, "boom",
		WithCategory(CategoryConnection),
		WithSeverity(SeverityWarning),
		WithRetryable(false),
		WithMetadata("gid", "x.y"))

	assert.Equal(t, CategoryConnection, err.Category())
	assert.Equal(t, SeverityWarning, err.Severity())
	assert.False(t, err.Retryable())
	assert.Equal(t, map[string]string{"gid": "x.y"}, err.Metadata())
}

func TestFromWalksChain(t *testing.T) {
	inner := New(CodeNotFound, "missing")
	outer := fmt.Errorf("lookup: %w", inner)

	assert.Equal(t, CodeNotFound, CodeOf(outer))
	assert.Equal(t, CategoryInput, CategoryOf(outer))
	assert.True(t, stdErrors.Is(outer, New(CodeNotFound, "other message")))
	assert.Equal(t, CodeUnknown, CodeOf(stdErrors.New("plain")))
	assert.Equal(t, CategorySystem, CategoryOf(stdErrors.New("plain")))
}

func TestUnknownCodeFallsBack(t *testing.T) {
	attr := AttributesOf("NOPE")
	assert.Equal(t, AttributesOf(CodeUnknown), attr)
}

func TestCollectorRejectsUnknownCategoryAndSeverity(t *testing.T) {
	c := NewCollector()

	require.NoError(t, c.Add(CategoryPlugin, "BAD_FILE", "syntax error", SeverityCritical, "discovery"))
	err := c.Add("XYZ", "X", "x", SeverityCritical, "test")
	require.Error(t, err)
	assert.Equal(t, CodeUnknownCategory, CodeOf(err))
	err = c.Add(CategoryData, "X", "x", "loud", "test")
	assert.Equal(t, CodeUnknownSeverity, CodeOf(err))

	entries := c.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, CategoryPlugin, entries[0].Category)
	assert.Equal(t, CategorySystem, entries[1].Category)
	assert.Equal(t, CategorySystem, entries[2].Category)
	assert.Equal(t, 2, c.Count(CategorySystem))
}

func TestCollectorRecordAndWriteFile(t *testing.T) {
	c := NewCollector()
	c.Record(New(CodeTimeout, "download stalled", WithCategory(CategoryConnection)), "fetch")
	c.Record(stdErrors.New("plain failure"), "harness")
	c.Record(nil, "ignored")

	path := filepath.Join(t.TempDir(), "out", "errors.json")
	require.NoError(t, c.WriteFile(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"category": "CON"`)
	assert.Contains(t, string(raw), `"component": "harness"`)
	assert.Equal(t, 2, c.Len())

	c.Reset()
	raw, err = c.JSON()
	require.NoError(t, err)
	assert.Equal(t, "[]", string(raw))
}
