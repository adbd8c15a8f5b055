package schema

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fairnessInput = `{
  "type": "object",
  "required": ["protected_features", "fair_threshold"],
  "properties": {
    "protected_features": {"type": "array", "items": {"type": "string"}, "minItems": 1},
    "fair_threshold": {"type": "number", "minimum": 0, "maximum": 100, "default": 80},
    "options": {
      "type": "object",
      "properties": {
        "bins": {"type": "integer", "default": 10},
        "method": {"type": "string"}
      }
    }
  }
}`

func TestValidateReportsEveryPath(t *testing.T) {
	s, err := Compile([]byte(fairnessInput))
	require.NoError(t, err)

	vs, err := s.Validate(map[string]any{
		"protected_features": []any{},
		"fair_threshold":     250,
	})
	require.NoError(t, err)
	require.Len(t, vs, 2)
	assert.Equal(t, "fair_threshold", vs[0].Path)
	assert.Equal(t, "protected_features", vs[1].Path)

	checkErr := s.Check("algorithm input", map[string]any{"fair_threshold": "x"})
	var ve *ValidationError
	require.True(t, errors.As(checkErr, &ve))
	assert.Contains(t, ve.Paths(), "(root)")
	assert.Contains(t, ve.Paths(), "fair_threshold")
}

func TestApplyDefaultsFillsMissingAndNested(t *testing.T) {
	s := MustCompile([]byte(fairnessInput))

	args := map[string]any{"protected_features": []any{"sex"}, "options": map[string]any{"method": "ratio"}}
	merged := s.ApplyDefaults(args)

	assert.Equal(t, float64(80), merged["fair_threshold"])
	assert.Equal(t, map[string]any{"method": "ratio", "bins": float64(10)}, merged["options"])
	_, touched := args["fair_threshold"]
	assert.False(t, touched, "input map must not be mutated")

	for _, name := range s.Required() {
		assert.Contains(t, merged, name)
	}
}

func TestApplyDefaultsCreatesNestedObjects(t *testing.T) {
	s := MustCompile([]byte(fairnessInput))
	merged := s.ApplyDefaults(nil)
	assert.Equal(t, map[string]any{"bins": float64(10)}, merged["options"])
}

func TestLoadRejectsBadSchema(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"type": 12}`), 0o644))
	_, err := Load(bad)
	assert.Error(t, err)

	_, err = Load(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestValidateBytes(t *testing.T) {
	s := MustCompile([]byte(`{"type":"object","required":["gid"],"properties":{"gid":{"type":"string","pattern":"^[a-zA-Z0-9._-]+$"}}}`))
	vs, err := s.ValidateBytes([]byte(`{"gid":"bad gid!"}`))
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.Equal(t, "gid", vs[0].Path)

	vs, err = s.ValidateBytes([]byte(`{"gid":"aiverify.stock-1"}`))
	require.NoError(t, err)
	assert.Empty(t, vs)
}
