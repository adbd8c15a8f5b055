package delimited

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TestEngine-Core/pkg/plugin"
)

func TestParseSniffsDelimiter(t *testing.T) {
	f := Parse("a.tsv", []byte("age\tincome\tlabel\n31\t1200.5\tyes\n45\t\tno\n"))
	require.NotNil(t, f)
	assert.Equal(t, '\t', f.Delimiter)
	assert.Equal(t, []string{"age", "income", "label"}, f.Header)
	require.Len(t, f.Records, 2)
	assert.Equal(t, []string{"45", "", "no"}, f.Records[1])

	f = Parse("a.tsv", []byte("a\tb\tc\n\t\t x\n"))
	require.NotNil(t, f)
	assert.Equal(t, [][]string{{"", "", "x"}}, f.Records)

	f = Parse("a.csv", []byte("\xef\xbb\xbfa;b\n1;2\n"))
	require.NotNil(t, f)
	assert.Equal(t, ';', f.Delimiter)
	assert.Equal(t, []string{"a", "b"}, f.Header)
}

func TestParseRejectsNonDelimited(t *testing.T) {
	assert.Nil(t, Parse("x", []byte{0x89, 'P', 'N', 'G', 0x00, 0x01}))
	assert.Nil(t, Parse("x", []byte("just a sentence\n")))
	assert.Nil(t, Parse("x", []byte("a,b\n1,2,3\n")))
	assert.Nil(t, Parse("x", []byte("a,a\n1,2\n")))
	assert.Nil(t, Parse("x", nil))
}

func TestSerializerAndData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credit.csv")
	require.NoError(t, os.WriteFile(path, []byte("age,gender,label\n31,f,1\n45,m,0\n"), 0o644))

	obj, err := Serializer{}.Deserialize(context.Background(), path)
	require.NoError(t, err)
	require.True(t, Plugin{}.IsSupported(context.Background(), obj))

	d, err := Plugin{}.Wrap(context.Background(), obj)
	require.NoError(t, err)
	assert.Equal(t, plugin.DataDelimited, d.Type())
	rows, cols := d.Shape()
	assert.Equal(t, 2, rows)
	assert.Equal(t, 3, cols)

	gt := d.Clone()
	require.NoError(t, gt.KeepOnly("label"))
	require.NoError(t, d.Drop("label"))
	assert.Equal(t, []string{"age", "gender"}, d.Labels())

	m, err := gt.ToMapping()
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 0.0}, m["label"])

	m, err = d.ToMapping()
	require.NoError(t, err)
	assert.Equal(t, []any{"f", "m"}, m["gender"])
}

func TestSerializerSizeLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b\n1,2\n"), 0o644))
	_, err := Serializer{MaxBytes: 4}.Deserialize(context.Background(), path)
	assert.Error(t, err)
}
