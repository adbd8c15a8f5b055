package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "TestEngine-Core/internal/errors"
)

func samplePlugin(gid string) (Plugin, []Component) {
	p := Plugin{
		GID: gid, Version: "1.0.0", Name: "Fairness", Author: "qa", Tags: []string{"fairness"},
		Digest: "sha256:abc", InstallPath: "/plugins/" + gid, InstalledAt: 1700000000,
		Components: map[Kind]int{KindAlgorithm: 2, KindWidget: 1},
	}
	comps := []Component{
		{CID: "fairness_classification", Kind: KindAlgorithm, Name: "Fairness", Version: "0.1.0",
			ModelTypes: []string{"classification"}, RequireGroundTruth: true, Path: "algorithms/fairness_classification",
			Meta: []byte(`{"cid":"fairness_classification"}`)},
		{CID: "accumulated_local_effect", Kind: KindAlgorithm, Name: "ALE", ModelTypes: []string{"classification", "regression"},
			Path: "algorithms/accumulated_local_effect"},
		{CID: "chart", Kind: KindWidget, Name: "Chart", Path: "widgets/chart.meta.json"},
	}
	return p, comps
}

func exerciseCatalog(t *testing.T, c Catalog) {
	t.Helper()
	ctx := context.Background()

	p, comps := samplePlugin("aiverify.stock.fairness")
	require.NoError(t, c.Put(ctx, p, comps))
	require.NoError(t, c.Put(ctx, p, comps), "put must be repeatable")

	got, err := c.GetPlugin(ctx, p.GID)
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)
	assert.Equal(t, []string{"fairness"}, got.Tags)
	assert.Equal(t, 2, got.Components[KindAlgorithm])

	algos, err := ListAlgorithms(ctx, c, p.GID)
	require.NoError(t, err)
	require.Len(t, algos, 2)
	assert.Equal(t, "accumulated_local_effect", algos[0].CID)
	assert.Equal(t, "algo:aiverify.stock.fairness:accumulated_local_effect", algos[0].ID())

	algo, err := GetAlgorithm(ctx, c, p.GID, "fairness_classification")
	require.NoError(t, err)
	assert.True(t, algo.RequireGroundTruth)
	assert.Equal(t, []string{"classification"}, algo.ModelTypes)
	assert.JSONEq(t, `{"cid":"fairness_classification"}`, string(algo.Meta))

	_, err = GetAlgorithm(ctx, c, p.GID, "chart")
	assert.Equal(t, CodeNotFound, xerrors.CodeOf(err))

	all, err := c.ListComponents(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	other, otherComps := samplePlugin("aiverify.stock.other")
	require.NoError(t, c.Put(ctx, other, otherComps[:1]))
	list, err := c.ListPlugins(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "aiverify.stock.fairness", list[0].GID)

	require.NoError(t, c.DeletePlugin(ctx, p.GID))
	_, err = c.GetPlugin(ctx, p.GID)
	assert.Equal(t, CodeNotFound, xerrors.CodeOf(err))
	algos, err = ListAlgorithms(ctx, c, p.GID)
	require.NoError(t, err)
	assert.Empty(t, algos)
	assert.Equal(t, CodeNotFound, xerrors.CodeOf(c.DeletePlugin(ctx, p.GID)))

	require.NoError(t, c.DeleteAll(ctx))
	list, err = c.ListPlugins(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMemoryStore(t *testing.T) {
	exerciseCatalog(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "catalog.db")
	s, err := OpenSQL(context.Background(), Config{Dialect: DialectSQLite, DSN: dsn})
	require.NoError(t, err)
	exerciseCatalog(t, s)
	require.NoError(t, s.Close())

	// Reopening must not re-apply migrations.
	s, err = OpenSQL(context.Background(), Config{Dialect: DialectSQLite, DSN: dsn})
	require.NoError(t, err)
	defer s.Close()
	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, 2, n)
}

func TestOpen(t *testing.T) {
	c, err := Open(context.Background(), Config{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, c)

	_, err = Open(context.Background(), Config{Dialect: "oracle", DSN: "x"})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	_, err = Open(context.Background(), Config{Dialect: DialectMySQL})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{dialect: DialectPostgres}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))
	my := &SQLStore{dialect: DialectMySQL}
	assert.Equal(t, "a = ?", my.rebind("a = ?"))
}

func TestLoadMigrationFiles(t *testing.T) {
	files, err := loadMigrationFiles(migrationsFS())
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "0001", files[0].version)
	assert.Len(t, files[0].statements, 2)
	assert.Equal(t, []string{"a", "b"}, splitSQLStatements(" a ;\n;b;"))
}
