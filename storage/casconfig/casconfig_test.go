package casconfig

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/immutablenpc/npc/storage"
	"github.com/immutablenpc/npc/storage/casregistry"
	_ "github.com/immutablenpc/npc/storage/localfs"
	_ "github.com/immutablenpc/npc/storage/memory"
)

func TestLoadFile_TOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cas.toml")
	body := `write_policy = "all"

[[backends]]
name = "localfs"
id = "disk"
config = { localfs-dir = "` + filepath.ToSlash(filepath.Join(dir, "objects")) + `" }

[[backends]]
name = "memory"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "all", cfg.WritePolicy)
	require.Len(t, cfg.Backends, 2)
	assert.Equal(t, "disk", cfg.Backends[0].ID)

	cas, closeFn, err := cfg.Open(casregistry.UsageCLI, "")
	require.NoError(t, err)
	defer func() { _ = closeFn() }()

	rep, ok := cas.(storage.ReplicatingCAS)
	require.True(t, ok, "got %T", cas)
	_, perBackend, err := rep.PutAll(context.Background(), []byte("replicated"))
	require.NoError(t, err)
	assert.Len(t, perBackend, 2)
	assert.Contains(t, perBackend, "disk")
}

func TestLoadFile_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cas.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"backends":[{"name":"memory"}]}`), 0o600))
	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, cfg.Backends, 1)
}

func TestValidate(t *testing.T) {
	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{Backends: []BackendConfig{{Name: "memory"}, {Name: "memory"}}}.Validate())
	assert.Error(t, Config{WritePolicy: "some", Backends: []BackendConfig{{Name: "memory"}}}.Validate())
	assert.NoError(t, Config{Backends: []BackendConfig{{Name: "memory"}, {Name: "memory", ID: "second"}}}.Validate())
}

func TestOpen_PreferredBackendFirst(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Backends: []BackendConfig{
		{Name: "memory"},
		{Name: "localfs", Config: map[string]string{"localfs-dir": dir}},
	}}
	cas, _, err := cfg.Open(casregistry.UsageCLI, "localfs")
	require.NoError(t, err)

	multi, ok := cas.(storage.MultiCAS)
	require.True(t, ok)
	id, err := multi.Put(context.Background(), []byte("first wins"))
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries, "write should land on the preferred backend")
	assert.True(t, multi.Has(context.Background(), id))

	_, _, err = cfg.Open(casregistry.UsageCLI, "nope")
	assert.Error(t, err)
}
