package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoadConfigDefaults(t *testing.T) {
	ResetConfig()
	chdir(t, t.TempDir())

	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultDatabasePath, cfg.DatabasePath)
	assert.Equal(t, DefaultStateFile, cfg.StatePath)
	assert.Equal(t, DefaultEnv, cfg.Environment)
	assert.Equal(t, 100, cfg.TopMunicipalities)
	assert.False(t, cfg.Verbose)
	assert.Empty(t, cfg.Years)
}

func TestLoadConfigFromFile(t *testing.T) {
	ResetConfig()
	dir := t.TempDir()
	chdir(t, dir)

	content := `
database: staging.duckdb
years: [2019, 2020]
top_municipalities: 50
year_overrides:
  "2019":
    birth_date: DTNASC_OLD
targets:
  render:
    type: postgres
    host: db.example.com
    port: 5432
    database: births
    user: etl
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sinasc.yaml"), []byte(content), 0644))

	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)

	assert.Equal(t, "staging.duckdb", cfg.DatabasePath)
	assert.Equal(t, []int{2019, 2020}, cfg.Years)
	assert.Equal(t, 50, cfg.TopMunicipalities)
	assert.Equal(t, "sinasc.yaml", GetConfigFileUsed())

	target, err := cfg.ResolveTarget("render")
	require.NoError(t, err)
	assert.Equal(t, "postgres", target.Type)
	assert.Equal(t, "db.example.com", target.Host)

	mappings, err := cfg.YearMappings()
	require.NoError(t, err)
	require.Len(t, mappings, 2)
	assert.Equal(t, 2019, mappings[0].Year)
	assert.Equal(t, "DTNASC_OLD", mappings[0].Overrides["birth_date"])
	assert.Nil(t, mappings[1].Overrides)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	ResetConfig()
	dir := t.TempDir()
	chdir(t, dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "sinasc.yaml"), []byte("database: from_file.duckdb\n"), 0644))
	t.Setenv("SINASC_DATABASE", "from_env.duckdb")

	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)
	assert.Equal(t, "from_env.duckdb", cfg.DatabasePath)
}

func TestLoadConfigFlagsOverrideEnv(t *testing.T) {
	ResetConfig()
	chdir(t, t.TempDir())
	t.Setenv("SINASC_DATABASE", "from_env.duckdb")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("database", "", "")
	flags.String("state", "", "")
	flags.IntSlice("year", nil, "")
	require.NoError(t, flags.Parse([]string{
		"--database", "from_flag.duckdb",
		"--state", "runs.db",
		"--year", "2021", "--year", "2022",
	}))

	cfg, err := LoadConfig("", flags)
	require.NoError(t, err)

	assert.Equal(t, "from_flag.duckdb", cfg.DatabasePath)
	assert.Equal(t, "runs.db", cfg.StatePath)
	assert.Equal(t, []int{2021, 2022}, cfg.Years)
}

func TestResolveTargetUnknown(t *testing.T) {
	cfg := &Config{Targets: map[string]TargetConfig{"render": {Type: "postgres"}}}

	_, err := cfg.ResolveTarget("staging2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown target")
	assert.Contains(t, err.Error(), "render")
}

func TestResolveTargetLocalDefault(t *testing.T) {
	cfg := &Config{}

	target, err := cfg.ResolveTarget("local")
	require.NoError(t, err)
	assert.Equal(t, "duckdb", target.Type)
}

func TestYearMappingsBadOverrideKey(t *testing.T) {
	cfg := &Config{
		Years:         []int{2020},
		YearOverrides: map[string]map[string]string{"twenty20": {"sex": "SEXO2"}},
	}

	_, err := cfg.YearMappings()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid year")
}

func TestTargetEnvVarExpansion(t *testing.T) {
	ResetConfig()
	dir := t.TempDir()
	chdir(t, dir)

	content := `
targets:
  render:
    type: postgres
    host: db.example.com
    password: ${RENDER_DB_PASSWORD}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sinasc.yaml"), []byte(content), 0644))
	t.Setenv("RENDER_DB_PASSWORD", "s3cret")

	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Targets["render"].Password)
}
