package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, SourceDB, cfg.Rules.Source)
	assert.Equal(t, 100, cfg.Scoring.BatchSize)
	assert.Equal(t, 10*time.Second, cfg.Scoring.BatchTimeout)
	assert.Equal(t, 72*time.Hour, cfg.Tasks.DueOffsets["high"])
	assert.Equal(t, "/v1", cfg.Server.BasePath)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
rules:
  source: file
  path: ./rules.jsonc
scoring:
  parallelism: 8
webhooks:
  - url: https://hooks.example.org/revline
    events: [routing.blocked, task.created]
`))
	require.NoError(t, err)
	assert.Equal(t, SourceFile, cfg.Rules.Source)
	assert.Equal(t, 8, cfg.Scoring.Parallelism)
	assert.Equal(t, 100, cfg.Scoring.BatchSize)
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, []string{"routing.blocked", "task.created"}, cfg.Webhooks[0].Events)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"postgres without dsn": "database: {driver: postgres}",
		"unknown driver":       "database: {driver: mysql}",
		"file without path":    "rules: {source: file}",
		"redis without key":    "rules: {source: redis, redis: {addr: localhost:6379}}",
		"unknown source":       "rules: {source: etcd}",
		"zero batch":           "scoring: {batch_size: 0}",
		"bad priority offset":  "tasks: {due_offsets: {urgent: 1h}}",
		"telemetry endpoint":   "telemetry: {enabled: true}",
		"webhook url":          "webhooks: [{url: 'ftp://example.org'}]",
		"log format":           "log: {format: xml}",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "revline.yml"), []byte("log: {level: debug}\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, strings.HasSuffix(Path(dir), "revline.yml"))
}
