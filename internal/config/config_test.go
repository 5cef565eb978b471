package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const schemaYAML = `
- name: logins
  streams: ["auth.events"]
  time_field: ts
  over: 10m
  fields:
    - {name: host, type: 1}
    - {name: ts, type: 3}
`

const ruleYAML = `
- name: many_logins
  binds:
    - {alias: a, window: logins}
  match_plan:
    keys: [host]
    window_spec: {kind: 0, duration: 600000000000}
    event_steps:
      - branches:
          - label: b1
            source: a
            agg: {measure: 0, cmp: 4, threshold: {kind: 0, num_lit: 3}}
  entity_plan:
    entity_type: host
    entity_id_expr: {kind: 3, field_name: host}
  score_plan: {kind: 0, num_lit: 50}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	dir := t.TempDir()
	schemaPath := writeFile(t, dir, "schemas.yaml", schemaYAML)
	rulePath := writeFile(t, dir, "rules.yaml", ruleYAML)

	rootYAML := `
server:
  listen: "0.0.0.0:9000"
windows:
  - name: logins
    mode: 0
    max_window_bytes: 64MB
    over_cap: 15m
    evict_policy: 0
    watermark: 5s
    allowed_lateness: 10s
    late_policy: 0
window_defaults:
  max_total_bytes: 256MB
  evict_interval: 30s
runtime:
  window_schemas: ["` + schemaPath + `"]
  rule_plans: ["` + rulePath + `"]
alert:
  sinks: ["file:///tmp/alerts.jsonl"]
log:
  level: info
  format: json
`
	rootPath := writeFile(t, dir, "fusion.yaml", rootYAML)

	cfg, err := Load(rootPath)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Listen)
	require.Len(t, cfg.WindowSchemas, 1)
	assert.Equal(t, "logins", cfg.WindowSchemas[0].Name)
	require.Len(t, cfg.RulePlans, 1)
	assert.Equal(t, "many_logins", cfg.RulePlans[0].Name)
	assert.Equal(t, uint64(256*1024*1024), cfg.WindowDefaults.MaxTotalBytes.AsBytes())

	defs, err := cfg.WindowDefs()
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "logins", defs[0].Params.Name)
	assert.Equal(t, 1, defs[0].Params.TimeIndex)
}

func TestLoadRejectsWindowWithoutSchema(t *testing.T) {
	dir := t.TempDir()
	rulePath := writeFile(t, dir, "rules.yaml", "[]")

	rootYAML := `
server: {listen: "0.0.0.0:9000"}
windows:
  - name: orphan
    over_cap: 15m
window_defaults:
  max_total_bytes: 256MB
  evict_interval: 30s
runtime:
  window_schemas: []
  rule_plans: ["` + rulePath + `"]
`
	rootPath := writeFile(t, dir, "fusion.yaml", rootYAML)

	_, err := Load(rootPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "orphan")
}

func TestLoadRejectsOverExceedingCap(t *testing.T) {
	dir := t.TempDir()
	schemaPath := writeFile(t, dir, "schemas.yaml", `
- name: logins
  over: 30m
  fields: [{name: host, type: 1}]
`)

	rootYAML := `
server: {listen: "0.0.0.0:9000"}
windows:
  - name: logins
    over_cap: 10m
window_defaults:
  max_total_bytes: 256MB
  evict_interval: 30s
runtime:
  window_schemas: ["` + schemaPath + `"]
  rule_plans: []
`
	rootPath := writeFile(t, dir, "fusion.yaml", rootYAML)

	_, err := Load(rootPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds over_cap")
}

func TestLoadMissingFileIsFatal(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}
