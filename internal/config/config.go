// Package config loads the root FusionConfig document and the window
// schema / rule plan artefacts it references, all as YAML via
// gopkg.in/yaml.v3. Config errors are always reported through a wrapped
// error chain rooted at an internal/cerrors sentinel — never a panic —
// since a malformed config is fatal at startup.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/wp-labs/wp-reactor-sub001/internal/cerrors"
	"github.com/wp-labs/wp-reactor-sub001/internal/humantime"
	"github.com/wp-labs/wp-reactor-sub001/internal/plan"
	"github.com/wp-labs/wp-reactor-sub001/internal/window"
)

// ServerConfig names the TCP address the ingest receiver binds to.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// WindowDefaults is the operator-supplied memory budget and eviction cadence
// shared across every window, independent of each window's own policy.
type WindowDefaults struct {
	MaxTotalBytes humantime.ByteSize `yaml:"max_total_bytes"`
	EvictInterval humantime.Duration `yaml:"evict_interval"`
}

// RuntimeArtifacts names the on-disk YAML documents holding the
// already-compiled plan artefacts: one or more files each containing a
// list of WindowSchema, and one or more files each containing a list of
// RulePlan.
type RuntimeArtifacts struct {
	WindowSchemas []string `yaml:"window_schemas"`
	RulePlans     []string `yaml:"rule_plans"`
}

// AlertConfig names the alert sink destinations, as file:// URIs.
type AlertConfig struct {
	Sinks []string `yaml:"sinks"`
}

// LogConfig selects the root logger's verbosity and rendering.
type LogConfig struct {
	Level  string `yaml:"level"`  // trace/debug/info/warn/error; default info
	Format string `yaml:"format"` // "console" (pretty, development) or "json" (production); default json
}

// FusionConfig is the root configuration document.
type FusionConfig struct {
	Server         ServerConfig        `yaml:"server"`
	Windows        []plan.WindowConfig `yaml:"windows"`
	WindowDefaults WindowDefaults      `yaml:"window_defaults"`
	Runtime        RuntimeArtifacts    `yaml:"runtime"`
	Alert          AlertConfig         `yaml:"alert"`
	Log            LogConfig           `yaml:"log"`

	// WindowSchemas and RulePlans are populated by Load from the files
	// named in Runtime, not decoded directly from the root document.
	WindowSchemas []plan.WindowSchema `yaml:"-"`
	RulePlans     []plan.RulePlan     `yaml:"-"`
}

// Load reads path, decodes the root document, loads every referenced
// window-schema and rule-plan file, and validates cross-references. Every
// failure is wrapped with the offending file's path via internal/cerrors so
// callers can distinguish a parse failure from a schema-reference failure.
func Load(path string) (*FusionConfig, error) {
	root, err := os.ReadFile(path)
	if err != nil {
		return nil, cerrors.NewParseError(path, 0, err)
	}

	var cfg FusionConfig
	if err := yaml.Unmarshal(root, &cfg); err != nil {
		return nil, cerrors.NewParseError(path, 0, err)
	}

	for _, schemaPath := range cfg.Runtime.WindowSchemas {
		schemas, err := loadWindowSchemas(schemaPath)
		if err != nil {
			return nil, err
		}
		cfg.WindowSchemas = append(cfg.WindowSchemas, schemas...)
	}
	for _, rulePath := range cfg.Runtime.RulePlans {
		rules, err := loadRulePlans(rulePath)
		if err != nil {
			return nil, err
		}
		cfg.RulePlans = append(cfg.RulePlans, rules...)
	}

	if err := cfg.validate(); err != nil {
		return nil, cerrors.NewSchemaError(path, err)
	}

	return &cfg, nil
}

func loadWindowSchemas(path string) ([]plan.WindowSchema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, cerrors.NewParseError(path, 0, err)
	}
	var schemas []plan.WindowSchema
	if err := yaml.Unmarshal(raw, &schemas); err != nil {
		return nil, cerrors.NewParseError(path, 0, err)
	}
	return schemas, nil
}

func loadRulePlans(path string) ([]plan.RulePlan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, cerrors.NewParseError(path, 0, err)
	}
	var rules []plan.RulePlan
	if err := yaml.Unmarshal(raw, &rules); err != nil {
		return nil, cerrors.NewParseError(path, 0, err)
	}
	return rules, nil
}

// validate cross-checks windows against schemas: every WindowConfig must
// name a WindowSchema, and a schema's retention (over) must not exceed its
// config's hard cap (over_cap).
func (c *FusionConfig) validate() error {
	schemaByName := make(map[string]plan.WindowSchema, len(c.WindowSchemas))
	for _, s := range c.WindowSchemas {
		schemaByName[s.Name] = s
	}

	for _, wc := range c.Windows {
		schema, ok := schemaByName[wc.Name]
		if !ok {
			return fmt.Errorf("window %q has no matching window schema", wc.Name)
		}
		if schema.Over.AsDuration() > wc.OverCap.AsDuration() {
			return fmt.Errorf("window %q: schema retention %s exceeds over_cap %s", wc.Name, schema.Over, wc.OverCap)
		}
	}
	return nil
}

// WindowDefs converts every configured window into a window.Def, ready for
// window.Build, resolving each schema's time_field to a column index.
func (c *FusionConfig) WindowDefs() ([]window.Def, error) {
	schemaByName := make(map[string]plan.WindowSchema, len(c.WindowSchemas))
	for _, s := range c.WindowSchemas {
		schemaByName[s.Name] = s
	}

	defs := make([]window.Def, 0, len(c.Windows))
	for _, wc := range c.Windows {
		schema, ok := schemaByName[wc.Name]
		if !ok {
			return nil, fmt.Errorf("config: window %q has no matching window schema", wc.Name)
		}
		timeIndex := -1
		if schema.TimeField != "" {
			for i, f := range schema.Fields {
				if f.Name == schema.TimeField {
					timeIndex = i
					break
				}
			}
			if timeIndex < 0 {
				return nil, fmt.Errorf("config: window %q: time_field %q not found in schema fields", wc.Name, schema.TimeField)
			}
		}
		defs = append(defs, window.Def{
			Params: window.Params{
				Name:      schema.Name,
				Schema:    schema.Fields,
				TimeIndex: timeIndex,
				Over:      schema.Over.AsDuration(),
			},
			Streams: schema.Streams,
			Config:  wc,
		})
	}
	return defs, nil
}
