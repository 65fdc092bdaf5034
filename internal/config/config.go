// SPDX-License-Identifier: Apache-2.0

// Package config assembles and validates pgmg's configuration record
// (spec.md §6.3) from a viper instance the caller has already populated
// from a config file, environment variables and CLI flags.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/spf13/viper"

	"github.com/pgmg-io/pgmg/internal/connstr"
	"github.com/pgmg-io/pgmg/internal/pgmgerr"
)

//go:embed schema.json
var schemaJSON []byte

const (
	DefaultMigrationsDir = "./migrations"
	DefaultCodeDir       = "./sql"
	DefaultPgmgSchema    = "pgmg"
)

// TLS mirrors connstr.TLS; kept as a distinct type so config stays
// independent of the connstr package's own evolution.
type TLS struct {
	SSLMode     string
	SSLRootCert string
	SSLCert     string
	SSLKey      string
}

// Config is the configuration record from spec.md §6.3.
type Config struct {
	ConnectionString string
	MigrationsDir    string
	CodeDir          string
	SeedDir          string
	PgmgSchema       string
	DevelopmentMode  bool
	EmitNotifyEvents bool
	CheckPlpgsql     bool
	TLS              TLS
}

// Defaults returns a Config with every default value set and an empty
// connection string, the starting point Load builds on top of.
func Defaults() Config {
	return Config{
		MigrationsDir: DefaultMigrationsDir,
		CodeDir:       DefaultCodeDir,
		PgmgSchema:    DefaultPgmgSchema,
	}
}

// Load reads v's merged keys into a Config and validates it against the
// embedded JSON Schema. v is expected to already reflect the documented
// precedence (connection string field itself highest, then environment,
// then config file) for every key except the TLS sub-record, whose
// per-field precedence against a TLS option already embedded in the
// connection string is resolved here explicitly.
func Load(v *viper.Viper) (*Config, error) {
	cfg := Defaults()

	cfg.ConnectionString = v.GetString("connection_string")
	if v.IsSet("migrations_dir") {
		cfg.MigrationsDir = v.GetString("migrations_dir")
	}
	if v.IsSet("code_dir") {
		cfg.CodeDir = v.GetString("code_dir")
	}
	cfg.SeedDir = v.GetString("seed_dir")
	if v.IsSet("pgmg_schema") {
		cfg.PgmgSchema = v.GetString("pgmg_schema")
	}
	cfg.DevelopmentMode = v.GetBool("development_mode")
	cfg.EmitNotifyEvents = v.GetBool("emit_notify_events")
	cfg.CheckPlpgsql = v.GetBool("check_plpgsql")

	cfg.TLS = TLS{
		SSLMode:     v.GetString("tls.sslmode"),
		SSLRootCert: v.GetString("tls.sslrootcert"),
		SSLCert:     v.GetString("tls.sslcert"),
		SSLKey:      v.GetString("tls.sslkey"),
	}

	// A TLS option already present in the connection string itself outranks
	// whatever the environment or config file supplied for the same field.
	inline := connstr.ExtractTLSOptions(cfg.ConnectionString)
	if inline.SSLMode != "" {
		cfg.TLS.SSLMode = inline.SSLMode
	}
	if inline.SSLRootCert != "" {
		cfg.TLS.SSLRootCert = inline.SSLRootCert
	}
	if inline.SSLCert != "" {
		cfg.TLS.SSLCert = inline.SSLCert
	}
	if inline.SSLKey != "" {
		cfg.TLS.SSLKey = inline.SSLKey
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConnectionStringWithTLS returns c.ConnectionString with the resolved TLS
// options appended as query parameters.
func (c Config) ConnectionStringWithTLS() (string, error) {
	return connstr.AppendTLSOptions(c.ConnectionString, connstr.TLS(c.TLS))
}

func (c Config) validate() error {
	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("loading config schema: %w", err)
	}
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return fmt.Errorf("loading config schema: %w", err)
	}
	sch, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compiling config schema: %w", err)
	}

	raw, err := json.Marshal(c.asMap())
	if err != nil {
		return fmt.Errorf("encoding config for validation: %w", err)
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("decoding config for validation: %w", err)
	}

	if err := sch.Validate(instance); err != nil {
		return pgmgerr.ConfigInvalidError{Reason: err.Error()}
	}
	return nil
}

func (c Config) asMap() map[string]any {
	return map[string]any{
		"connection_string":  c.ConnectionString,
		"migrations_dir":     c.MigrationsDir,
		"code_dir":           c.CodeDir,
		"seed_dir":           c.SeedDir,
		"pgmg_schema":        c.PgmgSchema,
		"development_mode":   c.DevelopmentMode,
		"emit_notify_events": c.EmitNotifyEvents,
		"check_plpgsql":      c.CheckPlpgsql,
		"tls": map[string]any{
			"sslmode":     c.TLS.SSLMode,
			"sslrootcert": c.TLS.SSLRootCert,
			"sslcert":     c.TLS.SSLCert,
			"sslkey":      c.TLS.SSLKey,
		},
	}
}
