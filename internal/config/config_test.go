// SPDX-License-Identifier: Apache-2.0

package config_test

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgmg-io/pgmg/internal/config"
)

func newViper(settings map[string]any) *viper.Viper {
	v := viper.New()
	for k, val := range settings {
		v.Set(k, val)
	}
	return v
}

func TestLoadAppliesDefaults(t *testing.T) {
	v := newViper(map[string]any{
		"connection_string": "postgres://localhost/db",
	})
	cfg, err := config.Load(v)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultMigrationsDir, cfg.MigrationsDir)
	assert.Equal(t, config.DefaultCodeDir, cfg.CodeDir)
	assert.Equal(t, config.DefaultPgmgSchema, cfg.PgmgSchema)
}

func TestLoadRejectsMissingConnectionString(t *testing.T) {
	v := newViper(map[string]any{})
	_, err := config.Load(v)
	require.Error(t, err)
}

func TestLoadInlineTLSOutranksEnvironment(t *testing.T) {
	v := newViper(map[string]any{
		"connection_string": "postgres://localhost/db?sslmode=verify-full",
		"tls.sslmode":       "disable",
	})
	cfg, err := config.Load(v)
	require.NoError(t, err)
	assert.Equal(t, "verify-full", cfg.TLS.SSLMode)
}

func TestLoadFallsBackToEnvironmentTLSWhenConnectionStringHasNone(t *testing.T) {
	v := newViper(map[string]any{
		"connection_string": "postgres://localhost/db",
		"tls.sslmode":       "require",
	})
	cfg, err := config.Load(v)
	require.NoError(t, err)
	assert.Equal(t, "require", cfg.TLS.SSLMode)
}

func TestLoadRejectsInvalidSSLMode(t *testing.T) {
	v := newViper(map[string]any{
		"connection_string": "postgres://localhost/db",
		"tls.sslmode":       "bogus",
	})
	_, err := config.Load(v)
	require.Error(t, err)
}

func TestConnectionStringWithTLSAppendsOptions(t *testing.T) {
	v := newViper(map[string]any{
		"connection_string": "postgres://localhost/db",
		"tls.sslmode":       "require",
	})
	cfg, err := config.Load(v)
	require.NoError(t, err)

	out, err := cfg.ConnectionStringWithTLS()
	require.NoError(t, err)
	assert.Contains(t, out, "sslmode=require")
}
