// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pgmg-io/pgmg/cmd/flags"
	"github.com/pgmg-io/pgmg/internal/config"
	"github.com/pgmg-io/pgmg/internal/connstr"
	"github.com/pgmg-io/pgmg/internal/pgmgerr"
)

// Version is the pgmg version
var Version = "development"

func init() {
	viper.SetEnvPrefix("PGMG")
	viper.AutomaticEnv()

	rootCmd.PersistentFlags().String("config", "", "Path to a pgmg TOML config file")
	rootCmd.PersistentFlags().String("postgres-url", "", "Postgres connection string")
	rootCmd.PersistentFlags().String("migrations-dir", config.DefaultMigrationsDir, "Directory of one-shot data migrations")
	rootCmd.PersistentFlags().String("code-dir", config.DefaultCodeDir, "Directory of declarative code objects")
	rootCmd.PersistentFlags().String("seed-dir", "", "Optional directory of seed data, applied once by init")
	rootCmd.PersistentFlags().String("pgmg-schema", config.DefaultPgmgSchema, "Postgres schema used for pgmg's own bookkeeping tables")
	rootCmd.PersistentFlags().Bool("development", false, "Re-read migrations-dir and code-dir from disk on every run")
	rootCmd.PersistentFlags().Bool("notify", false, "Send a NOTIFY on the pgmg channel after a successful apply")
	rootCmd.PersistentFlags().Bool("check-plpgsql", false, "Run plpgsql_check over every function after apply")
	rootCmd.PersistentFlags().String("sslmode", "", "Postgres sslmode")
	rootCmd.PersistentFlags().String("sslrootcert", "", "Path to the TLS root certificate")
	rootCmd.PersistentFlags().String("sslcert", "", "Path to the client TLS certificate")
	rootCmd.PersistentFlags().String("sslkey", "", "Path to the client TLS key")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("connection_string", rootCmd.PersistentFlags().Lookup("postgres-url"))
	viper.BindPFlag("migrations_dir", rootCmd.PersistentFlags().Lookup("migrations-dir"))
	viper.BindPFlag("code_dir", rootCmd.PersistentFlags().Lookup("code-dir"))
	viper.BindPFlag("seed_dir", rootCmd.PersistentFlags().Lookup("seed-dir"))
	viper.BindPFlag("pgmg_schema", rootCmd.PersistentFlags().Lookup("pgmg-schema"))
	viper.BindPFlag("development_mode", rootCmd.PersistentFlags().Lookup("development"))
	viper.BindPFlag("emit_notify_events", rootCmd.PersistentFlags().Lookup("notify"))
	viper.BindPFlag("check_plpgsql", rootCmd.PersistentFlags().Lookup("check-plpgsql"))
	viper.BindPFlag("tls.sslmode", rootCmd.PersistentFlags().Lookup("sslmode"))
	viper.BindPFlag("tls.sslrootcert", rootCmd.PersistentFlags().Lookup("sslrootcert"))
	viper.BindPFlag("tls.sslcert", rootCmd.PersistentFlags().Lookup("sslcert"))
	viper.BindPFlag("tls.sslkey", rootCmd.PersistentFlags().Lookup("sslkey"))
}

var rootCmd = &cobra.Command{
	Use:          "pgmg",
	SilenceUsage: true,
	Version:      Version,
}

// Execute executes the root command.
func Execute() error {
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(applyCmd())
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)

	return rootCmd.Execute()
}

// loadConfig merges an optional --config TOML file, PGMG_-prefixed
// environment variables and CLI flags into a validated config.Config, in
// that ascending order of precedence.
func loadConfig() (*config.Config, error) {
	if path := flags.ConfigFile(); path != "" {
		viper.SetConfigFile(path)
		viper.SetConfigType("toml")
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", path, err)
		}
	}
	return config.Load(viper.GetViper())
}

// openDB opens and pings a connection pool for cfg. Every error returned
// from here is built from a sanitized connection string so a DSN with
// embedded credentials never reaches the caller, satisfying
// pgmgerr.DatabaseConnectError's "credentials redacted by the caller"
// contract.
func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	connStr, err := cfg.ConnectionStringWithTLS()
	if err != nil {
		return nil, pgmgerr.DatabaseConnectError{Err: errors.New(connstr.Sanitize(err.Error()))}
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, pgmgerr.DatabaseConnectError{Err: errors.New(connstr.Sanitize(err.Error()))}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, pgmgerr.DatabaseConnectError{Err: errors.New(connstr.Sanitize(err.Error()))}
	}
	return db, nil
}
