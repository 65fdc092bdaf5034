// SPDX-License-Identifier: Apache-2.0

// Package flags exposes the one CLI setting that sits outside the validated
// config.Config record: the path to an optional TOML config file, read
// before config.Load can run at all.
package flags

import "github.com/spf13/viper"

func ConfigFile() string { return viper.GetString("config") }
