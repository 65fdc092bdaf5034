// SPDX-License-Identifier: Apache-2.0

package cmd

import "errors"

var errPGMGNotInitialized = errors.New("pgmg is not initialized, run 'pgmg init' to initialize")
