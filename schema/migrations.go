// Package schema contains the embedded migration step descriptors.
package schema

import "embed"

// MigrationsDir is the root of the descriptors inside MigrationsFS.
const MigrationsDir = "migrations"

// MigrationsFS holds migrations/<app>/<name>.yaml.
//
//go:embed migrations/*/*.yaml
var MigrationsFS embed.FS
