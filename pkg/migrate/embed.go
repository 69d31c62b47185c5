package migrate

import "embed"

// Migrations ships the SQL files inside every binary so boot-time migration
// does not depend on the working directory.
//
//go:embed migrations/*.sql
var Migrations embed.FS

const embeddedDir = "migrations"
