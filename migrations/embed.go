// Package migrations embeds the gateway's SQL migrations into the binary.
package migrations

import (
	"embed"

	"github.com/nerrad567/modbus-twin-gateway/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
