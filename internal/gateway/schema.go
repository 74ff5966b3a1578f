package gateway

import (
	"database/sql"
	"embed"

	"github.com/PavSher76/AI-NK-sub002/pkg/migration"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// initSchema はユーザーストアのスキーママイグレーションを適用する。
func initSchema(db *sql.DB) error {
	return migration.Apply(db, migrationFS, "migrations")
}
