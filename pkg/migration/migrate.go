// Package migration はGatewayユーザーストア用SQLiteのスキーママイグレーションを提供する。
// embedされたSQLファイルを番号順に適用し、schema_migrationsテーブルで適用済み
// バージョンを追跡する。再実行しても適用済みのバージョンはスキップされる。
package migration

import (
	"database/sql"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"strconv"
	"strings"
)

// script は1つのマイグレーションファイル。
// ファイル名は 000001_create_users.up.sql の形式で、先頭の番号がバージョンとなる。
type script struct {
	version int
	name    string
	path    string
}

// Apply は未適用のマイグレーションをバージョン順に適用する。
func Apply(db *sql.DB, fsys fs.FS, dir string) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
		)
	`); err != nil {
		return fmt.Errorf("マイグレーション管理テーブルの作成に失敗: %w", err)
	}

	applied, err := appliedVersions(db)
	if err != nil {
		return fmt.Errorf("適用済みバージョンの取得に失敗: %w", err)
	}

	scripts, err := loadScripts(fsys, dir)
	if err != nil {
		return fmt.Errorf("マイグレーションファイルの収集に失敗: %w", err)
	}

	for _, s := range scripts {
		if applied[s.version] {
			continue
		}
		if err := runScript(db, fsys, s); err != nil {
			return fmt.Errorf("マイグレーション %06d の適用に失敗: %w", s.version, err)
		}
		log.Printf("[Migration] %06d_%s を適用しました", s.version, s.name)
	}
	return nil
}

// appliedVersions は適用済みのバージョン集合を返す。
func appliedVersions(db *sql.DB) (map[int]bool, error) {
	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// loadScripts はディレクトリからup.sqlファイルを集めてバージョン昇順に並べる。
// 命名規則に合わないファイルは無視する。
func loadScripts(fsys fs.FS, dir string) ([]script, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	var scripts []script
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		numPart, rest, ok := strings.Cut(entry.Name(), "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(numPart)
		if err != nil {
			continue
		}
		scripts = append(scripts, script{
			version: version,
			name:    strings.TrimSuffix(rest, ".up.sql"),
			path:    dir + "/" + entry.Name(),
		})
	}

	sort.Slice(scripts, func(i, j int) bool { return scripts[i].version < scripts[j].version })
	return scripts, nil
}

// runScript は1つのマイグレーションをトランザクション内で適用し、バージョンを記録する。
func runScript(db *sql.DB, fsys fs.FS, s script) error {
	content, err := fs.ReadFile(fsys, s.path)
	if err != nil {
		return fmt.Errorf("ファイル読み込みに失敗: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(string(content)); err != nil {
		return fmt.Errorf("SQL実行に失敗: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", s.version); err != nil {
		return fmt.Errorf("バージョン記録に失敗: %w", err)
	}
	return tx.Commit()
}
