// Package database はデータベース接続とスキーマ管理を提供する。
package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// users, identities, sessions, user_favorites のスキーマ。
//
//go:embed migrations/*.sql
var schemaFS embed.FS

// SchemaStatus は適用済みスキーマのバージョン。未適用ならVersionは0。
type SchemaStatus struct {
	Version uint
	Dirty   bool
}

// NewMigrator は埋め込みSQLをソースにしたmigrateインスタンスを生成する。
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	src, err := iofs.New(schemaFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded schema: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return m, nil
}

// RunMigrations は未適用のマイグレーションを全て適用し、適用後の状態を返す。
// 前回の適用が途中で失敗してdirtyになっている場合は何もせずエラーを返す。
func RunMigrations(databaseURL string) (SchemaStatus, error) {
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return SchemaStatus{}, err
	}
	defer m.Close()

	before, err := schemaStatus(m)
	if err != nil {
		return SchemaStatus{}, err
	}
	if before.Dirty {
		return before, fmt.Errorf("schema is dirty at version %d: fix it manually and force the version", before.Version)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return SchemaStatus{}, fmt.Errorf("failed to apply migrations: %w", err)
	}
	return schemaStatus(m)
}

func schemaStatus(m *migrate.Migrate) (SchemaStatus, error) {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return SchemaStatus{}, nil
	}
	if err != nil {
		return SchemaStatus{}, fmt.Errorf("failed to read schema version: %w", err)
	}
	return SchemaStatus{Version: version, Dirty: dirty}, nil
}
