package gateway

import (
	"context"
	"database/sql"
	"time"
)

// User はGatewayが管理する認証ユーザー。
type User struct {
	// ID はユーザーの一意識別子（UUID）。
	ID string
	// Provider は認証プロバイダ名（devなど）。
	Provider string
	// ProviderUserID はプロバイダ側のユーザーID。
	ProviderUserID string
	// Email はユーザーのメールアドレス。
	Email string
	// DisplayName は表示名。
	DisplayName string
	// CreatedAt は作成日時。
	CreatedAt time.Time
	// LastLoginAt は最終ログイン日時。
	LastLoginAt time.Time
}

// Store はユーザーストアへのクエリをまとめたオブジェクト。
type Store struct {
	db *sql.DB
}

// NewStore は新しいStoreを生成する。
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateUser は新しいユーザーを登録する。
func (s *Store) CreateUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, provider, provider_user_id, email, display_name)
		 VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Provider, u.ProviderUserID, u.Email, u.DisplayName)
	return err
}

// GetUserByProvider はプロバイダとプロバイダ側IDでユーザーを取得する。
// 見つからない場合は sql.ErrNoRows を返す。
func (s *Store) GetUserByProvider(ctx context.Context, provider, providerUserID string) (User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, provider, provider_user_id, email, display_name, created_at, last_login_at
		 FROM users WHERE provider = ? AND provider_user_id = ?`,
		provider, providerUserID)
	return scanUser(row)
}

// GetUserByID はIDでユーザーを取得する。
// 見つからない場合は sql.ErrNoRows を返す。
func (s *Store) GetUserByID(ctx context.Context, id string) (User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, provider, provider_user_id, email, display_name, created_at, last_login_at
		 FROM users WHERE id = ?`,
		id)
	return scanUser(row)
}

// UpdateLastLogin は最終ログイン日時を現在時刻に更新する。
func (s *Store) UpdateLastLogin(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_login_at = datetime('now') WHERE id = ?`, id)
	return err
}

// scanUser は1行をUserに読み取る。
func scanUser(row *sql.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Provider, &u.ProviderUserID, &u.Email, &u.DisplayName, &u.CreatedAt, &u.LastLoginAt)
	return u, err
}
