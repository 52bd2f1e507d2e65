package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/nomikura/internal/model"
)

// PostgresSubscriptionRepo はPostgreSQLを使用した購読リポジトリ。
type PostgresSubscriptionRepo struct {
	db *sql.DB
}

// NewPostgresSubscriptionRepo はPostgresSubscriptionRepoを生成する。
func NewPostgresSubscriptionRepo(db *sql.DB) *PostgresSubscriptionRepo {
	return &PostgresSubscriptionRepo{db: db}
}

const subscriptionColumns = `id, feed_url, title, feed_type, tags, folder, enabled,
	etag, last_modified, fetch_status, consecutive_errors, error_message,
	next_fetch_at, created_at, updated_at`

// scanSubscription は1行をmodel.Subscriptionに読み込む。
func scanSubscription(row interface {
	Scan(dest ...interface{}) error
}) (*model.Subscription, error) {
	sub := &model.Subscription{}
	var tags pq.StringArray
	var feedType, fetchStatus string

	err := row.Scan(
		&sub.ID, &sub.FeedURL, &sub.Title, &feedType, &tags, &sub.Folder, &sub.Enabled,
		&sub.ETag, &sub.LastModified, &fetchStatus, &sub.ConsecutiveErrors, &sub.ErrorMessage,
		&sub.NextFetchAt, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.FeedType = model.FeedType(feedType)
	sub.FetchStatus = model.FetchStatus(fetchStatus)
	sub.Tags = []string(tags)
	return sub, nil
}

// FindByID は指定IDの購読を取得する。見つからない場合はnilを返す。
func (r *PostgresSubscriptionRepo) FindByID(ctx context.Context, id string) (*model.Subscription, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)

	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("購読の取得に失敗しました: %w", err)
	}
	return sub, nil
}

// ListAll は全購読の一覧を返す。
func (r *PostgresSubscriptionRepo) ListAll(ctx context.Context) ([]*model.Subscription, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("購読一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var subs []*model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("購読の読み取りに失敗しました: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("購読一覧の走査に失敗しました: %w", err)
	}
	return subs, nil
}

// ListDueForFetch はフェッチ対象の購読を取得する。
// 複数ワーカーの並走を想定してFOR UPDATE SKIP LOCKEDで排他的に取得する。
func (r *PostgresSubscriptionRepo) ListDueForFetch(ctx context.Context) ([]*model.Subscription, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE enabled AND fetch_status = 'active' AND next_fetch_at <= now()
		 ORDER BY next_fetch_at
		 FOR UPDATE SKIP LOCKED`)
	if err != nil {
		return nil, fmt.Errorf("フェッチ対象購読の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var subs []*model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("購読の読み取りに失敗しました: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("フェッチ対象購読の走査に失敗しました: %w", err)
	}
	return subs, nil
}

// Create は購読を作成する。
func (r *PostgresSubscriptionRepo) Create(ctx context.Context, sub *model.Subscription) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO subscriptions (
			id, feed_url, title, feed_type, tags, folder, enabled,
			etag, last_modified, fetch_status, consecutive_errors, error_message,
			next_fetch_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		sub.ID, sub.FeedURL, sub.Title, string(sub.FeedType), pq.Array(sub.Tags),
		sub.Folder, sub.Enabled, sub.ETag, sub.LastModified, string(sub.FetchStatus),
		sub.ConsecutiveErrors, sub.ErrorMessage, sub.NextFetchAt,
		sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("購読の作成に失敗しました: %w", err)
	}
	return nil
}

// UpdateFetchState は購読のフェッチ状態を更新する。
func (r *PostgresSubscriptionRepo) UpdateFetchState(ctx context.Context, sub *model.Subscription) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE subscriptions
		 SET etag = $1, last_modified = $2, fetch_status = $3,
		     consecutive_errors = $4, error_message = $5, next_fetch_at = $6,
		     updated_at = $7
		 WHERE id = $8`,
		sub.ETag, sub.LastModified, string(sub.FetchStatus),
		sub.ConsecutiveErrors, sub.ErrorMessage, sub.NextFetchAt,
		sub.UpdatedAt, sub.ID,
	)
	if err != nil {
		return fmt.Errorf("購読フェッチ状態の更新に失敗しました: %w", err)
	}
	return nil
}
