package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/nomikura/internal/model"
)

// PostgresFeedItemRepo はPostgreSQLを使用したフィードアイテムリポジトリ。
type PostgresFeedItemRepo struct {
	db *sql.DB
}

// NewPostgresFeedItemRepo はPostgresFeedItemRepoを生成する。
func NewPostgresFeedItemRepo(db *sql.DB) *PostgresFeedItemRepo {
	return &PostgresFeedItemRepo{db: db}
}

const feedItemColumns = `id, origin_item_id, canonical_url, canonical_key,
	source_host, source_slug, title, author, content, summary, tags,
	subscription_id, repeat_count, needs_resolution, published_at,
	is_date_estimated, first_seen_at, created_at, updated_at`

// scanFeedItem は1行をmodel.FeedItemに読み込む。
func scanFeedItem(row interface {
	Scan(dest ...interface{}) error
}) (*model.FeedItem, error) {
	item := &model.FeedItem{}
	var tags pq.StringArray
	var publishedAt sql.NullTime

	err := row.Scan(
		&item.ID, &item.OriginItemID, &item.CanonicalURL, &item.CanonicalKey,
		&item.SourceHost, &item.SourceSlug, &item.Title, &item.Author,
		&item.Content, &item.Summary, &tags,
		&item.SubscriptionID, &item.RepeatCount, &item.NeedsResolution, &publishedAt,
		&item.IsDateEstimated, &item.FirstSeenAt, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.Tags = []string(tags)
	if publishedAt.Valid {
		item.PublishedAt = &publishedAt.Time
	}
	return item, nil
}

// FindByID は指定IDのアイテムを取得する。見つからない場合はnilを返す。
func (r *PostgresFeedItemRepo) FindByID(ctx context.Context, id string) (*model.FeedItem, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+feedItemColumns+` FROM feed_items WHERE id = $1`, id)

	item, err := scanFeedItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("アイテムの取得に失敗しました: %w", err)
	}
	return item, nil
}

// FindByCanonicalKeyAndOrigin はcanonical_keyとorigin_item_idでアイテムを検索する。
func (r *PostgresFeedItemRepo) FindByCanonicalKeyAndOrigin(ctx context.Context, key, originID string) (*model.FeedItem, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+feedItemColumns+`
		 FROM feed_items WHERE canonical_key = $1 AND origin_item_id = $2`,
		key, originID)

	item, err := scanFeedItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("canonical keyによるアイテムの検索に失敗しました: %w", err)
	}
	return item, nil
}

// FindByCanonicalKey はcanonical_keyでアイテムを検索する。
// 複数ある場合はfirst_seen_atが最も古いものを返す。
func (r *PostgresFeedItemRepo) FindByCanonicalKey(ctx context.Context, key string) (*model.FeedItem, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+feedItemColumns+`
		 FROM feed_items WHERE canonical_key = $1
		 ORDER BY first_seen_at
		 LIMIT 1`,
		key)

	item, err := scanFeedItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("canonical keyによるアイテムの検索に失敗しました: %w", err)
	}
	return item, nil
}

// Create は新規アイテムを作成する。
func (r *PostgresFeedItemRepo) Create(ctx context.Context, item *model.FeedItem) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO feed_items (
			id, origin_item_id, canonical_url, canonical_key,
			source_host, source_slug, title, author, content, summary, tags,
			subscription_id, repeat_count, needs_resolution, published_at,
			is_date_estimated, first_seen_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		item.ID, item.OriginItemID, item.CanonicalURL, item.CanonicalKey,
		item.SourceHost, item.SourceSlug, item.Title, item.Author,
		item.Content, item.Summary, pq.Array(item.Tags),
		item.SubscriptionID, item.RepeatCount, item.NeedsResolution, item.PublishedAt,
		item.IsDateEstimated, item.FirstSeenAt, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("アイテムの作成に失敗しました: %w", err)
	}
	return nil
}

// Update は既存アイテムを上書き更新する。履歴は保持しない。
func (r *PostgresFeedItemRepo) Update(ctx context.Context, item *model.FeedItem) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE feed_items
		 SET origin_item_id = $1, canonical_url = $2, canonical_key = $3,
		     source_host = $4, source_slug = $5, title = $6, author = $7,
		     content = $8, summary = $9, tags = $10, repeat_count = $11,
		     needs_resolution = $12, published_at = $13, is_date_estimated = $14,
		     updated_at = $15
		 WHERE id = $16`,
		item.OriginItemID, item.CanonicalURL, item.CanonicalKey,
		item.SourceHost, item.SourceSlug, item.Title, item.Author,
		item.Content, item.Summary, pq.Array(item.Tags), item.RepeatCount,
		item.NeedsResolution, item.PublishedAt, item.IsDateEstimated,
		item.UpdatedAt, item.ID,
	)
	if err != nil {
		return fmt.Errorf("アイテムの更新に失敗しました: %w", err)
	}
	return nil
}

// IncrementRepeat はアイテムのリピートカウンタを加算し、加算後の値を返す。
// 加算はデータベース側のアトミックな演算で行われる。
func (r *PostgresFeedItemRepo) IncrementRepeat(ctx context.Context, id string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`UPDATE feed_items
		 SET repeat_count = repeat_count + 1, updated_at = now()
		 WHERE id = $1
		 RETURNING repeat_count`,
		id,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("リピートカウンタの加算対象が見つかりません: %s", id)
	}
	if err != nil {
		return 0, fmt.Errorf("リピートカウンタの加算に失敗しました: %w", err)
	}
	return count, nil
}
