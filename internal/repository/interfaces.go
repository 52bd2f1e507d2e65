// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/nomikura/internal/model"
)

// SubscriptionRepository は購読データの永続化インターフェース。
// 購読の作成・編集は外部の購読マネージャが担い、パイプラインからは
// フェッチ状態カラムのみを更新する。
type SubscriptionRepository interface {
	// FindByID は指定IDの購読を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Subscription, error)

	// ListAll は全購読の一覧を返す。
	ListAll(ctx context.Context) ([]*model.Subscription, error)

	// ListDueForFetch はフェッチ対象の購読を取得する。
	// next_fetch_at <= now() かつ enabled かつ fetch_status = 'active' の購読を
	// FOR UPDATE SKIP LOCKEDで排他的に取得する。
	ListDueForFetch(ctx context.Context) ([]*model.Subscription, error)

	// Create は購読を作成する。外部の購読マネージャからの投入用。
	Create(ctx context.Context, sub *model.Subscription) error

	// UpdateFetchState は購読のフェッチ状態を更新する。
	// etag、last_modified、fetch_status、consecutive_errors、
	// error_message、next_fetch_atを更新する。
	UpdateFetchState(ctx context.Context, sub *model.Subscription) error
}

// FeedItemRepository は正規化済みフィードアイテムの永続化インターフェース。
// canonical keyによる同一性判定とリピートカウンタの加算を提供する。
type FeedItemRepository interface {
	// FindByID は指定IDのアイテムを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.FeedItem, error)

	// FindByCanonicalKeyAndOrigin はcanonical_keyとorigin_item_idでアイテムを検索する。
	// 同一性判定の最優先手段。見つからない場合はnilを返す。
	FindByCanonicalKeyAndOrigin(ctx context.Context, key, originID string) (*model.FeedItem, error)

	// FindByCanonicalKey はcanonical_keyでアイテムを検索する。
	// 複数ある場合はfirst_seen_atが最も古いものを返す。見つからない場合はnilを返す。
	FindByCanonicalKey(ctx context.Context, key string) (*model.FeedItem, error)

	// Create は新規アイテムを作成する。
	Create(ctx context.Context, item *model.FeedItem) error

	// Update は既存アイテムを上書き更新する。履歴は保持しない。
	Update(ctx context.Context, item *model.FeedItem) error

	// IncrementRepeat はアイテムのリピートカウンタを加算し、加算後の値を返す。
	IncrementRepeat(ctx context.Context, id string) (int, error)
}

// NominationRepository はノミネーションの永続化インターフェース。
// canonical keyによる読み取りと、バージョントークンによる
// 楽観的条件付き更新を提供する。
type NominationRepository interface {
	// FindByID は指定IDのノミネーションを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Nomination, error)

	// FindByCanonicalKey はcanonical_keyでノミネーションを検索する。
	// 見つからない場合はnilを返す。
	FindByCanonicalKey(ctx context.Context, key string) (*model.Nomination, error)

	// Create はノミネーションを作成する。
	// canonical_keyの一意制約違反（並行作成の競合）は
	// CONCURRENT_UPDATE_CONFLICTコードのPipelineErrorとして返される。
	Create(ctx context.Context, nom *model.Nomination) error

	// UpdateVersioned はバージョントークンが一致する場合のみノミネーションを更新する。
	// トークン不一致（他の書き込みが先行した）場合は
	// CONCURRENT_UPDATE_CONFLICTコードのPipelineErrorを返す。
	// 成功時はnom.Versionを更新後の値に進める。
	UpdateVersioned(ctx context.Context, nom *model.Nomination) error

	// ListByState は指定状態のノミネーション一覧をlast_modified降順で返す。
	// stateが空文字列の場合は全状態を対象とする。
	// cursorがゼロ値の場合は先頭から取得する。
	ListByState(ctx context.Context, state model.NominationState, cursor time.Time, limit int) ([]*model.Nomination, error)
}
