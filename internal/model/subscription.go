// Package model はドメインモデルを定義する。
package model

import "time"

// FeedType はフィードの種類を表す。
// パーサーのディスパッチは設定読み込み時に検証された登録制で行う。
type FeedType string

const (
	// FeedTypeRSS はRSS系フィード。
	FeedTypeRSS FeedType = "rss"
	// FeedTypeAtom はAtom系フィード。
	FeedTypeAtom FeedType = "atom"
	// FeedTypeAuto はドキュメント先頭から種類を自動判別する。
	FeedTypeAuto FeedType = "auto"
)

// FetchStatus は購読のフェッチ状態を表す。
type FetchStatus string

const (
	// FetchStatusActive はアクティブなフェッチ状態。
	FetchStatusActive FetchStatus = "active"
	// FetchStatusStopped は停止されたフェッチ状態。
	FetchStatusStopped FetchStatus = "stopped"
)

// Subscription は設定済みのフィード購読を表す。
// 購読の作成・編集は外部の購読マネージャが行い、
// このパイプラインからはフェッチ状態カラム以外は読み取り専用として扱う。
type Subscription struct {
	ID       string
	FeedURL  string
	Title    string
	FeedType FeedType
	Tags     []string
	Folder   string
	Enabled  bool

	// フェッチ状態（パイプラインのみが更新する）
	ETag              string
	LastModified      string
	FetchStatus       FetchStatus
	ConsecutiveErrors int
	ErrorMessage      string
	NextFetchAt       time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Enclosure はフィードアイテムに付随するメディア参照を表す。
type Enclosure struct {
	URL    string
	Type   string
	Length int64
}

// RawFeedItem はフィードパーサーが生成する未保存のアイテムを表す。
// 取得サイクルごとに生成され、永続化されずに正規化処理へ直接渡される。
type RawFeedItem struct {
	GuidOrID       string
	Title          string
	Link           string
	Content        string // 未サニタイズのHTML
	Summary        string // 未サニタイズ
	Author         string
	Tags           []string
	Enclosures     []Enclosure
	PublishedAt    *time.Time
	SubscriptionID string
	FeedTitle      string
}
