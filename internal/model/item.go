// Package model はドメインモデルを定義する。
package model

import "time"

// CanonicalURL は重複排除キーとして安全な解決済みURLを表す。
// 導出値であり、アイテムから独立して永続化されることはない。
type CanonicalURL struct {
	// URL は正規化後の完全なURL（スキーム付き）。
	URL string
	// Key は同一性判定に使用するキー。
	// 小文字化したhost+path+残余クエリのバイト列一致で同一とみなす。
	Key string
	// Host は正規化後のホスト名。
	Host string
	// Slug はホスト名から導出したスラグ（www.除去、非英数字をハイフン化）。
	Slug string
}

// Equal は2つのCanonicalURLが同一の正規識別子を持つかを判定する。
func (c *CanonicalURL) Equal(other *CanonicalURL) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.Key == other.Key
}

// FeedItem は正規化済みの永続化されるフィードアイテムを表す。
// 同一のcanonical URLが複数フィード・複数サイクルで観測された場合、
// 新規レコードは作成されずRepeatCountが加算される。
type FeedItem struct {
	ID              string
	OriginItemID    string // ソースフィードが宣言したアイテム固有ID
	CanonicalURL    string
	CanonicalKey    string
	SourceHost      string
	SourceSlug      string
	Title           string
	Author          string
	Content         string // サニタイズ済みの抽出コンテンツ
	Summary         string // サニタイズ済みの抜粋
	Tags            []string
	SubscriptionID  string
	RepeatCount     int
	NeedsResolution bool // リゾルバ失敗時にベストエフォートURLで記録されたことを示す
	PublishedAt     *time.Time
	IsDateEstimated bool
	FirstSeenAt     time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
