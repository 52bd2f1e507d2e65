// Package model はドメインモデルを定義する。
package model

import "time"

// NominationState はノミネーションのライフサイクル状態を表す。
// 遷移: new → nominated → {archived, promoted}。
// archivedとpromotedは終端状態であり、後退遷移は許可されない。
type NominationState string

const (
	// NominationStateNew は初回upsert直後の状態。
	NominationStateNew NominationState = "new"
	// NominationStateNominated はレビュアー向けアクションが取られた状態。
	NominationStateNominated NominationState = "nominated"
	// NominationStateArchived はアーカイブ済みの終端状態。
	NominationStateArchived NominationState = "archived"
	// NominationStatePromoted はドラフト生成へ引き渡し済みの終端状態。
	NominationStatePromoted NominationState = "promoted"
)

// IsTerminal は終端状態（archived/promoted）かどうかを返す。
func (s NominationState) IsTerminal() bool {
	return s == NominationStateArchived || s == NominationStatePromoted
}

// CanTransitionTo は指定状態への遷移が許可されるかを返す。
// 同一状態への遷移は冪等な no-op として常に許可される。
func (s NominationState) CanTransitionTo(next NominationState) bool {
	if s == next {
		return true
	}
	switch s {
	case NominationStateNew:
		return next == NominationStateNominated ||
			next == NominationStateArchived ||
			next == NominationStatePromoted
	case NominationStateNominated:
		return next == NominationStateArchived || next == NominationStatePromoted
	default:
		// 終端状態からの遷移は不可
		return false
	}
}

// Nomination はcanonical URLごとの集約レコードを表す。
// 不変条件: 任意の時点で1つのcanonical URLにつきNominationは高々1件。
// 同一URLへの並行upsertは重複生成ではなくマージされる。
type Nomination struct {
	ID           string
	CanonicalURL string
	CanonicalKey string
	Title        string
	Content      string
	SourceSlug   string
	Tags         []string
	// Nominators はノミネートしたレビュアー識別子の集合（順序非依存、重複なし）。
	Nominators []string
	// NominationCount はNominatorsの要素数。
	NominationCount int
	// SourceRepeat はレビュアー識別子と独立に、同一canonical URLが
	// フィード横断・サイクル横断で再観測された回数。
	SourceRepeat int
	State        NominationState
	FeedItemIDs  []string
	// Version は楽観的並行制御のトークン。更新のたびに加算される。
	Version       int64
	DateNominated time.Time
	LastModified  time.Time
}

// HasNominator は指定の識別子が既にノミネーター集合に含まれるかを返す。
func (n *Nomination) HasNominator(identity string) bool {
	for _, nom := range n.Nominators {
		if nom == identity {
			return true
		}
	}
	return false
}

// HasFeedItem は指定のFeedItem IDが既に関連付けられているかを返す。
func (n *Nomination) HasFeedItem(id string) bool {
	for _, fid := range n.FeedItemIDs {
		if fid == id {
			return true
		}
	}
	return false
}

// DraftPayload はドラフト生成コラボレーターへ渡すマージ済みペイロードを表す。
type DraftPayload struct {
	NominationID    string    `json:"nomination_id"`
	CanonicalURL    string    `json:"canonical_url"`
	Title           string    `json:"title"`
	Content         string    `json:"content"`
	Tags            []string  `json:"tags"`
	Nominators      []string  `json:"nominators"`
	NominationCount int       `json:"nomination_count"`
	SourceRepeat    int       `json:"source_repeat"`
	DateNominated   time.Time `json:"date_nominated"`
}
