// Package model はドメインモデルを定義する。
package model

import "time"

// RetrievalFailure は取得サイクル中に発生した個別の失敗を表す。
// 失敗は購読・アイテム単位で隔離され、サイクル全体を中断しない。
type RetrievalFailure struct {
	SubscriptionID string
	FeedURL        string
	ItemLink       string // アイテム単位の失敗の場合のみ設定される
	Code           string
	Message        string
}

// RetrievalReport は1回の取得サイクルの集計結果を表す。
// キャンセルによる部分実行でも、それまでの集計を保持した状態で返される。
type RetrievalReport struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Partial    bool // キャンセルにより途中終了した場合にtrue

	SubscriptionsTotal   int
	SubscriptionsFetched int
	SubscriptionsSkipped int // 304未変更によるスキップ
	SubscriptionsFailed  int

	ItemsSeen    int
	ItemsNew     int
	ItemsRepeat  int
	ItemsSkipped int

	Failures []RetrievalFailure
}

// Duration は取得サイクルの所要時間を返す。
func (r *RetrievalReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
