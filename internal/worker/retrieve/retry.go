package retrieve

import (
	"fmt"
	"time"

	"github.com/hitoshi/nomikura/internal/model"
)

// FetchResult はHTTPステータスコードに基づくフェッチ結果の分類。
type FetchResult int

const (
	// FetchResultOK はフェッチ成功（200）。
	FetchResultOK FetchResult = iota
	// FetchResultNotModified はコンテンツ未変更（304）。
	FetchResultNotModified
	// FetchResultStop はフェッチ停止が必要なステータス（404/410/401/403）。
	FetchResultStop
	// FetchResultBackoff はバックオフが必要なステータス（429/5xx）。
	FetchResultBackoff
	// FetchResultUnknown は未知のステータスコード。
	FetchResultUnknown
)

const (
	// initialBackoff は指数バックオフの初回遅延（30分）。
	initialBackoff = 30 * time.Minute
	// maxBackoff は指数バックオフの最大遅延（12時間）。
	maxBackoff = 12 * time.Hour
	// parseFailureThreshold はパース失敗によるフェッチ停止の閾値。
	parseFailureThreshold = 10
)

// ClassifyHTTPStatus はHTTPステータスコードをフェッチ結果に分類する。
func ClassifyHTTPStatus(statusCode int) FetchResult {
	switch {
	case statusCode == 200:
		return FetchResultOK
	case statusCode == 304:
		return FetchResultNotModified
	case statusCode == 404 || statusCode == 410:
		return FetchResultStop
	case statusCode == 401 || statusCode == 403:
		return FetchResultStop
	case statusCode == 429:
		return FetchResultBackoff
	case statusCode >= 500:
		return FetchResultBackoff
	default:
		return FetchResultUnknown
	}
}

// CalculateBackoff は連続エラー回数に基づいて指数バックオフ遅延を計算する。
// 初回30分、2倍ずつ増加、最大12時間。
func CalculateBackoff(consecutiveErrors int) time.Duration {
	delay := initialBackoff
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// ApplyStopSubscription は購読のフェッチを停止する。
// fetch_statusをstoppedに設定し、エラーメッセージを記録する。
func ApplyStopSubscription(sub *model.Subscription, reason string) {
	sub.FetchStatus = model.FetchStatusStopped
	sub.ErrorMessage = reason
	sub.UpdatedAt = time.Now()
}

// ApplyBackoff は購読にバックオフ戦略を適用する。
// 連続エラー回数をインクリメントし、指数バックオフでnext_fetch_atを設定する。
func ApplyBackoff(sub *model.Subscription, reason string) {
	sub.ConsecutiveErrors++
	sub.ErrorMessage = reason
	delay := CalculateBackoff(sub.ConsecutiveErrors - 1)
	sub.NextFetchAt = time.Now().Add(delay)
	sub.UpdatedAt = time.Now()
}

// ApplySuccess はフェッチ成功時に購読の状態をリセットする。
// 連続エラー回数を0にリセットし、エラーメッセージをクリアする。
// intervalに基づいてnext_fetch_atを設定する。
func ApplySuccess(sub *model.Subscription, interval time.Duration) {
	sub.ConsecutiveErrors = 0
	sub.ErrorMessage = ""
	sub.NextFetchAt = time.Now().Add(interval)
	sub.UpdatedAt = time.Now()
}

// CheckParseFailureThreshold はパース失敗回数が閾値に達しているかを確認する。
func CheckParseFailureThreshold(sub *model.Subscription) bool {
	return sub.ConsecutiveErrors >= parseFailureThreshold
}

// ApplyParseFailure はパース失敗時に購読の連続エラー回数をインクリメントする。
// 閾値に達した場合はフェッチを停止する。
func ApplyParseFailure(sub *model.Subscription, reason string) {
	sub.ConsecutiveErrors++
	sub.ErrorMessage = fmt.Sprintf("パース失敗 (%d回連続): %s", sub.ConsecutiveErrors, reason)
	sub.UpdatedAt = time.Now()

	if CheckParseFailureThreshold(sub) {
		sub.FetchStatus = model.FetchStatusStopped
		sub.ErrorMessage = fmt.Sprintf("パース失敗が%d回連続したためフェッチを停止しました: %s", sub.ConsecutiveErrors, reason)
	}
}
