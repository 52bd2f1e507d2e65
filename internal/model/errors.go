// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// PipelineError は取り込みパイプラインの統一エラーフォーマットを表す。
// エラーの原因カテゴリとリトライ可否の判断に使用するコードを含む。
type PipelineError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: resolve, extract, parse, normalize, store, validation
	Cause    error  // 元になったエラー（存在する場合）
}

// Error はerrorインターフェースを実装する。
func (e *PipelineError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap はラップされた元エラーを返す。errors.Is/Asによる判定に使用する。
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// 定義済みエラーコード
const (
	ErrCodeUnreachableSource   = "UNREACHABLE_SOURCE"
	ErrCodeRedirectLoop        = "REDIRECT_LOOP"
	ErrCodeRedirectLimit       = "REDIRECT_LIMIT_EXCEEDED"
	ErrCodeParseFailed         = "PARSE_FAILED"
	ErrCodeExtractionFailed    = "EXTRACTION_FAILED"
	ErrCodeNormalizationFailed = "NORMALIZATION_FAILED"
	ErrCodeConcurrentUpdate    = "CONCURRENT_UPDATE_CONFLICT"
	ErrCodeStoreUnavailable    = "STORE_UNAVAILABLE"
	ErrCodeInvalidURL          = "INVALID_URL"
	ErrCodeSSRFBlocked         = "SSRF_BLOCKED"
	ErrCodeNominationNotFound  = "NOMINATION_NOT_FOUND"
)

// ErrorCode はエラーからPipelineErrorのコードを取り出す。
// PipelineErrorでない場合は空文字列を返す。
func ErrorCode(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsCode はエラーが指定コードのPipelineErrorかどうかを判定する。
func IsCode(err error, code string) bool {
	return ErrorCode(err) == code
}

// NewUnreachableSourceError は取得先に到達できない場合のエラーを生成する。
// タイムアウト、DNS解決失敗、非2xx終端レスポンスが対象。
// 取得サイクル全体には致命的でなく、該当アイテムのみスキップされる。
func NewUnreachableSourceError(url string, cause error) *PipelineError {
	return &PipelineError{
		Code:     ErrCodeUnreachableSource,
		Message:  fmt.Sprintf("取得先に到達できません: %s", url),
		Category: "resolve",
		Cause:    cause,
	}
}

// NewRedirectLoopError はリダイレクトチェーンに循環を検出した場合のエラーを生成する。
func NewRedirectLoopError(url string) *PipelineError {
	return &PipelineError{
		Code:     ErrCodeRedirectLoop,
		Message:  fmt.Sprintf("リダイレクトチェーンに循環を検出しました: %s", url),
		Category: "resolve",
	}
}

// NewRedirectLimitError はリダイレクトのホップ数上限を超過した場合のエラーを生成する。
func NewRedirectLimitError(url string, maxHops int) *PipelineError {
	return &PipelineError{
		Code:     ErrCodeRedirectLimit,
		Message:  fmt.Sprintf("リダイレクトのホップ数上限（%d回）を超過しました: %s", maxHops, url),
		Category: "resolve",
	}
}

// NewParseError はフィードドキュメントの構造解析に失敗した場合のエラーを生成する。
// 当該サイクルのフィード全体が失敗するが、スケジューラレベルでは非致命。
func NewParseError(feedURL string, cause error) *PipelineError {
	return &PipelineError{
		Code:     ErrCodeParseFailed,
		Message:  fmt.Sprintf("フィードの解析に失敗しました: %s", feedURL),
		Category: "parse",
		Cause:    cause,
	}
}

// NewExtractionError は本文抽出が回復不能な入力で失敗した場合のエラーを生成する。
// 呼び出し元はフィード宣言のサマリーへフォールバックする。
func NewExtractionError(url string, cause error) *PipelineError {
	return &PipelineError{
		Code:     ErrCodeExtractionFailed,
		Message:  fmt.Sprintf("本文の抽出に失敗しました: %s", url),
		Category: "extract",
		Cause:    cause,
	}
}

// NewNormalizationError はアイテムの正規化に失敗した場合のエラーを生成する。
func NewNormalizationError(reason string, cause error) *PipelineError {
	return &PipelineError{
		Code:     ErrCodeNormalizationFailed,
		Message:  fmt.Sprintf("アイテムの正規化に失敗しました: %s", reason),
		Category: "normalize",
		Cause:    cause,
	}
}

// NewConcurrentUpdateError は楽観的並行制御の競合を表すエラーを生成する。
// 重複排除エンジン内部でリトライされ、ユーザーには直接露出しない。
func NewConcurrentUpdateError(canonicalKey string) *PipelineError {
	return &PipelineError{
		Code:     ErrCodeConcurrentUpdate,
		Message:  fmt.Sprintf("バージョン競合により更新が拒否されました: %s", canonicalKey),
		Category: "store",
	}
}

// NewStoreUnavailableError はストアへの永続化が継続的に失敗した場合のエラーを生成する。
// 競合リトライの上限到達時にも使用される。
func NewStoreUnavailableError(cause error) *PipelineError {
	return &PipelineError{
		Code:     ErrCodeStoreUnavailable,
		Message:  "ストアへのアクセスに失敗しました。",
		Category: "store",
		Cause:    cause,
	}
}

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *PipelineError {
	return &PipelineError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: "validation",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError(url string) *PipelineError {
	return &PipelineError{
		Code:     ErrCodeSSRFBlocked,
		Message:  fmt.Sprintf("セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました: %s", url),
		Category: "validation",
	}
}

// NewNominationNotFoundError はノミネーションが見つからない場合のエラーを生成する。
func NewNominationNotFoundError(id string) *PipelineError {
	return &PipelineError{
		Code:     ErrCodeNominationNotFound,
		Message:  fmt.Sprintf("指定されたノミネーションが見つかりません: %s", id),
		Category: "validation",
	}
}
