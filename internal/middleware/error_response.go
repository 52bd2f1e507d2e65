package middleware

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hitoshi/nomikura/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// パイプラインのエラーコードと原因カテゴリを含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category,omitempty"`
}

// statusForCode はパイプラインエラーコードをHTTPステータスへ対応付ける。
func statusForCode(code string) int {
	switch code {
	case model.ErrCodeInvalidURL:
		return http.StatusBadRequest
	case model.ErrCodeSSRFBlocked:
		return http.StatusUnprocessableEntity
	case model.ErrCodeNominationNotFound:
		return http.StatusNotFound
	case model.ErrCodeUnreachableSource,
		model.ErrCodeRedirectLoop,
		model.ErrCodeRedirectLimit:
		return http.StatusBadGateway
	case model.ErrCodeConcurrentUpdate:
		return http.StatusConflict
	case model.ErrCodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WritePipelineError はPipelineErrorを統一フォーマットのJSONレスポンスとして書き込む。
// PipelineErrorでない場合は内部エラーとして扱う。
func WritePipelineError(w http.ResponseWriter, err error) {
	var pe *model.PipelineError
	if !errors.As(err, &pe) {
		WriteInternalServerError(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForCode(pe.Code))
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     pe.Code,
		Message:  pe.Message,
		Category: pe.Category,
	})
}

// WriteErrorResponse は任意のコードとメッセージでエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:    code,
		Message: message,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、クライアントには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError,
		"INTERNAL_ERROR", "内部エラーが発生しました。")
}
