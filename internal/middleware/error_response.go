package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/tsudoi/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// statusByCode はAPIErrorのコードに対応するHTTPステータス。
var statusByCode = map[string]int{
	model.ErrCodeUnauthorized:     http.StatusUnauthorized,
	model.ErrCodeForbidden:        http.StatusForbidden,
	model.ErrCodeCSRFInvalid:      http.StatusForbidden,
	model.ErrCodeUserNotFound:     http.StatusNotFound,
	model.ErrCodeIdentityNotFound: http.StatusNotFound,
	model.ErrCodeProviderNotFound: http.StatusNotFound,
	model.ErrCodeLastIdentity:     http.StatusConflict,
	model.ErrCodeMergeSameUser:    http.StatusBadRequest,
	model.ErrCodeInvalidRequest:   http.StatusBadRequest,
	model.ErrCodeRateLimited:      http.StatusTooManyRequests,
}

// StatusForError はAPIErrorのHTTPステータスを返す。未知のコードは500。
func StatusForError(apiErr *model.APIError) int {
	if status, ok := statusByCode[apiErr.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteAPIError はコードから決まるステータスでAPIErrorを書き込む。
func WriteAPIError(w http.ResponseWriter, apiErr *model.APIError) {
	WriteErrorResponse(w, StatusForError(apiErr), apiErr)
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     model.ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}
