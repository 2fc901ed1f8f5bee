package platform

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/yowxmods/yowx/internal/model"
)

// Error はホスト型バックエンドが返したエラーレスポンス。
// 認証API（GoTrue）とREST API（PostgREST）の両方の形式を1つにまとめる。
type Error struct {
	Status     int
	Code       string // PostgRESTのSQLSTATE、またはGoTrueの数値コード
	ErrorCode  string // GoTrueのerror_code（例: refresh_token_not_found）
	OAuthError string // OAuth形式のerror（例: invalid_grant）
	Message    string
	Details    string
	Hint       string
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "platform error %d", e.Status)
	if e.ErrorCode != "" {
		fmt.Fprintf(&b, " [%s]", e.ErrorCode)
	} else if e.Code != "" {
		fmt.Fprintf(&b, " [%s]", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// errorBody はエラーレスポンスの全形式を受け取るためのユニオン型。
type errorBody struct {
	Code             json.RawMessage `json:"code"`
	ErrorCode        string          `json:"error_code"`
	Msg              string          `json:"msg"`
	Message          string          `json:"message"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
	Details          string          `json:"details"`
	Hint             string          `json:"hint"`
}

// decodeError はステータスとボディから*Errorを組み立てる。
// ボディがJSONでない場合はステータステキストをメッセージにする。
func decodeError(status int, raw []byte) *Error {
	e := &Error{Status: status}

	var body errorBody
	if err := json.Unmarshal(raw, &body); err != nil {
		e.Message = http.StatusText(status)
		return e
	}

	e.Code = rawCode(body.Code)
	e.ErrorCode = body.ErrorCode
	e.OAuthError = body.Error
	e.Details = body.Details
	e.Hint = body.Hint

	for _, m := range []string{body.Msg, body.Message, body.ErrorDescription, body.Error} {
		if m != "" {
			e.Message = m
			break
		}
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

// rawCode はcodeフィールドを文字列化する。GoTrueは数値、PostgRESTは文字列を返す。
func rawCode(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// StatusOf はエラーチェーン中の*Errorのステータスを返す。見つからなければ0。
func StatusOf(err error) int {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Status
	}
	return 0
}

// ErrorMessage はユーザーや運用者に見せるためのメッセージをエラーチェーンから取り出す。
// 分類済みの認証エラー、バックエンドのエラー、その他の順に探す。
func ErrorMessage(err error) string {
	var authErr *model.AuthError
	if errors.As(err, &authErr) && authErr.Message != "" {
		return authErr.Message
	}
	var perr *Error
	if errors.As(err, &perr) && perr.Message != "" {
		return perr.Message
	}
	return err.Error()
}
