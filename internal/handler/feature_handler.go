package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/yowxmods/yowx/internal/i18n"
	"github.com/yowxmods/yowx/internal/leaderboard"
	"github.com/yowxmods/yowx/internal/model"
)

// LeaderboardSource は保持しているランキングを返す。leaderboard.Readerが実装する。
type LeaderboardSource interface {
	Snapshot() leaderboard.Snapshot
}

// BugReportSubmitter はバグレポートの送信インターフェース。
type BugReportSubmitter interface {
	Submit(ctx context.Context, message string) (*model.BugReport, error)
}

// LanguageSwitcher は表示言語の取得と変更のインターフェース。i18n.Switcherが実装する。
type LanguageSwitcher interface {
	Current() i18n.Language
	Change(code string) (i18n.Language, error)
}

// FeatureHandler はリーダーボード、バグレポート、表示言語のHTTPハンドラー。
type FeatureHandler struct {
	leaderboard LeaderboardSource
	bugReports  BugReportSubmitter
	languages   LanguageSwitcher
	logger      *slog.Logger
}

// NewFeatureHandler はFeatureHandlerを生成する。
func NewFeatureHandler(
	lb LeaderboardSource,
	bugReports BugReportSubmitter,
	languages LanguageSwitcher,
	logger *slog.Logger,
) *FeatureHandler {
	return &FeatureHandler{
		leaderboard: lb,
		bugReports:  bugReports,
		languages:   languages,
		logger:      logger,
	}
}

// Leaderboard は最後に取得したランキングを返す。
// GET /api/leaderboard
func (h *FeatureHandler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.leaderboard.Snapshot())
}

type bugReportRequest struct {
	Message string `json:"message"`
}

// SubmitBugReport はバグレポートを送信する。
// POST /api/bug-reports
func (h *FeatureHandler) SubmitBugReport(w http.ResponseWriter, r *http.Request) {
	var req bugReportRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	report, err := h.bugReports.Submit(r.Context(), req.Message)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, report)
}

type languagesResponse struct {
	Current   i18n.Language   `json:"current"`
	Suggested i18n.Language   `json:"suggested"`
	Supported []i18n.Language `json:"supported"`
}

// Languages は選択中の言語と選択肢を返す。
// suggestedはAccept-Languageヘッダーから選んだ言語。
// GET /api/languages
func (h *FeatureHandler) Languages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, languagesResponse{
		Current:   h.languages.Current(),
		Suggested: i18n.Negotiate(r.Header.Get("Accept-Language")),
		Supported: i18n.Supported(),
	})
}

type changeLanguageRequest struct {
	Code string `json:"code"`
}

// ChangeLanguage は表示言語を変更する。
// PUT /api/language
func (h *FeatureHandler) ChangeLanguage(w http.ResponseWriter, r *http.Request) {
	var req changeLanguageRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	lang, err := h.languages.Change(req.Code)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, lang)
}
