package handler

import (
	"net/http"
	"strings"

	"github.com/yowxmods/yowx/internal/middleware"
	"github.com/yowxmods/yowx/internal/model"
)

// View は画面の種別。
type View string

const (
	ViewHome      View = "home"
	ViewBugReport View = "bug_report"
	ViewAdmin     View = "admin"
	ViewNotFound  View = "not_found"
)

// ViewDescriptor はナビゲーションのパスに対応する表示内容。
type ViewDescriptor struct {
	Path      string `json:"path"`
	View      View   `json:"view"`
	ActiveTab string `json:"active_tab,omitempty"`
}

// navigation はUIのパスと画面の対応表。/leaderboardはAFKタブ内に表示される。
var navigation = []ViewDescriptor{
	{Path: "/", View: ViewHome},
	{Path: "/free-key", View: ViewHome},
	{Path: "/spin", View: ViewHome, ActiveTab: "spin"},
	{Path: "/shop", View: ViewHome, ActiveTab: "shop"},
	{Path: "/afk-farm", View: ViewHome, ActiveTab: "afk"},
	{Path: "/leaderboard", View: ViewHome, ActiveTab: "afk"},
	{Path: "/games/mines", View: ViewHome, ActiveTab: "games"},
	{Path: "/bug-report", View: ViewBugReport},
	{Path: "/admin", View: ViewAdmin},
}

// ResolveView はパスに対応する画面を返す。該当しない場合はfalseを返す。
func ResolveView(path string) (ViewDescriptor, bool) {
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	for _, d := range navigation {
		if d.Path == path {
			return d, true
		}
	}
	return ViewDescriptor{Path: path, View: ViewNotFound}, false
}

// ViewHandler はナビゲーションのパスを画面情報に変換する。
// GET /, /spin, ... および未定義のパス
func ViewHandler(w http.ResponseWriter, r *http.Request) {
	d, ok := ResolveView(r.URL.Path)
	if !ok {
		writeJSON(w, http.StatusNotFound, d)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// NotFoundHandler はルーターに登録されていないパスを処理する。
// /api配下は統一エラーフォーマット、それ以外は画面情報を返す。
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api" || strings.HasPrefix(r.URL.Path, "/api/") {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewNotFoundError(r.URL.Path))
		return
	}
	ViewHandler(w, r)
}
