// Package i18n は表示言語の選択を管理する。翻訳文字列そのものは持たない。
package i18n

import (
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/text/language"

	"github.com/yowxmods/yowx/internal/model"
)

// Language は選択可能な表示言語。
type Language struct {
	Code string `json:"code"`
	Name string `json:"name"`
	Flag string `json:"flag"`
}

// DefaultCode は既定の言語コード。
const DefaultCode = "en"

// 先頭が既定言語。matcherのタグと同じ順序で並べる。
var supported = []Language{
	{Code: "en", Name: "English", Flag: "🇺🇸"},
	{Code: "es", Name: "Español", Flag: "🇪🇸"},
	{Code: "vi", Name: "Tiếng Việt", Flag: "🇻🇳"},
}

var matcher = language.NewMatcher([]language.Tag{
	language.English,
	language.Spanish,
	language.Vietnamese,
})

// Supported は選択可能な言語の一覧を返す。
func Supported() []Language {
	return slices.Clone(supported)
}

// Lookup は言語コードに対応する言語を返す。
func Lookup(code string) (Language, bool) {
	i := slices.IndexFunc(supported, func(l Language) bool { return l.Code == code })
	if i < 0 {
		return Language{}, false
	}
	return supported[i], true
}

// Negotiate はAccept-Languageヘッダーから最も適した言語を選ぶ。
// 解釈できない場合や一致しない場合は既定言語を返す。
func Negotiate(acceptLanguage string) Language {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return supported[0]
	}
	_, idx, conf := matcher.Match(tags...)
	if conf == language.No {
		return supported[0]
	}
	return supported[idx]
}

// Switcher は現在の表示言語を保持する。
type Switcher struct {
	mu      sync.RWMutex
	current Language
	logger  *slog.Logger
}

// NewSwitcher はSwitcherを生成する。未対応の言語コードはエラーを返す。
func NewSwitcher(code string, logger *slog.Logger) (*Switcher, error) {
	if code == "" {
		code = DefaultCode
	}
	lang, ok := Lookup(code)
	if !ok {
		return nil, model.NewUnsupportedLanguageError(code)
	}
	return &Switcher{current: lang, logger: logger}, nil
}

// Current は現在の表示言語を返す。
func (s *Switcher) Current() Language {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Change は表示言語を切り替える。未対応の言語コードは現在の言語を変更せずエラーを返す。
func (s *Switcher) Change(code string) (Language, error) {
	lang, ok := Lookup(code)
	if !ok {
		return Language{}, model.NewUnsupportedLanguageError(code)
	}

	s.mu.Lock()
	prev := s.current
	s.current = lang
	s.mu.Unlock()

	if prev.Code != lang.Code {
		s.logger.Info("表示言語を変更しました",
			slog.String("from", prev.Code),
			slog.String("to", lang.Code),
		)
	}
	return lang, nil
}
