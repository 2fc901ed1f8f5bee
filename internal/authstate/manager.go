// Package authstate はログインセッションのライフサイクルを管理する。
// セッションの永続化、期限前の透過的なトークンリフレッシュ、
// セッション変更イベントのリスナーへの配信を担う。
package authstate

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/yowxmods/yowx/internal/model"
	"github.com/yowxmods/yowx/internal/platform"
)

// AuthAPI は認証基盤への呼び出しインターフェース。
// platform.Clientが実装する。テスト時にモックに差し替え可能。
type AuthAPI interface {
	SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error)
	SignUp(ctx context.Context, email, password, username string) (*model.Session, error)
	SignOut(ctx context.Context, accessToken string) error
	RefreshSession(ctx context.Context, refreshToken string) (*model.Session, error)
	GetUser(ctx context.Context, accessToken string) (*model.Identity, error)
}

// EventType はセッション変更イベントの種別。
type EventType string

const (
	EventInitialSession EventType = "INITIAL_SESSION"
	EventSignedIn       EventType = "SIGNED_IN"
	EventSignedOut      EventType = "SIGNED_OUT"
	EventTokenRefreshed EventType = "TOKEN_REFRESHED"
)

// Event はセッション変更イベント。Sessionはリスナーごとのコピー。
// Errはセッションが失効したことでイベントが発生した場合に設定される。
type Event struct {
	Type    EventType
	Session *model.Session
	Err     error
}

// Listener はセッション変更イベントを受け取る関数。
// 呼び出しはイベント発生元のgoroutineで同期的に行われる。
type Listener func(ctx context.Context, ev Event)

// Options はManagerの動作パラメータ。
type Options struct {
	// RefreshMargin は有効期限のどれだけ前にリフレッシュするか（デフォルト: 60秒）。
	RefreshMargin time.Duration
	// RetryInterval は一時的なエラーでリフレッシュに失敗した場合の再試行間隔（デフォルト: 10秒）。
	RetryInterval time.Duration
}

// Manager はログインセッションを保持し、期限前に自動でリフレッシュする。
type Manager struct {
	api     AuthAPI
	storage Storage
	logger  *slog.Logger
	opts    Options
	now     func() time.Time

	mu      sync.RWMutex
	session *model.Session

	lmu       sync.Mutex
	listeners map[int]Listener
	nextID    int
	started   bool
	baseCtx   context.Context

	kick chan struct{}
}

// NewManager はManagerの新しいインスタンスを生成する。
func NewManager(api AuthAPI, storage Storage, logger *slog.Logger, opts Options) *Manager {
	if opts.RefreshMargin <= 0 {
		opts.RefreshMargin = 60 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 10 * time.Second
	}
	if storage == nil {
		storage = NewMemoryStorage()
	}
	return &Manager{
		api:       api,
		storage:   storage,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
		listeners: make(map[int]Listener),
		kick:      make(chan struct{}, 1),
	}
}

// Subscribe はリスナーを登録し、登録解除関数を返す。
// Start後に登録した場合は現在のセッションでINITIAL_SESSIONを即時に受け取る。
func (m *Manager) Subscribe(l Listener) (unsubscribe func()) {
	m.lmu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	started, base := m.started, m.baseCtx
	m.lmu.Unlock()

	if started {
		l(base, Event{Type: EventInitialSession, Session: m.Session()})
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.lmu.Lock()
			delete(m.listeners, id)
			m.lmu.Unlock()
		})
	}
}

// Start は保存済みセッションを復元してINITIAL_SESSIONを配信し、
// コンテキストがキャンセルされるまでリフレッシュループを実行するgoroutineを起動する。
func (m *Manager) Start(ctx context.Context) {
	var initErr error

	stored, err := m.storage.Load(ctx)
	if err != nil {
		m.logger.Warn("保存済みセッションの読み込みに失敗しました",
			slog.String("error", err.Error()),
		)
		stored = nil
	}

	if stored != nil {
		m.setSession(stored)
		if stored.ExpiresWithin(m.now(), m.opts.RefreshMargin) {
			if err := m.refresh(ctx, false); err != nil {
				if model.IsSessionInvalid(err) {
					initErr = err
				} else {
					m.logger.Warn("起動時のセッションリフレッシュに失敗しました。後で再試行します",
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}

	m.lmu.Lock()
	m.started = true
	m.baseCtx = context.WithoutCancel(ctx)
	m.lmu.Unlock()

	m.emit(ctx, Event{Type: EventInitialSession, Session: m.Session(), Err: initErr})

	go m.refreshLoop(ctx)
}

// Session は現在のセッションのコピーを返す。未ログインならnil。
func (m *Manager) Session() *model.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.Clone()
}

// AccessToken は現在のアクセストークンを返す。未ログインなら空文字列。
// platform.TokenSourceを実装する。
func (m *Manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return ""
	}
	return m.session.AccessToken
}

// SignIn はパスワード認証でログインし、SIGNED_INを配信する。
func (m *Manager) SignIn(ctx context.Context, email, password string) (*model.Session, error) {
	s, err := m.api.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, err
	}
	m.establish(ctx, s)
	return s.Clone(), nil
}

// SignUp はアカウントを作成する。セッションが発行された場合はSIGNED_INを配信する。
// メール確認が必要な構成ではnilセッションを返す。
func (m *Manager) SignUp(ctx context.Context, email, password, username string) (*model.Session, error) {
	s, err := m.api.SignUp(ctx, email, password, username)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, nil
	}
	m.establish(ctx, s)
	return s.Clone(), nil
}

// SignOut はリモートのセッションを失効させ、ローカルのセッションを必ず破棄してSIGNED_OUTを配信する。
// リモートが既にセッションを失っている場合（401/403/404）はエラーとしない。
func (m *Manager) SignOut(ctx context.Context) error {
	token := m.AccessToken()

	var remoteErr error
	if token != "" {
		if err := m.api.SignOut(ctx, token); err != nil && !isGone(err) {
			remoteErr = err
			m.logger.Warn("リモートセッションの失効に失敗しました",
				slog.String("error", err.Error()),
			)
		}
	}

	m.clearLocal(ctx)
	m.emit(ctx, Event{Type: EventSignedOut})
	return remoteErr
}

// GetUser は現在のセッションに対応するユーザー情報を認証基盤から取得する。
func (m *Manager) GetUser(ctx context.Context) (*model.Identity, error) {
	token := m.AccessToken()
	if token == "" {
		return nil, model.ErrNotAuthenticated
	}
	return m.api.GetUser(ctx, token)
}

// Refresh は現在のセッションを即時にリフレッシュする。
func (m *Manager) Refresh(ctx context.Context) error {
	return m.refresh(ctx, true)
}

func (m *Manager) establish(ctx context.Context, s *model.Session) {
	m.setSession(s)
	m.save(ctx, s)
	m.emit(ctx, Event{Type: EventSignedIn, Session: s.Clone()})
	m.wake()
}

// refresh はリフレッシュトークンでセッションを更新する。
// セッション無効エラーの場合はローカルのセッションを破棄し、notifyがtrueならSIGNED_OUTを配信する。
func (m *Manager) refresh(ctx context.Context, notify bool) error {
	m.mu.RLock()
	cur := m.session.Clone()
	m.mu.RUnlock()
	if cur == nil {
		return model.ErrNotAuthenticated
	}

	next, err := m.api.RefreshSession(ctx, cur.RefreshToken)
	if err != nil {
		if model.IsSessionInvalid(err) && m.dropIfCurrent(ctx, cur.RefreshToken) {
			m.logger.Info("リフレッシュトークンが無効になったためセッションを破棄しました",
				slog.String("error", err.Error()),
			)
			if notify {
				m.emit(ctx, Event{Type: EventSignedOut, Err: err})
			}
		}
		return err
	}

	m.mu.Lock()
	// リフレッシュ中にサインアウトや別ユーザーでのログインがあった場合は結果を捨てる
	if m.session == nil || m.session.RefreshToken != cur.RefreshToken {
		m.mu.Unlock()
		return nil
	}
	if next.User.ID == "" {
		next.User = cur.User
	}
	m.session = next.Clone()
	m.mu.Unlock()

	m.save(ctx, next)
	if notify {
		m.emit(ctx, Event{Type: EventTokenRefreshed, Session: next.Clone()})
	}
	return nil
}

// refreshLoop は有効期限のRefreshMargin前にリフレッシュを実行する。
// セッションが無い間はwakeされるまで待機する。
func (m *Manager) refreshLoop(ctx context.Context) {
	retry := false
	for {
		var (
			timer  *time.Timer
			timerC <-chan time.Time
		)
		if d, ok := m.nextRefreshDelay(retry); ok {
			timer = time.NewTimer(d)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-m.kick:
			if timer != nil {
				timer.Stop()
			}
			retry = false
		case <-timerC:
			err := m.refresh(ctx, true)
			retry = err != nil && !model.IsSessionInvalid(err) && !errors.Is(err, model.ErrNotAuthenticated)
			if retry {
				m.logger.Warn("トークンのリフレッシュに失敗しました。再試行します",
					slog.String("error", err.Error()),
					slog.Duration("retry_in", m.opts.RetryInterval),
				)
			}
		}
	}
}

func (m *Manager) nextRefreshDelay(retry bool) (time.Duration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return 0, false
	}
	if retry {
		return m.opts.RetryInterval, true
	}
	d := m.session.ExpiresAt.Add(-m.opts.RefreshMargin).Sub(m.now())
	if d < 0 {
		d = 0
	}
	return d, true
}

func (m *Manager) wake() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Manager) setSession(s *model.Session) {
	m.mu.Lock()
	m.session = s.Clone()
	m.mu.Unlock()
}

// dropIfCurrent はrefreshTokenが現在のセッションのものであれば破棄する。
func (m *Manager) dropIfCurrent(ctx context.Context, refreshToken string) bool {
	m.mu.Lock()
	if m.session == nil || m.session.RefreshToken != refreshToken {
		m.mu.Unlock()
		return false
	}
	m.session = nil
	m.mu.Unlock()

	m.clearStorage(ctx)
	return true
}

func (m *Manager) clearLocal(ctx context.Context) {
	m.mu.Lock()
	m.session = nil
	m.mu.Unlock()
	m.clearStorage(ctx)
	m.wake()
}

func (m *Manager) save(ctx context.Context, s *model.Session) {
	if err := m.storage.Save(ctx, s); err != nil {
		m.logger.Warn("セッションの保存に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) clearStorage(ctx context.Context) {
	if err := m.storage.Clear(ctx); err != nil {
		m.logger.Warn("保存済みセッションの削除に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// emit は登録済みリスナーへ同期的にイベントを配信する。ロックは保持しない。
func (m *Manager) emit(ctx context.Context, ev Event) {
	m.lmu.Lock()
	// 登録順に配信する
	ls := make([]Listener, 0, len(m.listeners))
	for _, id := range slices.Sorted(maps.Keys(m.listeners)) {
		ls = append(ls, m.listeners[id])
	}
	m.lmu.Unlock()

	m.logger.Debug("セッションイベントを配信します",
		slog.String("event", string(ev.Type)),
		slog.Int("listeners", len(ls)),
	)
	for _, l := range ls {
		l(ctx, ev)
	}
}

// isGone はリモートでセッションが既に存在しないことを示すエラーかを返す。
func isGone(err error) bool {
	switch platform.StatusOf(err) {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return model.IsSessionInvalid(err)
}
