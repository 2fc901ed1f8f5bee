// Package session はプロセス全体で共有するセッション状態（Session Store）を提供する。
// 書き込みはこのパッケージのメソッド経由に限定し、読み取り側にはスナップショットを渡す。
package session

import (
	"log/slog"
	"sync"

	"github.com/yowxmods/yowx/internal/model"
)

// State はSession Storeの内容。Snapshotで得た値は呼び出し元が自由に扱ってよい。
type State struct {
	User    *model.AuthUser `json:"user"`
	Session *model.Session  `json:"-"`
	Loading bool            `json:"loading"`
}

func (s State) clone() State {
	return State{
		User:    s.User.Clone(),
		Session: s.Session.Clone(),
		Loading: s.Loading,
	}
}

// EventKind はStoreが配信するイベントの種別。
type EventKind string

const (
	// EventState は状態が変化したことを示す。Stateに変化後のスナップショットが入る。
	EventState EventKind = "state"
	// EventNotice はユーザー向けの一時的な通知。
	EventNotice EventKind = "notice"
)

// Event はサブスクライバーへ配信されるイベント。
type Event struct {
	Kind   EventKind     `json:"kind"`
	State  *State        `json:"state,omitempty"`
	Notice *model.Notice `json:"notice,omitempty"`
}

// Store はセッション状態を保持する。並行利用可能。
// サブスクライバーへの送信はノンブロッキングで、受信が追いつかない場合はイベントを捨てる。
type Store struct {
	logger *slog.Logger

	mu    sync.Mutex
	state State
	subs  map[int]chan Event
	next  int
}

// NewStore は初期状態（user/sessionなし、Loading=true）のStoreを生成する。
func NewStore(logger *slog.Logger) *Store {
	return &Store{
		logger: logger,
		state:  State{Loading: true},
		subs:   make(map[int]chan Event),
	}
}

// Snapshot は現在の状態のディープコピーを返す。
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// User は現在のユーザーのコピーを返す。未ログインならnil。
func (s *Store) User() *model.AuthUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.User.Clone()
}

// SetLoading はLoadingを更新する。
func (s *Store) SetLoading(loading bool) {
	s.update(func(st *State) bool {
		if st.Loading == loading {
			return false
		}
		st.Loading = loading
		return true
	})
}

// SetSession はセッションを置き換える。
func (s *Store) SetSession(sess *model.Session) {
	s.update(func(st *State) bool {
		st.Session = sess.Clone()
		return true
	})
}

// SetUser はユーザーを置き換える。
func (s *Store) SetUser(u *model.AuthUser) {
	s.update(func(st *State) bool {
		st.User = u.Clone()
		return true
	})
}

// UpdateUser は現在のユーザーにfnを適用する。ユーザーが居ない場合やfnがfalseを返した場合は
// 何もせずfalseを返す。fnはロック中に呼ばれるため、Storeのメソッドを呼んではならない。
func (s *Store) UpdateUser(fn func(u *model.AuthUser) bool) bool {
	applied := false
	s.update(func(st *State) bool {
		if st.User == nil {
			return false
		}
		u := st.User.Clone()
		if !fn(u) {
			return false
		}
		st.User = u
		applied = true
		return true
	})
	return applied
}

// Clear はユーザーとセッションを破棄する。
func (s *Store) Clear() {
	s.update(func(st *State) bool {
		if st.User == nil && st.Session == nil {
			return false
		}
		st.User = nil
		st.Session = nil
		return true
	})
}

// Notify はユーザー向けの通知を配信する。状態は変更しない。
func (s *Store) Notify(n model.Notice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcastLocked(Event{Kind: EventNotice, Notice: &n})
}

// Subscribe はイベントを受け取るチャネルと登録解除関数を返す。
// 登録直後に現在の状態がEventStateとして1件届く。
func (s *Store) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	snap := s.state.clone()
	ch <- Event{Kind: EventState, State: &snap}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// update はfnで状態を変更し、変更があればサブスクライバーへ配信する。
func (s *Store) update(fn func(st *State) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !fn(&s.state) {
		return
	}
	snap := s.state.clone()
	s.broadcastLocked(Event{Kind: EventState, State: &snap})
}

func (s *Store) broadcastLocked(ev Event) {
	for id, ch := range s.subs {
		out := ev
		if ev.State != nil {
			c := ev.State.clone()
			out.State = &c
		}
		select {
		case ch <- out:
		default:
			s.logger.Warn("サブスクライバーの受信が追いつかないためイベントを破棄しました",
				slog.Int("subscriber", id),
				slog.String("kind", string(ev.Kind)),
			)
		}
	}
}
