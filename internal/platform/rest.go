package platform

import (
	"context"
	"net/http"
	"net/url"
)

// Select はテーブルの行を取得する。queryにはPostgRESTのフィルタを指定する。
// 例: url.Values{"id": {"eq.<uuid>"}, "select": {"*"}}
func (c *Client) Select(ctx context.Context, table string, query url.Values, out any) error {
	return c.do(ctx, request{
		op:     "rest.select." + table,
		method: http.MethodGet,
		path:   "/rest/v1/" + url.PathEscape(table),
		query:  query,
	}, out)
}

// Insert はテーブルに1行を挿入する。挿入結果は返さない。
func (c *Client) Insert(ctx context.Context, table string, row any) error {
	return c.do(ctx, request{
		op:      "rest.insert." + table,
		method:  http.MethodPost,
		path:    "/rest/v1/" + url.PathEscape(table),
		body:    row,
		headers: map[string]string{"Prefer": "return=minimal"},
	}, nil)
}

// RPC はデータベース関数を呼び出す。outがnilの場合は戻り値を捨てる。
func (c *Client) RPC(ctx context.Context, fn string, args any, out any) error {
	if args == nil {
		args = map[string]any{}
	}
	return c.do(ctx, request{
		op:     "rpc." + fn,
		method: http.MethodPost,
		path:   "/rest/v1/rpc/" + url.PathEscape(fn),
		body:   args,
	}, out)
}

// broadcastMessage はRealtimeブロードキャストAPIの1メッセージ。
type broadcastMessage struct {
	Topic   string `json:"topic"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// Broadcast はRealtimeチャネルへイベントを1件送信する。
func (c *Client) Broadcast(ctx context.Context, topic, event string, payload any) error {
	return c.do(ctx, request{
		op:     "realtime.broadcast",
		method: http.MethodPost,
		path:   "/realtime/v1/api/broadcast",
		body: map[string][]broadcastMessage{
			"messages": {{Topic: topic, Event: event, Payload: payload}},
		},
	}, nil)
}
