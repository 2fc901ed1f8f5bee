// Package platform はホスト型バックエンド（Supabase互換）へのHTTPアダプタを提供する。
// 認証、テーブル行の読み書き、RPC、Realtimeブロードキャストを1つのクライアントで扱う。
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// maxResponseSize はレスポンスボディの読み取り上限。
const maxResponseSize = 1 << 20

// Config はクライアントの接続設定。
type Config struct {
	BaseURL string        // 例: https://xyz.supabase.co
	APIKey  string        // anon key
	Timeout time.Duration // 1リクエストあたりの上限時間。0以下なら呼び出し元のcontextのみ
}

// TokenSource は現在のアクセストークンを提供する。
// ログイン中はユーザーのトークン、未ログイン時は空文字列を返す。
type TokenSource interface {
	AccessToken() string
}

// Observer はリモート呼び出しの結果を受け取る（メトリクス用）。
type Observer interface {
	ObserveRemoteCall(op string, duration time.Duration, err error)
}

// Client はホスト型バックエンドのクライアント。並行利用可能。
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	mu       sync.RWMutex
	tokens   TokenSource
	observer Observer
}

// NewClient はClientの新しいインスタンスを生成する。
// httpClientがnilの場合はhttp.DefaultClientを使用する。
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger,
	}
}

// SetTokenSource はREST/RPC呼び出しで使用するトークン提供元を設定する。
func (c *Client) SetTokenSource(ts TokenSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = ts
}

// SetObserver はリモート呼び出しの観測先を設定する。
func (c *Client) SetObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = o
}

// request は1回のリモート呼び出しの内容。
type request struct {
	op      string // メトリクスとログに使う操作名
	method  string
	path    string
	query   url.Values
	body    any
	token   string // 空ならTokenSource、それも空ならanon key
	headers map[string]string
}

// do はリクエストを送信し、成功時はレスポンスをoutへデコードする。
// 4xx/5xxは*Errorとして返す。
func (c *Client) do(ctx context.Context, r request, out any) (err error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		c.mu.RLock()
		obs := c.observer
		c.mu.RUnlock()
		if obs != nil {
			obs.ObserveRemoteCall(r.op, time.Since(start), err)
		}
	}()

	endpoint := c.cfg.BaseURL + r.path
	if len(r.query) > 0 {
		endpoint += "?" + r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		payload, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("%s: リクエストボディのエンコードに失敗しました: %w", r.op, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, endpoint, body)
	if err != nil {
		return fmt.Errorf("%s: HTTPリクエストの作成に失敗しました: %w", r.op, err)
	}
	req.Header.Set("apikey", c.cfg.APIKey)
	req.Header.Set("Authorization", "Bearer "+c.bearer(r.token))
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("リモート呼び出しに失敗しました",
			slog.String("op", r.op),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%s: %w", r.op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%s: レスポンスボディの読み取りに失敗しました: %w", r.op, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		perr := decodeError(resp.StatusCode, raw)
		c.logger.Warn("リモートがエラーステータスを返しました",
			slog.String("op", r.op),
			slog.Int("http_status", resp.StatusCode),
			slog.String("code", perr.Code),
			slog.String("error_code", perr.ErrorCode),
		)
		return perr
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: レスポンスJSONのパースに失敗しました: %w", r.op, err)
	}
	return nil
}

func (c *Client) bearer(explicit string) string {
	if explicit != "" {
		return explicit
	}
	c.mu.RLock()
	ts := c.tokens
	c.mu.RUnlock()
	if ts != nil {
		if tok := ts.AccessToken(); tok != "" {
			return tok
		}
	}
	return c.cfg.APIKey
}
