package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/yowxmods/yowx/internal/middleware"
	"github.com/yowxmods/yowx/internal/session"
)

const (
	eventBufferSize          = 32
	defaultKeepAliveInterval = 25 * time.Second
)

// EventSource はSession Storeのイベント購読インターフェース。session.Storeが実装する。
type EventSource interface {
	Subscribe(buffer int) (<-chan session.Event, func())
}

// EventsHandler はSession Storeのイベントをserver-sent eventsで配信する。
type EventsHandler struct {
	source    EventSource
	logger    *slog.Logger
	keepAlive time.Duration
	done      <-chan struct{}
}

// NewEventsHandler はEventsHandlerを生成する。keepAliveが0以下の場合は既定値を使う。
// doneがcloseされると配信中のストリームをすべて終了する。nilの場合は終了しない。
func NewEventsHandler(source EventSource, logger *slog.Logger, keepAlive time.Duration, done <-chan struct{}) *EventsHandler {
	if keepAlive <= 0 {
		keepAlive = defaultKeepAliveInterval
	}
	return &EventsHandler{
		source:    source,
		logger:    logger,
		keepAlive: keepAlive,
		done:      done,
	}
}

// Stream は接続直後に現在の状態を送り、以降の状態変化と通知を送り続ける。
// GET /api/events
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		middleware.WriteInternalServerError(w)
		return
	}

	events, unsubscribe := h.source.Subscribe(eventBufferSize)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				h.logger.Debug("イベントの送信に失敗しました", slog.String("error", err.Error()))
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev session.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
	return err
}
