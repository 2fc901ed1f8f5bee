// Package diagnostics は運用者向けの診断メッセージを外部チャネルへ非同期に転送する。
// 送信の失敗や溢れは呼び出し元に影響させない。
package diagnostics

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Severity は診断メッセージの重要度。
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Recorder は診断メッセージを記録する。実装は呼び出し元をブロックしてはならない。
type Recorder interface {
	Record(message string, severity Severity)
}

// Recordf はフォーマット済みのメッセージを記録する。
func Recordf(r Recorder, severity Severity, format string, args ...any) {
	r.Record(fmt.Sprintf(format, args...), severity)
}

// Message は転送される1件の診断メッセージ。
type Message struct {
	Text     string
	Severity Severity
	Time     time.Time
}

// Format は外部チャネルに載せる1行表現を返す。
func (m Message) Format() string {
	return fmt.Sprintf("[%s] %s", strings.ToUpper(string(m.Severity)), m.Text)
}

// Transport は診断メッセージの送信先。
type Transport interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Metrics は送信結果の記録先。metrics.MetricsCollectorが実装する。
type Metrics interface {
	RecordDiagnosticSent(transport string)
	RecordDiagnosticDropped(reason string)
}

// 破棄理由のラベル値
const (
	DropQueueFull = "queue_full"
	DropClosed    = "closed"
	DropTransport = "transport_error"
)

// SinkConfig はAsyncSinkの設定パラメータ。
type SinkConfig struct {
	// QueueSize はキューに保持できる最大件数（デフォルト: 256）。
	QueueSize int
	// RatePerSec は1秒あたりの最大送信件数（デフォルト: 0.5）。Webhookの受信側制限に合わせる。
	RatePerSec float64
	// Burst は連続送信を許容する件数（デフォルト: 5）。
	Burst int
	// SendTimeout は1件の送信にかける上限時間（デフォルト: 10秒）。
	SendTimeout time.Duration
}

// AsyncSink はRecorderの非同期実装。有限キューに積み、Runのgoroutineが
// レート制限付きでTransportへ送信する。キューが満杯の場合は破棄する。
type AsyncSink struct {
	transport Transport
	logger    *slog.Logger
	metrics   Metrics
	limiter   *rate.Limiter
	timeout   time.Duration
	now       func() time.Time

	mu     sync.RWMutex
	queue  chan Message
	closed bool
}

// NewAsyncSink はAsyncSinkの新しいインスタンスを生成する。
func NewAsyncSink(transport Transport, logger *slog.Logger, metrics Metrics, cfg SinkConfig) *AsyncSink {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 0.5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &AsyncSink{
		transport: transport,
		logger:    logger,
		metrics:   metrics,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		timeout:   cfg.SendTimeout,
		now:       time.Now,
		queue:     make(chan Message, cfg.QueueSize),
	}
}

// Record はメッセージをキューに積む。キューが満杯またはClose済みの場合は破棄する。
func (s *AsyncSink) Record(message string, severity Severity) {
	msg := Message{Text: message, Severity: severity, Time: s.now()}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.drop(msg, DropClosed)
		return
	}
	select {
	case s.queue <- msg:
	default:
		s.drop(msg, DropQueueFull)
	}
}

// Run はキューからメッセージを取り出して送信する。
// コンテキストがキャンセルされるか、Close後にキューが空になるまで実行を継続する。
func (s *AsyncSink) Run(ctx context.Context) {
	s.logger.Info("診断メッセージの転送を開始しました",
		slog.String("transport", s.transport.Name()),
	)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("診断メッセージの転送を停止しました")
			return
		case msg, ok := <-s.queue:
			if !ok {
				s.logger.Info("診断メッセージの転送を停止しました")
				return
			}
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			s.send(ctx, msg)
		}
	}
}

// Close は新規メッセージの受付を停止する。キューに残ったメッセージはRunが送信する。
func (s *AsyncSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.queue)
}

func (s *AsyncSink) send(ctx context.Context, msg Message) {
	sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.transport.Send(sendCtx, msg); err != nil {
		s.logger.Debug("診断メッセージの送信に失敗しました",
			slog.String("transport", s.transport.Name()),
			slog.String("error", err.Error()),
		)
		s.metrics.RecordDiagnosticDropped(DropTransport)
		return
	}
	s.metrics.RecordDiagnosticSent(s.transport.Name())
}

func (s *AsyncSink) drop(msg Message, reason string) {
	s.logger.Debug("診断メッセージを破棄しました",
		slog.String("reason", reason),
		slog.String("severity", string(msg.Severity)),
	)
	s.metrics.RecordDiagnosticDropped(reason)
}

// Nop は全てのメッセージを捨てるRecorder。
type Nop struct{}

func (Nop) Record(string, Severity) {}
