package diagnostics

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/IBM/sarama"
)

// discordContentLimit はDiscord Webhookのcontentの最大文字数。
const discordContentLimit = 2000

// WebhookTransport はDiscord互換のWebhookへJSONでPOSTする。
type WebhookTransport struct {
	url        string
	httpClient *http.Client
}

// NewWebhookTransport はWebhookTransportを生成する。
// httpClientにはSSRF防止付きのクライアントを渡すことを想定する。
func NewWebhookTransport(url string, httpClient *http.Client) *WebhookTransport {
	return &WebhookTransport{url: url, httpClient: httpClient}
}

func (w *WebhookTransport) Name() string { return "webhook" }

// Send は{"content": "..."}をPOSTする。2xx以外はエラーとする。
func (w *WebhookTransport) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(map[string]string{
		"content": truncateRunes(msg.Format(), discordContentLimit),
	})
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// truncateRunes はsを最大n文字に切り詰める。切り詰めた場合は末尾を…にする。
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}

// KafkaTransport は診断メッセージをKafkaトピックへ送信する。
type KafkaTransport struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaTransport はKafkaTransportを生成する。
func NewKafkaTransport(producer sarama.SyncProducer, topic string) *KafkaTransport {
	return &KafkaTransport{producer: producer, topic: topic}
}

// NewKafkaProducer はブローカー群へのSyncProducerを生成する。
func NewKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 3
	cfg.ClientID = "yowx-diagnostics"
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return producer, nil
}

func (k *KafkaTransport) Name() string { return "kafka" }

// kafkaRecord はKafkaに載せるメッセージ本文。
type kafkaRecord struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Time     string   `json:"time"`
}

// Send は重要度をキーにしてJSONを送信する。
func (k *KafkaTransport) Send(_ context.Context, msg Message) error {
	value, err := json.Marshal(kafkaRecord{
		Severity: msg.Severity,
		Message:  msg.Text,
		Time:     msg.Time.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	})
	if err != nil {
		return fmt.Errorf("failed to encode kafka record: %w", err)
	}
	_, _, err = k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(msg.Severity),
		Value: sarama.ByteEncoder(value),
	})
	if err != nil {
		return fmt.Errorf("failed to send kafka message: %w", err)
	}
	return nil
}

// Close はProducerを閉じる。
func (k *KafkaTransport) Close() error {
	return k.producer.Close()
}

// MultiTransport は複数のTransportへ同じメッセージを送信する。
// いずれかが失敗した場合もすべてに送信を試み、エラーをまとめて返す。
type MultiTransport []Transport

func (m MultiTransport) Name() string {
	names := make([]string, len(m))
	for i, t := range m {
		names[i] = t.Name()
	}
	return strings.Join(names, "+")
}

func (m MultiTransport) Send(ctx context.Context, msg Message) error {
	var errs []error
	for _, t := range m {
		if err := t.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// NopTransport は何も送信しない。送信先が設定されていない場合に使う。
type NopTransport struct{}

func (NopTransport) Name() string { return "nop" }
func (NopTransport) Send(context.Context, Message) error { return nil }
