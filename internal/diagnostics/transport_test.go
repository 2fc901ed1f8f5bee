package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookTransport_PostsContent(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	tr := NewWebhookTransport(srv.URL, srv.Client())
	err := tr.Send(context.Background(), Message{Text: "Bug Report from kai:\nspin is broken", Severity: SeverityWarning})
	require.NoError(t, err)
	assert.Equal(t, "[WARNING] Bug Report from kai:\nspin is broken", got["content"])
}

func TestWebhookTransport_TruncatesLongContent(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	tr := NewWebhookTransport(srv.URL, srv.Client())
	require.NoError(t, tr.Send(context.Background(), Message{Text: strings.Repeat("ñ", 3000), Severity: SeverityInfo}))

	assert.Equal(t, discordContentLimit, utf8.RuneCountInString(got["content"]))
	assert.True(t, strings.HasSuffix(got["content"], "…"))
}

func TestWebhookTransport_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewWebhookTransport(srv.URL, srv.Client()).Send(context.Background(), Message{Text: "x", Severity: SeverityInfo})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestKafkaTransport_SendsRecord(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var rec kafkaRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		if rec.Severity != SeverityError || rec.Message != "Login failed: Invalid login credentials" {
			return errors.New("unexpected record: " + string(val))
		}
		if rec.Time != "2026-10-16T09:30:00.000Z" {
			return errors.New("unexpected time: " + rec.Time)
		}
		return nil
	})

	tr := NewKafkaTransport(producer, "yowx-diagnostics")
	err := tr.Send(context.Background(), Message{
		Text:     "Login failed: Invalid login credentials",
		Severity: SeverityError,
		Time:     time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.NoError(t, tr.Close())
}

func TestKafkaTransport_ProducerError(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	tr := NewKafkaTransport(producer, "yowx-diagnostics")
	err := tr.Send(context.Background(), Message{Text: "x", Severity: SeverityInfo, Time: time.Now()})
	require.Error(t, err)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, tr.Close())
}

func TestMultiTransport_SendsToAllAndJoinsErrors(t *testing.T) {
	ok := &fakeTransport{}
	bad := &fakeTransport{err: errors.New("down")}
	multi := MultiTransport{ok, bad}

	assert.Equal(t, "fake+fake", multi.Name())

	err := multi.Send(context.Background(), Message{Text: "hello", Severity: SeverityInfo})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	assert.Len(t, ok.messages(), 1)
	assert.Len(t, bad.messages(), 1)
}

func TestNopTransport(t *testing.T) {
	var tr Transport = NopTransport{}
	assert.Equal(t, "nop", tr.Name())
	assert.NoError(t, tr.Send(context.Background(), Message{}))
}
