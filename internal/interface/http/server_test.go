package http

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedSink struct {
	updates []gotgbot.Update
}

func (s *capturedSink) Feed(_ context.Context, upd gotgbot.Update) {
	s.updates = append(s.updates, upd)
}

type okPinger struct{ err error }

func (p okPinger) Ping(context.Context) error { return p.err }

func newTestServer(db, cache Pinger) *Server {
	logger := slog.New(slog.NewTextHandler(nullWriter{}, nil))
	return NewServer(":0", prometheus.NewRegistry(), db, cache, logger)
}

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

const updateJSON = `{"update_id":17,"message":{"message_id":5,"date":1,"chat":{"id":-1001,"type":"supergroup"},"text":"hi"}}`

func postWebhook(srv *Server, path, secret, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if secret != "" {
		req.Header.Set(secretTokenHeader, secret)
	}
	rec := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func TestWebhookDeliversToRegisteredSink(t *testing.T) {
	srv := newTestServer(okPinger{}, nil)
	sink := &capturedSink{}
	srv.RegisterBot(11, "s3cret", sink)

	rec := postWebhook(srv, "/webhook/11", "s3cret", updateJSON)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, sink.updates, 1)
	assert.Equal(t, int64(17), sink.updates[0].UpdateId)
}

func TestWebhookRejectsBadSecret(t *testing.T) {
	srv := newTestServer(okPinger{}, nil)
	sink := &capturedSink{}
	srv.RegisterBot(11, "s3cret", sink)

	for _, secret := range []string{"wrong", "s3creX", ""} {
		rec := postWebhook(srv, "/webhook/11", secret, updateJSON)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "secret=%q", secret)
	}
	assert.Empty(t, sink.updates)
}

func TestWebhookUnknownBot(t *testing.T) {
	srv := newTestServer(okPinger{}, nil)

	rec := postWebhook(srv, "/webhook/99", "s3cret", updateJSON)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookUnregisteredBotStopsRouting(t *testing.T) {
	srv := newTestServer(okPinger{}, nil)
	sink := &capturedSink{}
	srv.RegisterBot(11, "s3cret", sink)
	srv.UnregisterBot(11)

	rec := postWebhook(srv, "/webhook/11", "s3cret", updateJSON)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthReportsStubbedCache(t *testing.T) {
	srv := newTestServer(okPinger{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "stubbed")
}

func TestHealthFailsWhenDatabaseDown(t *testing.T) {
	srv := newTestServer(okPinger{err: assert.AnError}, okPinger{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
