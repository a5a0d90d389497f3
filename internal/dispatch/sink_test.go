package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"waitless-queue/internal/domain"
)

func TestHTTPSink_Send(t *testing.T) {
	type captured struct {
		body gatewayRequest
		auth string
	}
	seen := make(chan captured, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var c captured
		c.auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&c.body)
		seen <- c
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	sink := NewHTTPSink(server.URL, "secret", time.Second, zap.NewNop())
	err := sink.Send(context.Background(), "42", "you are next")
	require.NoError(t, err)

	c := <-seen
	got, auth := c.body, c.auth
	assert.Equal(t, "42", got.To)
	assert.Equal(t, "you are next", got.Text)
	assert.Equal(t, "Bearer secret", auth)
}

func TestHTTPSink_ClassifiesStatus(t *testing.T) {
	var status atomic.Int64
	status.Store(http.StatusBadRequest)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer server.Close()

	sink := NewHTTPSink(server.URL, "", time.Second, zap.NewNop())

	err := sink.Send(context.Background(), "42", "x")
	require.Error(t, err)
	assert.True(t, IsPermanent(err))

	status.Store(http.StatusServiceUnavailable)
	err = sink.Send(context.Background(), "42", "x")
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestHTTPSink_TransportErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	sink := NewHTTPSink(url, "", 200*time.Millisecond, zap.NewNop())
	err := sink.Send(context.Background(), "42", "x")
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

type fakePublisher struct {
	mu       sync.Mutex
	topics   []string
	payloads [][]byte
	err      error
}

func (p *fakePublisher) Publish(topic string, retained bool, payload []byte, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload)
	return nil
}

func TestMQTTSink_Send(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewMQTTSink(pub, "waitless/notify/", time.Second)

	require.NoError(t, sink.Send(context.Background(), "7", "please proceed"))
	require.Len(t, pub.topics, 1)
	assert.Equal(t, "waitless/notify/7", pub.topics[0])

	var msg mqttNotification
	require.NoError(t, json.Unmarshal(pub.payloads[0], &msg))
	assert.Equal(t, "7", msg.Recipient)
	assert.Equal(t, "please proceed", msg.Text)

	pub.err = errors.New("not connected")
	assert.Error(t, sink.Send(context.Background(), "7", "again"))
}

func TestLogSink(t *testing.T) {
	sink := NewLogSink(zap.NewNop())
	require.NoError(t, sink.Send(context.Background(), "1", "a"))
	require.NoError(t, sink.Send(context.Background(), "2", "b"))

	entries := sink.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "1", entries[0].Recipient)
	assert.Equal(t, "b", entries[1].Text)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sink.Send(ctx, "3", "c"), context.Canceled)
}

func TestRender(t *testing.T) {
	called := Render(domain.Notice{Kind: domain.NoticeCalled, TicketNumber: "T2026101700701", ServiceName: "Cardiology"})
	assert.Equal(t, "Ticket T2026101700701: it is your turn, please proceed to Cardiology now.", called)

	next := Render(domain.Notice{Kind: domain.NoticeNext, TicketNumber: "T2026101700701", ServiceID: 3})
	assert.Contains(t, next, "you are next at service 3")
}

func TestDispatcher_Notify(t *testing.T) {
	sink := NewLogSink(zap.NewNop())
	d := NewDispatcher(sink, fastOptions(), zap.NewNop())
	d.Start(context.Background())
	d.Notify(context.Background(), domain.Notice{Kind: domain.NoticeNext, PatientID: 12, TicketNumber: "T1", ServiceName: "X-Ray"})
	d.Stop()

	entries := sink.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "12", entries[0].Recipient)
	assert.Contains(t, entries[0].Text, "X-Ray")
}
