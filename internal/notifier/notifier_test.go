package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giovanniandreuzza/nimbus/internal/download"
	"github.com/giovanniandreuzza/nimbus/internal/events"
)

func TestDiscordNotifier(t *testing.T) {
	received := make(chan map[string]string, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var payload map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		received <- payload

		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	d := &DiscordNotifier{WebhookURL: server.URL}
	require.NoError(t, d.Notify(context.Background(), "hello"))

	assert.Equal(t, map[string]string{"content": "hello"}, <-received)
}

func TestDiscordNotifier_Errors(t *testing.T) {
	assert.Error(t, (&DiscordNotifier{}).Notify(context.Background(), "x"))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	err := (&DiscordNotifier{WebhookURL: server.URL}).Notify(context.Background(), "x")
	assert.ErrorContains(t, err, "429")
}

type notifierFunc func(ctx context.Context, content string) error

func (f notifierFunc) Notify(ctx context.Context, content string) error { return f(ctx, content) }

type tasks map[download.ID]*download.Task

func (m tasks) GetTask(_ context.Context, id download.ID) (*download.Task, error) {
	if t, ok := m[id]; ok {
		return t, nil
	}

	return nil, download.ErrTaskNotFound
}

func TestSubscribe(t *testing.T) {
	bus := events.NewBus()
	sent := make(chan string, 4)

	task := &download.Task{ID: "t1", FileName: "ubuntu.iso", FileSize: 2_000_000, State: download.Finished()}

	unsubscribe := Subscribe(bus, tasks{"t1": task}, notifierFunc(func(_ context.Context, content string) error {
		sent <- content

		return nil
	}))
	defer unsubscribe()

	bus.Publish(context.Background(),
		download.Event{Kind: download.EventStarted, TaskID: "t1"},
		download.Event{Kind: download.EventFinished, TaskID: "t1", State: download.Finished()},
	)

	select {
	case msg := <-sent:
		assert.Equal(t, "Download finished: ubuntu.iso (2.0 MB)", msg)
	case <-time.After(time.Second):
		t.Fatal("no notification sent")
	}

	assert.Empty(t, sent)
}

func TestMessage(t *testing.T) {
	task := &download.Task{FileName: "a.bin", FileSize: download.UnknownSize}

	assert.Equal(t, "Download finished: a.bin", Message(task, download.Event{Kind: download.EventFinished}))
	assert.Equal(t, "Download failed: a.bin [resource_not_found] gone",
		Message(task, download.Event{Kind: download.EventFailed, State: download.Failed("resource_not_found", "gone")}))
}
