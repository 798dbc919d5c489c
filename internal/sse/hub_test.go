package sse

import (
	"bytes"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHubPublishSubscribe(t *testing.T) {
	h := testHub()
	ch, cancel := h.Subscribe("job-1")
	other, cancelOther := h.Subscribe("job-2")
	defer cancelOther()

	h.Publish("job-1", Event{Type: "progress", Data: []byte(`{"progress":40}`)})

	ev := <-ch
	assert.Equal(t, "progress", ev.Type)
	assert.Empty(t, other)
	assert.Equal(t, 1, h.SubscriberCount("job-1"))

	cancel()
	cancel()
	assert.Equal(t, 0, h.SubscriberCount("job-1"))
	_, ok := <-ch
	assert.False(t, ok)

	// Publishing to a topic without subscribers is a no-op.
	h.Publish("job-1", Event{Type: "result"})
}

func TestHubDropsForSlowSubscribers(t *testing.T) {
	h := testHub()
	ch, cancel := h.Subscribe("t")
	defer cancel()
	for i := 0; i < 100; i++ {
		h.Publish("t", Event{Type: "progress"})
	}
	assert.Len(t, ch, 64)
}

func TestEventWriteTo(t *testing.T) {
	var buf bytes.Buffer
	_, err := Event{Type: "result", Data: []byte(`{"id":"x"}`)}.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, "event: result\ndata: {\"id\":\"x\"}\n\n", buf.String())
}

func TestPGListenerDispatch(t *testing.T) {
	h := testHub()
	ch, cancel := h.Subscribe(TopicAnalyses)
	defer cancel()

	pl := NewPGListener(nil, "analysis_stream", h, slog.New(slog.NewTextHandler(io.Discard, nil)))
	pl.dispatch([]byte(`{"id":"01J"}`))

	ev := <-ch
	assert.Equal(t, "analysis", ev.Type)
	assert.JSONEq(t, `{"id":"01J"}`, string(ev.Data))
}
