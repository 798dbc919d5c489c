package events

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNopPublisher(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(context.Background(), SubjectOpsReport, OpsReport{Kind: "x"}))
	p.Close()
}

func TestNATSPublisher(t *testing.T) {
	url := os.Getenv("NATS_TEST_URL")
	if url == "" {
		t.Skip("NATS_TEST_URL not set")
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p, err := NewNATSPublisher(url, logger)
	require.NoError(t, err)
	defer p.Close()
	require.NoError(t, p.Ping(context.Background()))

	sub, err := nats.Connect(url)
	require.NoError(t, err)
	defer sub.Close()
	ch := make(chan *nats.Msg, 1)
	s, err := sub.ChanSubscribe(SubjectAnalysisCompleted, ch)
	require.NoError(t, err)
	defer s.Unsubscribe()
	require.NoError(t, sub.Flush())

	require.NoError(t, p.Publish(context.Background(), SubjectAnalysisCompleted, AnalysisCompleted{ID: "01J", BiasIndex: 42}))

	select {
	case msg := <-ch:
		var got AnalysisCompleted
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, 42, got.BiasIndex)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestNATSPublisherCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &NATSPublisher{}
	assert.ErrorIs(t, p.Publish(ctx, SubjectOpsReport, nil), context.Canceled)
}
