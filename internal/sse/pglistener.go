package sse

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGListener subscribes to the PostgreSQL analysis channel and fans
// notifications out to TopicAnalyses, so every instance sees analyses stored
// by any instance.
type PGListener struct {
	pool    *pgxpool.Pool
	channel string
	hub     *Hub
	logger  *slog.Logger
}

// NewPGListener creates a PGListener for channel.
func NewPGListener(pool *pgxpool.Pool, channel string, hub *Hub, logger *slog.Logger) *PGListener {
	return &PGListener{pool: pool, channel: channel, hub: hub, logger: logger}
}

// Listen blocks until ctx is cancelled or the connection fails.
// It should be run inside RunWithRecovery so it auto-restarts on failure.
func (pl *PGListener) Listen(ctx context.Context) {
	conn, err := pl.pool.Acquire(ctx)
	if err != nil {
		pl.logger.Error("pg-listen: acquire connection failed", "err", err)
		return
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{pl.channel}.Sanitize()); err != nil {
		pl.logger.Error("pg-listen: LISTEN failed", "channel", pl.channel, "err", err)
		return
	}
	pl.logger.Info("pg-listen: subscribed", "channel", pl.channel)

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // graceful shutdown
			}
			pl.logger.Error("pg-listen: notification error", "err", err)
			return // RunWithRecovery will reconnect
		}
		pl.dispatch([]byte(notification.Payload))
	}
}

func (pl *PGListener) dispatch(payload []byte) {
	pl.hub.Publish(TopicAnalyses, Event{Type: "analysis", Data: payload})
}
