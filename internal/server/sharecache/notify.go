package sharecache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/otpkeeper/internal/dbx"
	"github.com/dmitrijs2005/otpkeeper/internal/logging"
	"github.com/jackc/pgx/v5"
)

// Channel is the PostgreSQL NOTIFY channel carrying invalidated user ids.
const Channel = "share_invalidate"

// NOTIFY payloads are capped at 8000 bytes by the server.
const maxPayload = 7900

// Notifier publishes invalidations with pg_notify and listens for the ones
// published by other instances.
type Notifier struct {
	db     dbx.DBTX
	dsn    string
	cache  *Cache
	logger logging.Logger

	// connect is swapped in tests.
	connect func(ctx context.Context, dsn string) (listenConn, error)
	backoff time.Duration
}

type listenConn interface {
	Exec(ctx context.Context, sql string, args ...any) error
	WaitForNotification(ctx context.Context) (string, error)
	Close(ctx context.Context) error
}

// NewNotifier wires cache to the NOTIFY channel. The cache stays a
// pass-through until Listen is subscribed.
func NewNotifier(db dbx.DBTX, dsn string, cache *Cache, logger logging.Logger) *Notifier {
	cache.Suspend()
	return &Notifier{
		db:      db,
		dsn:     dsn,
		cache:   cache,
		logger:  logger.With("module", "sharecache"),
		connect: connectPgx,
		backoff: time.Second,
	}
}

// Publish sends the user ids as comma-separated NOTIFY payloads, split so
// each payload stays under the server limit.
func (n *Notifier) Publish(ctx context.Context, userIDs []string) error {
	for _, payload := range chunkPayloads(userIDs, maxPayload) {
		if _, err := n.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, Channel, payload); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
	}
	return nil
}

// Listen applies remote invalidations to the local cache until ctx is done.
// The cache only caches while subscribed: it is purged once LISTEN succeeds
// and suspended as soon as the connection is lost, so invalidations missed
// while disconnected cannot leave stale grants behind.
func (n *Notifier) Listen(ctx context.Context) error {
	for {
		err := n.listenOnce(ctx)
		n.cache.Suspend()
		if ctx.Err() != nil {
			return nil
		}
		n.logger.Warn(ctx, "share invalidation listener disconnected", "error", err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(n.backoff):
		}
	}
}

func (n *Notifier) listenOnce(ctx context.Context) error {
	conn, err := n.connect(ctx, n.dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	if err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	n.cache.Resume()
	n.logger.Info(ctx, "listening for share invalidations", "channel", Channel)

	for {
		payload, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		ids := parsePayload(payload)
		if len(ids) == 0 {
			continue
		}
		n.cache.InvalidateLocal(ids...)
		n.logger.Debug(ctx, "applied remote share invalidation", "users", len(ids))
	}
}

func chunkPayloads(ids []string, limit int) []string {
	var (
		out []string
		b   strings.Builder
	)
	for _, id := range ids {
		if id == "" {
			continue
		}
		if b.Len() > 0 && b.Len()+1+len(id) > limit {
			out = append(out, b.String())
			b.Reset()
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(id)
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}

func parsePayload(payload string) []string {
	var ids []string
	for _, id := range strings.Split(payload, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

type pgxListenConn struct {
	conn *pgx.Conn
}

func connectPgx(ctx context.Context, dsn string) (listenConn, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &pgxListenConn{conn: conn}, nil
}

func (c *pgxListenConn) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := c.conn.Exec(ctx, sql, args...)
	return err
}

func (c *pgxListenConn) WaitForNotification(ctx context.Context) (string, error) {
	note, err := c.conn.WaitForNotification(ctx)
	if err != nil {
		return "", err
	}
	if note == nil {
		return "", errors.New("empty notification")
	}
	return note.Payload, nil
}

func (c *pgxListenConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}
