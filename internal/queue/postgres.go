package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements Service on the queue_messages table.
//
// A message is available when visible_at <= now(). Receive claims rows with
// FOR UPDATE SKIP LOCKED, stamps a fresh receipt and pushes visible_at out by
// the visibility timeout, so concurrent receivers never see the same row
// twice within one visibility window.
type Postgres struct {
	pool         *pgxpool.Pool
	visibility   time.Duration
	pollInterval time.Duration
}

func NewPostgres(pool *pgxpool.Pool, visibility, pollInterval time.Duration) *Postgres {
	if visibility <= 0 {
		visibility = defaultVisibility
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Postgres{pool: pool, visibility: visibility, pollInterval: pollInterval}
}

func (p *Postgres) Send(ctx context.Context, queue string, bodies []string) error {
	if len(bodies) == 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO queue_messages (queue, body)
		SELECT $1, unnest($2::text[])`, queue, bodies)
	if err != nil {
		return fmt.Errorf("send to %s: %w", queue, err)
	}
	return nil
}

func (p *Postgres) Receive(ctx context.Context, queue string, limit int, wait time.Duration) ([]Message, error) {
	if limit <= 0 {
		return []Message{}, nil
	}
	limit = min(limit, ReceiveLimit)
	deadline := time.Now().Add(wait)

	for {
		msgs, err := p.claim(ctx, queue, limit)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return msgs, nil
		}
		timer := time.NewTimer(min(remaining, p.pollInterval))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

func (p *Postgres) claim(ctx context.Context, queue string, limit int) ([]Message, error) {
	rows, err := p.pool.Query(ctx, `
		WITH picked AS (
			SELECT id FROM queue_messages
			WHERE queue = $1 AND visible_at <= now()
			ORDER BY visible_at, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE queue_messages m
		SET receipt       = gen_random_uuid()::text,
		    visible_at    = now() + ($3 * interval '1 millisecond'),
		    receive_count = m.receive_count + 1
		FROM picked
		WHERE m.id = picked.id
		RETURNING m.receipt, m.body`, queue, limit, p.visibility.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", queue, err)
	}
	defer rows.Close()

	msgs := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Receipt, &m.Body); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (p *Postgres) Delete(ctx context.Context, queue string, receipts []string) error {
	if len(receipts) == 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx,
		`DELETE FROM queue_messages WHERE queue = $1 AND receipt = ANY($2)`, queue, receipts)
	if err != nil {
		return fmt.Errorf("delete from %s: %w", queue, err)
	}
	return nil
}

func (p *Postgres) Return(ctx context.Context, queue string, receipt string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE queue_messages
		SET receipt = NULL, visible_at = now()
		WHERE queue = $1 AND receipt = $2`, queue, receipt)
	if err != nil {
		return fmt.Errorf("return to %s: %w", queue, err)
	}
	return nil
}

func (p *Postgres) Attributes(ctx context.Context, queue string) (Attributes, error) {
	var a Attributes
	err := p.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE visible_at <= now()),
			COUNT(*) FILTER (WHERE visible_at > now() AND receipt IS NOT NULL),
			COUNT(*) FILTER (WHERE visible_at > now() AND receipt IS NULL)
		FROM queue_messages WHERE queue = $1`, queue).Scan(&a.Available, &a.InFlight, &a.Delayed)
	if err != nil {
		return Attributes{}, fmt.Errorf("attributes of %s: %w", queue, err)
	}
	return a, nil
}

// compile-time check that Postgres implements Service
var _ Service = (*Postgres)(nil)
