package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"voice-copilot-go/internal/types"
)

type Postgres struct {
	pool *pgxpool.Pool
}

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *Postgres) Close() { p.pool.Close() }

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// InsertEvents writes the batch in one transaction so a failed flush leaves
// nothing behind to duplicate on retry.
func (p *Postgres) InsertEvents(ctx context.Context, events []types.CallEvent) error {
	if len(events) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, e := range events {
			data := e.EventData
			if data == nil {
				data = map[string]any{}
			}
			at := e.EventTime
			if at.IsZero() {
				at = time.Now().UTC()
			}
			batch.Queue(`INSERT INTO vapi_call_events
				(vapi_call_id, conversation_id, event_type, event_subtype, event_data, speaker,
				 transcript_text, is_final, tool_name, tool_call_id, seconds_from_start, event_time)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
				e.VapiCallID, nullable(e.ConversationID), e.EventType, nullable(e.EventSubtype), data,
				nullable(e.Speaker), nullable(e.TranscriptText), e.IsFinal, nullable(e.ToolName),
				nullable(e.ToolCallID), e.SecondsFromStart, at)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (p *Postgres) InsertToolLog(ctx context.Context, l types.ToolLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	args := l.Arguments
	if args == nil {
		args = map[string]any{}
	}
	_, err := p.pool.Exec(ctx, `INSERT INTO vapi_tool_logs
		(id, vapi_call_id, conversation_id, client_id, tool_name, tool_call_id, arguments, arguments_raw,
		 success, result, result_message, error_message, duration_ms, customer_phone, call_seconds_elapsed,
		 started_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		l.ID, nullable(l.VapiCallID), nullable(l.ConversationID), nullable(l.ClientID), l.ToolName,
		nullable(l.ToolCallID), args, l.ArgumentsRaw, l.Success, l.Result, nullable(l.ResultMessage),
		nullable(l.ErrorMessage), l.DurationMs, nullable(l.CustomerPhone), l.CallSecondsElapsed,
		l.StartedAt, l.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert tool log: %w", err)
	}
	return nil
}

func (p *Postgres) RecentToolFailures(ctx context.Context, limit int) ([]types.ToolLog, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, COALESCE(vapi_call_id,''), COALESCE(conversation_id,''),
		COALESCE(client_id,''), tool_name, COALESCE(tool_call_id,''), arguments, COALESCE(arguments_raw,''),
		success, COALESCE(result_message,''), COALESCE(error_message,''), duration_ms,
		COALESCE(customer_phone,''), started_at, completed_at
		FROM vapi_tool_logs WHERE NOT success ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.ToolLog
	for rows.Next() {
		var l types.ToolLog
		if err := rows.Scan(&l.ID, &l.VapiCallID, &l.ConversationID, &l.ClientID, &l.ToolName, &l.ToolCallID,
			&l.Arguments, &l.ArgumentsRaw, &l.Success, &l.ResultMessage, &l.ErrorMessage, &l.DurationMs,
			&l.CustomerPhone, &l.StartedAt, &l.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateCall(ctx context.Context, c types.CallRecord) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO voice_calls
		(vapi_call_id, conversation_id, direction, phone_number, status, started_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (vapi_call_id) DO UPDATE SET
			conversation_id = COALESCE(voice_calls.conversation_id, EXCLUDED.conversation_id),
			updated_at = now()`,
		c.VapiCallID, nullable(c.ConversationID), c.Direction, c.PhoneNumber, c.Status, c.StartedAt)
	return err
}

// UpdateCallStatus upserts so a status event for an unknown call still lands.
// Timestamps already recorded are kept when the event omits them.
func (p *Postgres) UpdateCallStatus(ctx context.Context, callID, status string, startedAt, endedAt *time.Time) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO voice_calls (vapi_call_id, status, started_at, ended_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (vapi_call_id) DO UPDATE SET
			status = EXCLUDED.status,
			started_at = COALESCE(EXCLUDED.started_at, voice_calls.started_at),
			ended_at = COALESCE(EXCLUDED.ended_at, voice_calls.ended_at),
			updated_at = now()`,
		callID, status, startedAt, endedAt)
	return err
}

func (p *Postgres) IncrementInterruptions(ctx context.Context, callID string) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO voice_calls (vapi_call_id, status, interruption_count)
		VALUES ($1, 'in-progress', 1)
		ON CONFLICT (vapi_call_id) DO UPDATE SET
			interruption_count = voice_calls.interruption_count + 1,
			updated_at = now()`, callID)
	return err
}

func (p *Postgres) FinalizeCall(ctx context.Context, f types.CallFinal) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO voice_calls
		(vapi_call_id, status, ended_at, duration_seconds, transcript, summary, ended_reason, cost,
		 recording_url, messages_json, analysis)
		VALUES ($1,'ended',$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (vapi_call_id) DO UPDATE SET
			status = 'ended',
			ended_at = EXCLUDED.ended_at,
			duration_seconds = EXCLUDED.duration_seconds,
			transcript = EXCLUDED.transcript,
			summary = EXCLUDED.summary,
			ended_reason = EXCLUDED.ended_reason,
			cost = EXCLUDED.cost,
			recording_url = EXCLUDED.recording_url,
			messages_json = EXCLUDED.messages_json,
			analysis = EXCLUDED.analysis,
			updated_at = now()`,
		f.VapiCallID, f.EndedAt, f.DurationSeconds, f.Transcript, f.Summary, f.EndedReason, f.Cost,
		nullable(f.RecordingURL), rawJSON(f.Messages), rawJSON(f.Analysis))
	return err
}

func rawJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func (p *Postgres) GetCall(ctx context.Context, callID string) (*types.CallRecord, error) {
	var c types.CallRecord
	err := p.pool.QueryRow(ctx, `SELECT vapi_call_id, COALESCE(conversation_id,''), direction, phone_number,
		status, started_at, ended_at, interruption_count FROM voice_calls WHERE vapi_call_id = $1`, callID).
		Scan(&c.VapiCallID, &c.ConversationID, &c.Direction, &c.PhoneNumber, &c.Status, &c.StartedAt,
			&c.EndedAt, &c.Interruptions)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (p *Postgres) GetClient(ctx context.Context, id string) (*types.Client, error) {
	var c types.Client
	err := p.pool.QueryRow(ctx, `SELECT id, name, email, phone FROM clients WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Email, &c.Phone)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// FindClientByPhone tries an exact match, then the last ten digits.
func (p *Postgres) FindClientByPhone(ctx context.Context, phone string) (*types.Client, error) {
	var c types.Client
	err := p.pool.QueryRow(ctx, `SELECT id, name, email, phone FROM clients WHERE phone = $1 LIMIT 1`, phone).
		Scan(&c.ID, &c.Name, &c.Email, &c.Phone)
	if err == nil {
		return &c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	key := types.PhoneKey(phone)
	if len(key) < 7 {
		return nil, ErrNotFound
	}
	err = p.pool.QueryRow(ctx, `SELECT id, name, email, phone FROM clients
		WHERE regexp_replace(phone, '\D', '', 'g') LIKE '%' || $1 LIMIT 1`, key).
		Scan(&c.ID, &c.Name, &c.Email, &c.Phone)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

const orderColumns = `id, order_number, COALESCE(client_id,''), financial_status, fulfillment_status, total,
	tracking_number, created_at`

func scanOrder(row pgx.Row) (*types.Order, error) {
	var o types.Order
	if err := row.Scan(&o.ID, &o.OrderNumber, &o.ClientID, &o.FinancialStatus, &o.FulfillmentStatus,
		&o.Total, &o.TrackingNumber, &o.CreatedAt); err != nil {
		return nil, err
	}
	return &o, nil
}

func (p *Postgres) ClientOrders(ctx context.Context, clientID string, limit int) ([]types.Order, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+orderColumns+` FROM orders WHERE client_id = $1
		ORDER BY created_at DESC LIMIT $2`, clientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (p *Postgres) FindOrder(ctx context.Context, orderNumber string) (*types.Order, error) {
	o, err := scanOrder(p.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE order_number ILIKE '%' || $1 || '%' ORDER BY created_at DESC LIMIT 1`, orderNumber))
	if err != nil {
		return nil, notFound(err)
	}
	return o, nil
}

func (p *Postgres) GetConversation(ctx context.Context, id string) (*types.Conversation, error) {
	var c types.Conversation
	err := p.pool.QueryRow(ctx, `SELECT id, COALESCE(client_id,''), channel, tags, facts
		FROM conversations WHERE id = $1`, id).Scan(&c.ID, &c.ClientID, &c.Channel, &c.Tags, &c.Facts)
	if err != nil {
		return nil, notFound(err)
	}
	return p.withMessages(ctx, &c)
}

func (p *Postgres) ActiveConversation(ctx context.Context, clientID string) (*types.Conversation, error) {
	var c types.Conversation
	err := p.pool.QueryRow(ctx, `SELECT id, COALESCE(client_id,''), channel, tags, facts
		FROM conversations WHERE client_id = $1 AND NOT is_archived
		ORDER BY updated_at DESC LIMIT 1`, clientID).Scan(&c.ID, &c.ClientID, &c.Channel, &c.Tags, &c.Facts)
	if err != nil {
		return nil, notFound(err)
	}
	return p.withMessages(ctx, &c)
}

func (p *Postgres) withMessages(ctx context.Context, c *types.Conversation) (*types.Conversation, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, conversation_id, direction, role, message_type, content,
		status, created_at FROM conversation_messages
		WHERE conversation_id = $1 AND NOT is_internal
		ORDER BY created_at DESC LIMIT $2`, c.ID, recentMessages)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var msgs []types.ConversationMessage
	for rows.Next() {
		var m types.ConversationMessage
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Direction, &m.Role, &m.MessageType, &m.Content,
			&m.Status, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// oldest first
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	c.RecentMessages = msgs
	return c, nil
}

func (p *Postgres) CreateConversation(ctx context.Context, clientID, handle, channel string) (*types.Conversation, error) {
	c := &types.Conversation{ID: uuid.NewString(), ClientID: clientID, Channel: channel}
	_, err := p.pool.Exec(ctx, `INSERT INTO conversations (id, client_id, handle, channel)
		VALUES ($1,$2,$3,$4)`, c.ID, nullable(clientID), handle, channel)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

func (p *Postgres) TagConversation(ctx context.Context, id, tag string, facts map[string]any) error {
	if facts == nil {
		facts = map[string]any{}
	}
	res, err := p.pool.Exec(ctx, `UPDATE conversations SET
			tags = CASE WHEN $2 = ANY(tags) THEN tags ELSE array_append(tags, $2) END,
			facts = facts || $3::jsonb,
			updated_at = now()
		WHERE id = $1`, id, tag, facts)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) AppendMessage(ctx context.Context, m types.ConversationMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO conversation_messages
			(id, conversation_id, direction, role, message_type, content, status, is_internal, raw_payload, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			m.ID, m.ConversationID, m.Direction, m.Role, m.MessageType, m.Content, m.Status, m.Internal,
			m.RawPayload, m.CreatedAt); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE conversations SET updated_at = now() WHERE id = $1`, m.ConversationID)
		return err
	})
}

func (p *Postgres) CreateCoupon(ctx context.Context, c types.Coupon) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO coupons
		(code, discount_percent, reason, client_id, conversation_id, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		c.Code, c.DiscountPercent, c.Reason, nullable(c.ClientID), nullable(c.ConversationID), c.CreatedAt, c.ExpiresAt)
	return err
}

func (p *Postgres) CreateEscalation(ctx context.Context, e types.Escalation) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO escalations
		(id, vapi_call_id, conversation_id, client_id, customer_phone, reason, wants_callback, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, nullable(e.VapiCallID), nullable(e.ConversationID), nullable(e.ClientID),
		nullable(e.CustomerPhone), e.Reason, e.WantsCallback, e.CreatedAt)
	return err
}
