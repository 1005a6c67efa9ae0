package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gotd/td/session"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tg-channel-analytics/internal/domain"
	"tg-channel-analytics/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.ChannelRepo    = (*Postgres)(nil)
	_ domain.MessageRepo    = (*Postgres)(nil)
	_ domain.StatsRepo      = (*Postgres)(nil)
	_ domain.CheckpointRepo = (*Postgres)(nil)
	_ domain.SessionStore   = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return p.connCtx()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// UpsertChannel сохраняет метаданные канала по его платформенному id.
func (p *Postgres) UpsertChannel(ctx context.Context, meta domain.ChannelMeta) (domain.Channel, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var (
		ch          domain.Channel
		title       sql.NullString
		username    sql.NullString
		description sql.NullString
		photoID     sql.NullInt64
		subscribers sql.NullInt64
		chType      sql.NullString
		linkedChat  sql.NullInt64
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO channels (channel_id, title, username, description, photo_id, subscriber_count, type, linked_chat_id)
VALUES ($1, NULLIF($2,''), NULLIF($3,''), NULLIF($4,''), NULLIF($5,0), NULLIF($6,0), NULLIF($7,''), NULLIF($8,0))
ON CONFLICT (channel_id) DO UPDATE SET
    title = EXCLUDED.title,
    username = EXCLUDED.username,
    description = EXCLUDED.description,
    photo_id = EXCLUDED.photo_id,
    subscriber_count = EXCLUDED.subscriber_count,
    type = EXCLUDED.type,
    linked_chat_id = EXCLUDED.linked_chat_id,
    updated_at = now()
RETURNING channel_id, title, username, description, photo_id, subscriber_count, type, linked_chat_id, created_at
`, meta.ID, meta.Title, meta.Username, meta.Description, meta.PhotoID, meta.Subscribers, meta.Type, meta.LinkedChatID).
		Scan(&ch.ID, &title, &username, &description, &photoID, &subscribers, &chType, &linkedChat, &ch.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "channels_upsert", "channels", start, err)
	if err != nil {
		return domain.Channel{}, err
	}
	applyChannelNulls(&ch, title, username, description, photoID, subscribers, chType, linkedChat)
	return ch, nil
}

func applyChannelNulls(ch *domain.Channel, title, username, description sql.NullString, photoID, subscribers sql.NullInt64, chType sql.NullString, linkedChat sql.NullInt64) {
	if title.Valid {
		ch.Title = title.String
	}
	if username.Valid {
		ch.Username = username.String
	}
	if description.Valid {
		ch.Description = description.String
	}
	if photoID.Valid {
		ch.PhotoID = photoID.Int64
	}
	if subscribers.Valid {
		ch.Subscribers = int(subscribers.Int64)
	}
	if chType.Valid {
		ch.Type = chType.String
	}
	if linkedChat.Valid {
		ch.LinkedChatID = linkedChat.Int64
	}
}

// ListChannels возвращает все сохранённые каналы.
func (p *Postgres) ListChannels(ctx context.Context) ([]domain.Channel, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT channel_id, title, username, description, photo_id, subscriber_count, type, linked_chat_id, created_at
FROM channels
ORDER BY created_at DESC
`)
	metrics.ObserveNetworkRequest("postgres", "channels_list", "channels", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []domain.Channel
	for rows.Next() {
		var (
			ch          domain.Channel
			title       sql.NullString
			username    sql.NullString
			description sql.NullString
			photoID     sql.NullInt64
			subscribers sql.NullInt64
			chType      sql.NullString
			linkedChat  sql.NullInt64
		)
		if err := rows.Scan(&ch.ID, &title, &username, &description, &photoID, &subscribers, &chType, &linkedChat, &ch.CreatedAt); err != nil {
			return nil, err
		}
		applyChannelNulls(&ch, title, username, description, photoID, subscribers, chType, linkedChat)
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// GetChannel возвращает канал по платформенному id.
func (p *Postgres) GetChannel(ctx context.Context, id int64) (domain.Channel, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var (
		ch          domain.Channel
		title       sql.NullString
		username    sql.NullString
		description sql.NullString
		photoID     sql.NullInt64
		subscribers sql.NullInt64
		chType      sql.NullString
		linkedChat  sql.NullInt64
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT channel_id, title, username, description, photo_id, subscriber_count, type, linked_chat_id, created_at
FROM channels WHERE channel_id=$1
`, id).Scan(&ch.ID, &title, &username, &description, &photoID, &subscribers, &chType, &linkedChat, &ch.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "channels_get", "channels", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Channel{}, domain.ErrChannelNotFound
	}
	if err != nil {
		return domain.Channel{}, err
	}
	applyChannelNulls(&ch, title, username, description, photoID, subscribers, chType, linkedChat)
	return ch, nil
}

// DeleteChannel удаляет канал; сообщения, статистика и чекпоинт уходят каскадом.
func (p *Postgres) DeleteChannel(ctx context.Context, id int64) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `DELETE FROM channels WHERE channel_id=$1`, id)
	metrics.ObserveNetworkRequest("postgres", "channels_delete", "channels", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrChannelNotFound
	}
	return nil
}

// UpsertMessages сохраняет пачку сообщений одной транзакцией.
// По конфликту (channel_id, message_id) обновляются только изменяемые метрики.
func (p *Postgres) UpsertMessages(ctx context.Context, messages []domain.Message) error {
	if len(messages) == 0 {
		return nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "messages", start, err)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, msg := range messages {
		var grouped sql.NullInt64
		if msg.GroupedID != 0 {
			grouped = sql.NullInt64{Int64: msg.GroupedID, Valid: true}
		}
		batch.Queue(`
INSERT INTO messages (channel_id, message_id, date, views, reactions, replies, forwards, grouped_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (channel_id, message_id) DO UPDATE SET
    date = EXCLUDED.date,
    views = EXCLUDED.views,
    reactions = EXCLUDED.reactions,
    replies = EXCLUDED.replies,
    forwards = EXCLUDED.forwards,
    grouped_id = EXCLUDED.grouped_id
`, msg.ChannelID, msg.MessageID, msg.Date, msg.Views, msg.Reactions, msg.Replies, msg.Forwards, grouped)
	}

	start = time.Now()
	br := tx.SendBatch(ctx, batch)
	metrics.ObserveNetworkRequest("postgres", "messages_send_batch", "messages", start, nil)
	for range messages {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("upsert сообщения: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return err
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "messages", start, err)
	return err
}

// ListMessages возвращает страницу сообщений канала, новые первыми.
func (p *Postgres) ListMessages(ctx context.Context, channelID int64, limit, offset int) ([]domain.Message, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT channel_id, message_id, date, views, reactions, replies, forwards, grouped_id
FROM messages WHERE channel_id=$1
ORDER BY date DESC, message_id DESC
LIMIT $2 OFFSET $3
`, channelID, limit, offset)
	metrics.ObserveNetworkRequest("postgres", "messages_list", "messages", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Message
	for rows.Next() {
		var (
			msg     domain.Message
			grouped sql.NullInt64
		)
		if err := rows.Scan(&msg.ChannelID, &msg.MessageID, &msg.Date, &msg.Views, &msg.Reactions, &msg.Replies, &msg.Forwards, &grouped); err != nil {
			return nil, err
		}
		if grouped.Valid {
			msg.GroupedID = grouped.Int64
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

// RecomputeDailyStats пересчитывает агрегаты указанных дней из таблицы сообщений.
// Логический пост — группа сообщений с общим grouped_id либо одиночное сообщение;
// правило повторяет domain.AggregateDay. Пересчёт идемпотентен.
func (p *Postgres) RecomputeDailyStats(ctx context.Context, channelID int64, days []time.Time) error {
	if len(days) == 0 {
		return nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	for _, day := range days {
		dayEnd := day.AddDate(0, 0, 1)
		start := time.Now()
		_, err := p.pool.Exec(ctx, `
INSERT INTO channel_stats_daily (channel_id, stat_date, post_count, total_views, total_reactions, total_replies, total_forwards)
SELECT $1, $2::date,
       COUNT(DISTINCT COALESCE('grp:'||grouped_id::text, 'msg:'||message_id::text)),
       COALESCE(SUM(views),0), COALESCE(SUM(reactions),0), COALESCE(SUM(replies),0), COALESCE(SUM(forwards),0)
FROM messages
WHERE channel_id=$1 AND date >= $3 AND date < $4
ON CONFLICT (channel_id, stat_date) DO UPDATE SET
    post_count = EXCLUDED.post_count,
    total_views = EXCLUDED.total_views,
    total_reactions = EXCLUDED.total_reactions,
    total_replies = EXCLUDED.total_replies,
    total_forwards = EXCLUDED.total_forwards
`, channelID, day.Format("2006-01-02"), day, dayEnd)
		metrics.ObserveNetworkRequest("postgres", "daily_stats_recompute", "channel_stats_daily", start, err)
		if err != nil {
			return fmt.Errorf("пересчёт статистики за %s: %w", day.Format("2006-01-02"), err)
		}
	}
	return nil
}

// ListDailyStats возвращает агрегаты канала за период включительно.
func (p *Postgres) ListDailyStats(ctx context.Context, channelID int64, from, to time.Time) ([]domain.DailyStat, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT channel_id, stat_date, post_count, total_views, total_reactions, total_replies, total_forwards
FROM channel_stats_daily
WHERE channel_id=$1 AND stat_date >= $2::date AND stat_date <= $3::date
ORDER BY stat_date
`, channelID, from.Format("2006-01-02"), to.Format("2006-01-02"))
	metrics.ObserveNetworkRequest("postgres", "daily_stats_list", "channel_stats_daily", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []domain.DailyStat
	for rows.Next() {
		var s domain.DailyStat
		if err := rows.Scan(&s.ChannelID, &s.Date, &s.Posts, &s.Views, &s.Reactions, &s.Replies, &s.Forwards); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// GetCheckpoint возвращает наибольший обработанный id сообщения канала.
func (p *Postgres) GetCheckpoint(ctx context.Context, channelID int64) (int64, bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var lastID int64
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT last_message_id FROM scrape_checkpoints WHERE channel_id=$1`, channelID).Scan(&lastID)
	metrics.ObserveNetworkRequest("postgres", "checkpoints_get", "scrape_checkpoints", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return lastID, true, nil
}

// UpdateCheckpoint сохраняет max(текущий, candidate); id никогда не уменьшается,
// отметка времени обновляется всегда.
func (p *Postgres) UpdateCheckpoint(ctx context.Context, channelID, candidateID int64) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO scrape_checkpoints (channel_id, last_message_id, last_scraped_at)
VALUES ($1, $2, now())
ON CONFLICT (channel_id) DO UPDATE SET
    last_message_id = GREATEST(scrape_checkpoints.last_message_id, EXCLUDED.last_message_id),
    last_scraped_at = now()
`, channelID, candidateID)
	metrics.ObserveNetworkRequest("postgres", "checkpoints_update", "scrape_checkpoints", start, err)
	return err
}

// LoadMTProtoSession загружает сохранённую MTProto-сессию.
func (p *Postgres) LoadMTProtoSession(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if name == "" {
		name = "default"
	}

	var data []byte
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT data FROM mtproto_sessions WHERE name = $1`, name).Scan(&data)
	metrics.ObserveNetworkRequest("postgres", "mtproto_sessions_load", "mtproto_sessions", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	clone := make([]byte, len(data))
	copy(clone, data)
	return clone, nil
}

// StoreMTProtoSession сохраняет MTProto-сессию.
func (p *Postgres) StoreMTProtoSession(ctx context.Context, name string, data []byte) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if name == "" {
		name = "default"
	}

	tmp := make([]byte, len(data))
	copy(tmp, data)

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO mtproto_sessions (name, data, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
`, name, tmp)
	metrics.ObserveNetworkRequest("postgres", "mtproto_sessions_store", "mtproto_sessions", start, err)
	return err
}
