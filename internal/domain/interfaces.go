package domain

import (
	"context"
	"time"
)

// ChannelRepo управляет каналами.
type ChannelRepo interface {
	UpsertChannel(ctx context.Context, meta ChannelMeta) (Channel, error)
	ListChannels(ctx context.Context) ([]Channel, error)
	GetChannel(ctx context.Context, id int64) (Channel, error)
	DeleteChannel(ctx context.Context, id int64) error
}

// MessageRepo управляет сообщениями каналов.
type MessageRepo interface {
	// UpsertMessages сохраняет пачку сообщений одной транзакцией:
	// вставка либо обновление метрик по ключу (channel_id, message_id).
	UpsertMessages(ctx context.Context, messages []Message) error
	ListMessages(ctx context.Context, channelID int64, limit, offset int) ([]Message, error)
}

// StatsRepo управляет дневной статистикой.
type StatsRepo interface {
	// RecomputeDailyStats пересчитывает агрегаты перечисленных дней из таблицы
	// сообщений. Дни передаются как полночь в часовом поясе сканирования.
	RecomputeDailyStats(ctx context.Context, channelID int64, days []time.Time) error
	ListDailyStats(ctx context.Context, channelID int64, from, to time.Time) ([]DailyStat, error)
}

// CheckpointRepo хранит позицию сканирования канала.
type CheckpointRepo interface {
	// GetCheckpoint возвращает наибольший обработанный id; false — чекпоинта нет.
	GetCheckpoint(ctx context.Context, channelID int64) (int64, bool, error)
	// UpdateCheckpoint сохраняет max(текущий, candidate) и обновляет отметку времени.
	UpdateCheckpoint(ctx context.Context, channelID, candidateID int64) error
}

// SessionStore хранит MTProto-сессии.
type SessionStore interface {
	LoadMTProtoSession(ctx context.Context, name string) ([]byte, error)
	StoreMTProtoSession(ctx context.Context, name string, data []byte) error
}

// HistoryIterator отдаёт сообщения канала от новых к старым.
// После паузы по rate-limit повторный вызов Next возвращает то же сообщение.
type HistoryIterator interface {
	Next(ctx context.Context) (ChannelMessage, bool, error)
}

// ChannelGateway — доступ к платформе: резолв канала и итерация истории.
type ChannelGateway interface {
	ResolveChannel(ctx context.Context, identifier string) (ChannelMeta, error)
	History(ctx context.Context, meta ChannelMeta) (HistoryIterator, error)
}

// MetricSource выполняет постраничные запросы детальных метрик сообщения.
type MetricSource interface {
	CountReactions(ctx context.Context, meta ChannelMeta, messageID int64) (int, error)
	CountReplies(ctx context.Context, meta ChannelMeta, messageID int64) (int, error)
}

// RunGuard не допускает два одновременных запуска для одного идентификатора.
type RunGuard interface {
	Acquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}
