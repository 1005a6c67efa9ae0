package domain

import "time"

// Типы каналов, которые разрешено сканировать.
const (
	ChannelTypeChannel    = "channel"
	ChannelTypeSupergroup = "supergroup"
)

// ChannelMeta содержит метаданные канала, полученные из MTProto.
// AccessHash нужен только для запросов к Telegram и в БД не сохраняется.
type ChannelMeta struct {
	ID           int64
	AccessHash   int64
	Title        string
	Username     string
	Description  string
	PhotoID      int64
	Subscribers  int
	Type         string
	LinkedChatID int64
}

// Channel описывает сохранённый канал.
type Channel struct {
	ID           int64
	Title        string
	Username     string
	Description  string
	PhotoID      int64
	Subscribers  int
	Type         string
	LinkedChatID int64
	CreatedAt    time.Time
}

// ChannelMessage представляет сообщение канала в том виде, в каком его
// отдаёт платформа: часть полей может отсутствовать.
type ChannelMessage struct {
	ID              int64
	Date            time.Time
	Views           int
	Forwards        int
	ForwardsKnown   bool
	Forwarded       bool
	InlineReactions int
	InlineReplies   int
	GroupedID       int64
}

// MessageMetrics содержит нормализованные метрики вовлечённости сообщения.
type MessageMetrics struct {
	Views     int
	Reactions int
	Replies   int
	Forwards  int
}

// Message описывает сохранённое сообщение канала. Ключ — (ChannelID, MessageID).
// Метрики перезаписываются при повторном наблюдении того же сообщения.
type Message struct {
	ChannelID int64
	MessageID int64
	Date      time.Time
	Views     int
	Reactions int
	Replies   int
	Forwards  int
	GroupedID int64
}

// DailyStat хранит агрегат канала за календарный день.
type DailyStat struct {
	ChannelID int64
	Date      time.Time
	Posts     int64
	Views     int64
	Reactions int64
	Replies   int64
	Forwards  int64
}

// Analytics объединяет суммарные показатели периода и разбивку по дням.
type Analytics struct {
	ChannelID   int64
	PeriodStart time.Time
	PeriodEnd   time.Time
	Posts       int64
	Views       int64
	Reactions   int64
	Replies     int64
	Forwards    int64
	Daily       []DailyStat
}

// Checkpoint фиксирует наибольший обработанный id сообщения канала.
type Checkpoint struct {
	ChannelID     int64
	LastMessageID int64
	LastScrapedAt time.Time
}

// Состояния жизненного цикла задачи сканирования.
const (
	ScrapeStatePending      = "pending"
	ScrapeStateInitializing = "initializing"
	ScrapeStateRunning      = "running"
	ScrapeStatePaused       = "paused"
	ScrapeStateCompleted    = "completed"
	ScrapeStateFailed       = "failed"
	ScrapeStateCancelled    = "cancelled"
)

// ScrapeStatus отражает живое состояние задачи сканирования.
// Ключом служит идентификатор, который прислал вызывающий, а не числовой id канала.
type ScrapeStatus struct {
	Identifier  string
	RunID       string
	State       string
	Processed   int
	CurrentDate *time.Time
	Wait        time.Duration
	Error       string
}

// StatusPatch — частичное обновление статуса: ненулевой указатель означает
// «поле присутствует», nil — «поле не трогать».
type StatusPatch struct {
	State       *string
	RunID       *string
	Processed   *int
	CurrentDate *time.Time
	ClearDate   bool
	Wait        *time.Duration
	Error       *string
}
