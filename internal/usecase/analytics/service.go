package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tg-channel-analytics/internal/domain"
)

const (
	defaultMessagesLimit = 50
	maxMessagesLimit     = 200
)

// Service отдаёт сохранённые каналы, сообщения и агрегаты по периодам.
type Service struct {
	channels domain.ChannelRepo
	messages domain.MessageRepo
	stats    domain.StatsRepo
	log      zerolog.Logger
}

// NewService создаёт сервис аналитики.
func NewService(channels domain.ChannelRepo, messages domain.MessageRepo, stats domain.StatsRepo, log zerolog.Logger) *Service {
	return &Service{channels: channels, messages: messages, stats: stats, log: log}
}

// ListChannels возвращает все сохранённые каналы.
func (s *Service) ListChannels(ctx context.Context) ([]domain.Channel, error) {
	channels, err := s.channels.ListChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("список каналов: %w", err)
	}
	return channels, nil
}

// GetChannel возвращает канал по id.
func (s *Service) GetChannel(ctx context.Context, id int64) (domain.Channel, error) {
	channel, err := s.channels.GetChannel(ctx, id)
	if err != nil {
		return domain.Channel{}, fmt.Errorf("канал %d: %w", id, err)
	}
	return channel, nil
}

// DeleteChannel удаляет канал вместе с сообщениями и статистикой.
func (s *Service) DeleteChannel(ctx context.Context, id int64) error {
	if err := s.channels.DeleteChannel(ctx, id); err != nil {
		return fmt.Errorf("удаление канала %d: %w", id, err)
	}
	s.log.Info().Int64("channel_id", id).Msg("analytics: канал удалён")
	return nil
}

// ListMessages возвращает страницу сообщений канала от новых к старым.
// Лимит по умолчанию 50, верхняя граница 200.
func (s *Service) ListMessages(ctx context.Context, channelID int64, limit, offset int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = defaultMessagesLimit
	}
	if limit > maxMessagesLimit {
		limit = maxMessagesLimit
	}
	if offset < 0 {
		offset = 0
	}
	if _, err := s.channels.GetChannel(ctx, channelID); err != nil {
		return nil, fmt.Errorf("канал %d: %w", channelID, err)
	}
	messages, err := s.messages.ListMessages(ctx, channelID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("сообщения канала %d: %w", channelID, err)
	}
	return messages, nil
}

// GetAnalytics суммирует дневную статистику канала за период [from, to]
// и возвращает итоги вместе с разбивкой по дням.
func (s *Service) GetAnalytics(ctx context.Context, channelID int64, from, to time.Time) (domain.Analytics, error) {
	if _, err := s.channels.GetChannel(ctx, channelID); err != nil {
		return domain.Analytics{}, fmt.Errorf("канал %d: %w", channelID, err)
	}
	daily, err := s.stats.ListDailyStats(ctx, channelID, from, to)
	if err != nil {
		return domain.Analytics{}, fmt.Errorf("статистика канала %d: %w", channelID, err)
	}

	out := domain.Analytics{
		ChannelID:   channelID,
		PeriodStart: from,
		PeriodEnd:   to,
		Daily:       daily,
	}
	for _, day := range daily {
		out.Posts += day.Posts
		out.Views += day.Views
		out.Reactions += day.Reactions
		out.Replies += day.Replies
		out.Forwards += day.Forwards
	}
	return out, nil
}
