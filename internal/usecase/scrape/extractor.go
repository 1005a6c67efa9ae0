package scrape

import (
	"context"

	"github.com/rs/zerolog"

	"tg-channel-analytics/internal/domain"
)

// Extractor собирает метрики сообщения по цепочкам стратегий: сначала
// точные постраничные запросы, затем inline-счётчики самого сообщения.
type Extractor struct {
	source domain.MetricSource
	log    zerolog.Logger
}

// NewExtractor создаёт экстрактор метрик поверх источника.
func NewExtractor(source domain.MetricSource, log zerolog.Logger) *Extractor {
	return &Extractor{source: source, log: log}
}

type metricStrategy struct {
	name  string
	fetch func(ctx context.Context) (int, error)
}

// resolve пробует стратегии по порядку. Rate-limit прерывает цепочку и
// уходит наверх, остальные ошибки переводят на следующую стратегию.
func (e *Extractor) resolve(ctx context.Context, metric string, strategies []metricStrategy) (int, error) {
	for _, s := range strategies {
		value, err := s.fetch(ctx)
		if err == nil {
			return value, nil
		}
		if _, ok := domain.AsRateLimit(err); ok {
			return 0, err
		}
		e.log.Debug().Err(err).
			Str("metric", metric).
			Str("strategy", s.name).
			Msg("extractor: стратегия недоступна, переходим к следующей")
	}
	return 0, nil
}

// Extract возвращает метрики сообщения. Ошибка возможна только из-за
// rate-limit: недоступные метрики деградируют до inline-значений или нуля.
func (e *Extractor) Extract(ctx context.Context, meta domain.ChannelMeta, msg domain.ChannelMessage) (domain.MessageMetrics, error) {
	var out domain.MessageMetrics

	reactions, err := e.resolve(ctx, "reactions", []metricStrategy{
		{name: "paginated", fetch: func(ctx context.Context) (int, error) {
			return e.source.CountReactions(ctx, meta, msg.ID)
		}},
		{name: "inline", fetch: func(ctx context.Context) (int, error) {
			return msg.InlineReactions, nil
		}},
	})
	if err != nil {
		return out, err
	}
	out.Reactions = reactions

	replies, err := e.resolve(ctx, "replies", []metricStrategy{
		{name: "paginated", fetch: func(ctx context.Context) (int, error) {
			return e.source.CountReplies(ctx, meta, msg.ID)
		}},
		{name: "inline", fetch: func(ctx context.Context) (int, error) {
			return msg.InlineReplies, nil
		}},
	})
	if err != nil {
		return out, err
	}
	out.Replies = replies

	// Точного счётчика пересылок у платформы нет: либо inline-значение,
	// либо факт пересылки как минимальная оценка.
	switch {
	case msg.ForwardsKnown:
		out.Forwards = msg.Forwards
	case msg.Forwarded:
		out.Forwards = 1
	}

	out.Views = msg.Views
	return out, nil
}
