package scrape

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tg-channel-analytics/internal/domain"
	"tg-channel-analytics/internal/infra/metrics"
)

// Service управляет жизненным циклом задач сканирования каналов:
// запуск, фоновые воркеры, статусы и отмена.
type Service struct {
	gateway     domain.ChannelGateway
	channels    domain.ChannelRepo
	messages    domain.MessageRepo
	stats       domain.StatsRepo
	checkpoints domain.CheckpointRepo
	guard       domain.RunGuard
	registry    *Registry
	extractor   *Extractor
	loc         *time.Location
	log         zerolog.Logger

	batchSize   int
	statusEvery int

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewService создаёт сервис сканирования.
func NewService(
	gateway domain.ChannelGateway,
	source domain.MetricSource,
	channels domain.ChannelRepo,
	messages domain.MessageRepo,
	stats domain.StatsRepo,
	checkpoints domain.CheckpointRepo,
	guard domain.RunGuard,
	registry *Registry,
	loc *time.Location,
	log zerolog.Logger,
	batchSize, statusEvery int,
) *Service {
	if batchSize <= 0 {
		batchSize = 50
	}
	if statusEvery <= 0 {
		statusEvery = 10
	}
	return &Service{
		gateway:     gateway,
		channels:    channels,
		messages:    messages,
		stats:       stats,
		checkpoints: checkpoints,
		guard:       guard,
		registry:    registry,
		extractor:   NewExtractor(source, log),
		loc:         loc,
		log:         log,
		batchSize:   batchSize,
		statusEvery: statusEvery,
		cancels:     make(map[string]context.CancelFunc),
	}
}

// StartRun запускает фоновое сканирование и возвращает id запуска.
// Пустой endDate означает «по сегодняшний день».
func (s *Service) StartRun(ctx context.Context, identifier string, startDate, endDate time.Time) (string, error) {
	if endDate.IsZero() {
		endDate = time.Now().In(s.loc)
	}
	ok, err := s.guard.Acquire(ctx, identifier)
	if err != nil {
		return "", fmt.Errorf("захват блокировки запуска: %w", err)
	}
	if !ok {
		return "", domain.ErrRunInProgress
	}

	runID := uuid.NewString()
	s.registry.Reset(identifier, runID)

	// Контекст запуска не привязан к HTTP-запросу: сканирование живёт дольше.
	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[identifier] = cancel
	s.mu.Unlock()

	go s.supervise(runCtx, identifier, runID, s.dayOf(startDate), s.dayOf(endDate))
	return runID, nil
}

// CancelRun отменяет активный запуск; false — активного запуска нет.
func (s *Service) CancelRun(identifier string) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[identifier]
	s.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Status возвращает статус последнего запуска по идентификатору.
func (s *Service) Status(identifier string) (domain.ScrapeStatus, bool) {
	return s.registry.Get(identifier)
}

// Statuses возвращает статусы всех известных запусков.
func (s *Service) Statuses() []domain.ScrapeStatus {
	return s.registry.List()
}

// supervise оборачивает один запуск: снятие блокировки, терминальный
// статус, метрики и защита от паники воркера. Терминальный статус
// выставляется строго после снятия блокировки, чтобы увидевший его
// клиент мог сразу запустить новое сканирование.
func (s *Service) supervise(ctx context.Context, identifier, runID string, windowStart, windowEnd time.Time) {
	start := time.Now()
	var runErr error
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error().Interface("panic", rec).Str("identifier", identifier).Msg("scrape: паника воркера")
				runErr = fmt.Errorf("внутренняя ошибка: %v", rec)
			}
		}()
		runErr = s.runScrape(ctx, identifier, windowStart, windowEnd)
	}()

	s.mu.Lock()
	delete(s.cancels, identifier)
	s.mu.Unlock()

	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.guard.Release(releaseCtx, identifier); err != nil {
		s.log.Warn().Err(err).Str("identifier", identifier).Msg("scrape: не удалось снять блокировку запуска")
	}

	switch {
	case runErr == nil:
		s.applyTerminal(identifier, domain.ScrapeStateCompleted, "")
		metrics.ObserveScrapeRun("completed", time.Since(start))
		s.log.Info().Str("identifier", identifier).Str("run_id", runID).Msg("scrape: сканирование завершено")
	case errors.Is(runErr, context.Canceled):
		s.applyTerminal(identifier, domain.ScrapeStateCancelled, "")
		metrics.ObserveScrapeRun("cancelled", time.Since(start))
		s.log.Info().Str("identifier", identifier).Str("run_id", runID).Msg("scrape: сканирование отменено")
	default:
		s.applyTerminal(identifier, domain.ScrapeStateFailed, runErr.Error())
		metrics.ObserveScrapeRun("failed", time.Since(start))
		s.log.Error().Err(runErr).Str("identifier", identifier).Str("run_id", runID).Msg("scrape: сканирование упало")
	}
}

// runScrape выполняет один проход по истории канала в заданном окне дат.
func (s *Service) runScrape(ctx context.Context, identifier string, windowStart, windowEnd time.Time) error {
	s.applyState(identifier, domain.ScrapeStateInitializing)

	meta, err := s.resolveWithRetry(ctx, identifier)
	if err != nil {
		return err
	}
	if _, err := s.channels.UpsertChannel(ctx, meta); err != nil {
		return fmt.Errorf("сохранение канала: %w", err)
	}

	checkpoint, hasCheckpoint, err := s.checkpoints.GetCheckpoint(ctx, meta.ID)
	if err != nil {
		return fmt.Errorf("чтение чекпоинта: %w", err)
	}

	iter, err := s.gateway.History(ctx, meta)
	if err != nil {
		return fmt.Errorf("открытие истории: %w", err)
	}

	s.applyState(identifier, domain.ScrapeStateRunning)

	batch := make([]domain.Message, 0, s.batchSize)
	days := make(map[time.Time]struct{})
	var highest int64
	processed := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, ok, err := iter.Next(ctx)
		if err != nil {
			if rl, isRL := domain.AsRateLimit(err); isRL {
				if perr := s.pause(ctx, identifier, rl.Wait); perr != nil {
					return perr
				}
				continue
			}
			return fmt.Errorf("чтение истории: %w", err)
		}
		if !ok {
			break
		}

		day := s.dayOf(msg.Date)
		// Итерация идёт от новых к старым: будущие дни пропускаем,
		// день раньше окна означает конец полезной части истории.
		if day.After(windowEnd) {
			continue
		}
		if day.Before(windowStart) {
			break
		}
		if hasCheckpoint && msg.ID <= checkpoint {
			break
		}

		mm, err := s.extractWithRetry(ctx, identifier, meta, msg)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			metrics.ScrapeItemErrors.Inc()
			s.log.Warn().Err(err).Int64("message_id", msg.ID).Str("identifier", identifier).
				Msg("scrape: сообщение пропущено из-за ошибки")
			continue
		}

		batch = append(batch, domain.Message{
			ChannelID: meta.ID,
			MessageID: msg.ID,
			Date:      msg.Date,
			Views:     mm.Views,
			Reactions: mm.Reactions,
			Replies:   mm.Replies,
			Forwards:  mm.Forwards,
			GroupedID: msg.GroupedID,
		})
		days[day] = struct{}{}
		if msg.ID > highest {
			highest = msg.ID
		}
		processed++
		metrics.ScrapeMessagesProcessed.Inc()

		if processed%s.statusEvery == 0 {
			date := msg.Date
			count := processed
			s.registry.Apply(identifier, domain.StatusPatch{Processed: &count, CurrentDate: &date})
		}

		if len(batch) >= s.batchSize {
			if err := s.flush(ctx, meta.ID, batch, days, highest); err != nil {
				return err
			}
			batch = batch[:0]
			days = make(map[time.Time]struct{})
		}
	}

	// Финальный сброс выполняется всегда: чекпоинт обновляет отметку
	// времени даже при пустом проходе.
	if err := s.flush(ctx, meta.ID, batch, days, highest); err != nil {
		return err
	}

	count := processed
	s.registry.Apply(identifier, domain.StatusPatch{Processed: &count, ClearDate: true})
	return nil
}

// flush сохраняет пачку сообщений, пересчитывает затронутые дни и
// двигает чекпоинт одной последовательностью.
func (s *Service) flush(ctx context.Context, channelID int64, batch []domain.Message, days map[time.Time]struct{}, highest int64) error {
	if len(batch) > 0 {
		if err := s.messages.UpsertMessages(ctx, batch); err != nil {
			return fmt.Errorf("сохранение сообщений: %w", err)
		}
		affected := make([]time.Time, 0, len(days))
		for day := range days {
			affected = append(affected, day)
		}
		sort.Slice(affected, func(i, j int) bool { return affected[i].Before(affected[j]) })
		if err := s.stats.RecomputeDailyStats(ctx, channelID, affected); err != nil {
			return fmt.Errorf("пересчёт статистики: %w", err)
		}
	}
	if err := s.checkpoints.UpdateCheckpoint(ctx, channelID, highest); err != nil {
		return fmt.Errorf("обновление чекпоинта: %w", err)
	}
	return nil
}

// resolveWithRetry резолвит канал, пережидая rate-limit.
func (s *Service) resolveWithRetry(ctx context.Context, identifier string) (domain.ChannelMeta, error) {
	for {
		meta, err := s.gateway.ResolveChannel(ctx, identifier)
		if err == nil {
			return meta, nil
		}
		if rl, ok := domain.AsRateLimit(err); ok {
			if perr := s.pause(ctx, identifier, rl.Wait); perr != nil {
				return domain.ChannelMeta{}, perr
			}
			continue
		}
		return domain.ChannelMeta{}, fmt.Errorf("резолв канала: %w", err)
	}
}

// extractWithRetry собирает метрики сообщения, пережидая rate-limit.
// Сообщение после паузы обрабатывается заново с той же позиции.
func (s *Service) extractWithRetry(ctx context.Context, identifier string, meta domain.ChannelMeta, msg domain.ChannelMessage) (domain.MessageMetrics, error) {
	for {
		mm, err := s.extractor.Extract(ctx, meta, msg)
		if err == nil {
			return mm, nil
		}
		if rl, ok := domain.AsRateLimit(err); ok {
			if perr := s.pause(ctx, identifier, rl.Wait); perr != nil {
				return domain.MessageMetrics{}, perr
			}
			continue
		}
		return domain.MessageMetrics{}, err
	}
}

// pause переводит запуск в paused на время rate-limit и возвращает его
// в running. Отмена контекста прерывает ожидание.
func (s *Service) pause(ctx context.Context, identifier string, wait time.Duration) error {
	metrics.ObserveFloodWait(wait)
	paused := domain.ScrapeStatePaused
	s.registry.Apply(identifier, domain.StatusPatch{State: &paused, Wait: &wait})
	s.log.Warn().Dur("wait", wait).Str("identifier", identifier).Msg("scrape: пауза по rate-limit")

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	running := domain.ScrapeStateRunning
	zero := time.Duration(0)
	s.registry.Apply(identifier, domain.StatusPatch{State: &running, Wait: &zero})
	return nil
}

// dayOf приводит момент времени к полуночи календарного дня
// в часовом поясе сканирования.
func (s *Service) dayOf(t time.Time) time.Time {
	local := t.In(s.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
}

func (s *Service) applyState(identifier, state string) {
	s.registry.Apply(identifier, domain.StatusPatch{State: &state})
}

func (s *Service) applyTerminal(identifier, state, errText string) {
	patch := domain.StatusPatch{State: &state, ClearDate: true}
	if errText != "" {
		patch.Error = &errText
	}
	s.registry.Apply(identifier, patch)
}
