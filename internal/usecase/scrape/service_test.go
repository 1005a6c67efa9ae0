package scrape

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-channel-analytics/internal/domain"
	"tg-channel-analytics/internal/infra/guard"
)

// stubGateway отдаёт заранее заготовленную историю от новых к старым.
// rateLimitBefore указывает индекс сообщения, перед которым Next один раз
// вернёт rate-limit.
type stubGateway struct {
	meta            domain.ChannelMeta
	history         []domain.ChannelMessage
	resolveErr      error
	rateLimitBefore int
	rateLimitWait   time.Duration
	block           chan struct{}

	mu        sync.Mutex
	limited   bool
	nextCalls int
}

func (g *stubGateway) ResolveChannel(context.Context, string) (domain.ChannelMeta, error) {
	if g.resolveErr != nil {
		return domain.ChannelMeta{}, g.resolveErr
	}
	return g.meta, nil
}

func (g *stubGateway) History(context.Context, domain.ChannelMeta) (domain.HistoryIterator, error) {
	return &stubIterator{gw: g}, nil
}

func (g *stubGateway) CountReactions(_ context.Context, _ domain.ChannelMeta, id int64) (int, error) {
	for _, msg := range g.history {
		if msg.ID == id {
			return msg.InlineReactions, nil
		}
	}
	return 0, nil
}

func (g *stubGateway) CountReplies(_ context.Context, _ domain.ChannelMeta, id int64) (int, error) {
	for _, msg := range g.history {
		if msg.ID == id {
			return msg.InlineReplies, nil
		}
	}
	return 0, nil
}

type stubIterator struct {
	gw  *stubGateway
	pos int
}

func (it *stubIterator) Next(ctx context.Context) (domain.ChannelMessage, bool, error) {
	it.gw.mu.Lock()
	it.gw.nextCalls++
	if it.gw.rateLimitWait > 0 && it.pos == it.gw.rateLimitBefore && !it.gw.limited {
		it.gw.limited = true
		wait := it.gw.rateLimitWait
		it.gw.mu.Unlock()
		return domain.ChannelMessage{}, false, &domain.RateLimitError{Wait: wait}
	}
	it.gw.mu.Unlock()

	if it.gw.block != nil {
		select {
		case <-ctx.Done():
			return domain.ChannelMessage{}, false, ctx.Err()
		case <-it.gw.block:
		}
	}
	if it.pos >= len(it.gw.history) {
		return domain.ChannelMessage{}, false, nil
	}
	msg := it.gw.history[it.pos]
	it.pos++
	return msg, true, nil
}

// stubStore реализует все репозитории сканирования в памяти.
// Пересчёт статистики повторяет SQL-агрегат через domain.AggregateDay.
type stubStore struct {
	mu          sync.Mutex
	channels    map[int64]domain.Channel
	messages    map[int64]map[int64]domain.Message
	stats       map[time.Time]domain.DailyStat
	checkpoints map[int64]int64
	flushes     int
}

func newStubStore() *stubStore {
	return &stubStore{
		channels:    make(map[int64]domain.Channel),
		messages:    make(map[int64]map[int64]domain.Message),
		stats:       make(map[time.Time]domain.DailyStat),
		checkpoints: make(map[int64]int64),
	}
}

func (s *stubStore) UpsertChannel(_ context.Context, meta domain.ChannelMeta) (domain.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := domain.Channel{ID: meta.ID, Title: meta.Title, Type: meta.Type}
	s.channels[meta.ID] = ch
	return ch, nil
}

func (s *stubStore) ListChannels(context.Context) ([]domain.Channel, error) { return nil, nil }
func (s *stubStore) GetChannel(_ context.Context, id int64) (domain.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return domain.Channel{}, domain.ErrChannelNotFound
	}
	return ch, nil
}
func (s *stubStore) DeleteChannel(context.Context, int64) error { return nil }

func (s *stubStore) UpsertMessages(_ context.Context, messages []domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	for _, msg := range messages {
		byID, ok := s.messages[msg.ChannelID]
		if !ok {
			byID = make(map[int64]domain.Message)
			s.messages[msg.ChannelID] = byID
		}
		byID[msg.MessageID] = msg
	}
	return nil
}

func (s *stubStore) ListMessages(context.Context, int64, int, int) ([]domain.Message, error) {
	return nil, nil
}

func (s *stubStore) RecomputeDailyStats(_ context.Context, channelID int64, days []time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, day := range days {
		var ofDay []domain.Message
		for _, msg := range s.messages[channelID] {
			d := msg.Date.UTC()
			if time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC).Equal(day) {
				ofDay = append(ofDay, msg)
			}
		}
		agg := domain.AggregateDay(ofDay)
		s.stats[day] = domain.DailyStat{
			ChannelID: channelID,
			Date:      day,
			Posts:     agg.Posts,
			Views:     agg.Views,
			Reactions: agg.Reactions,
			Replies:   agg.Replies,
			Forwards:  agg.Forwards,
		}
	}
	return nil
}

func (s *stubStore) ListDailyStats(context.Context, int64, time.Time, time.Time) ([]domain.DailyStat, error) {
	return nil, nil
}

func (s *stubStore) GetCheckpoint(_ context.Context, channelID int64) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.checkpoints[channelID]
	return id, ok, nil
}

func (s *stubStore) UpdateCheckpoint(_ context.Context, channelID, candidateID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if candidateID > s.checkpoints[channelID] {
		s.checkpoints[channelID] = candidateID
	}
	return nil
}

func (s *stubStore) messageCount(channelID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[channelID])
}

func (s *stubStore) checkpoint(channelID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoints[channelID]
}

func (s *stubStore) stat(day time.Time) domain.DailyStat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats[day]
}

func newTestService(gw *stubGateway, store *stubStore) (*Service, *Registry) {
	registry := NewRegistry()
	svc := NewService(gw, gw, store, store, store, store, guard.NewMemory(), registry,
		time.UTC, zerolog.Nop(), 50, 10)
	return svc, registry
}

func waitState(t *testing.T, reg *Registry, identifier string, states ...string) domain.ScrapeStatus {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if status, ok := reg.Get(identifier); ok {
			for _, state := range states {
				if status.State == state {
					return status
				}
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	status, _ := reg.Get(identifier)
	t.Fatalf("не дождались состояния %v, текущее %+v", states, status)
	return domain.ScrapeStatus{}
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestRunRespectsDateWindow(t *testing.T) {
	gw := &stubGateway{
		meta: domain.ChannelMeta{ID: 10, Title: "news", Type: domain.ChannelTypeChannel},
		history: []domain.ChannelMessage{
			{ID: 300, Date: day(2024, 1, 15).Add(9 * time.Hour), Views: 30},
			{ID: 200, Date: day(2024, 1, 10).Add(9 * time.Hour), Views: 20},
			{ID: 100, Date: day(2024, 1, 5).Add(9 * time.Hour), Views: 10},
		},
	}
	store := newStubStore()
	svc, reg := newTestService(gw, store)

	if _, err := svc.StartRun(context.Background(), "news", day(2024, 1, 8), day(2024, 1, 12)); err != nil {
		t.Fatalf("не ожидали ошибку запуска: %v", err)
	}
	status := waitState(t, reg, "news", domain.ScrapeStateCompleted)

	if status.Processed != 1 {
		t.Fatalf("ожидали 1 сообщение в окне, получили %d", status.Processed)
	}
	if store.messageCount(10) != 1 {
		t.Fatalf("ожидали одно сохранённое сообщение, получили %d", store.messageCount(10))
	}
	if store.checkpoint(10) != 200 {
		t.Fatalf("ожидали чекпоинт 200, получили %d", store.checkpoint(10))
	}
	if got := store.stat(day(2024, 1, 10)); got.Posts != 1 || got.Views != 20 {
		t.Fatalf("ожидали агрегат за 10 января posts=1 views=20, получили %+v", got)
	}
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	gw := &stubGateway{
		meta: domain.ChannelMeta{ID: 10, Title: "news", Type: domain.ChannelTypeChannel},
		history: []domain.ChannelMessage{
			{ID: 120, Date: day(2024, 2, 3).Add(time.Hour)},
			{ID: 110, Date: day(2024, 2, 2).Add(time.Hour)},
			{ID: 100, Date: day(2024, 2, 1).Add(time.Hour)},
			{ID: 90, Date: day(2024, 1, 31).Add(time.Hour)},
		},
	}
	store := newStubStore()
	store.checkpoints[10] = 100
	svc, reg := newTestService(gw, store)

	if _, err := svc.StartRun(context.Background(), "news", day(2024, 1, 1), day(2024, 2, 28)); err != nil {
		t.Fatalf("не ожидали ошибку запуска: %v", err)
	}
	status := waitState(t, reg, "news", domain.ScrapeStateCompleted)

	if status.Processed != 2 {
		t.Fatalf("ожидали обработку только сообщений новее чекпоинта, получили %d", status.Processed)
	}
	if store.checkpoint(10) != 120 {
		t.Fatalf("ожидали сдвиг чекпоинта к 120, получили %d", store.checkpoint(10))
	}
}

func TestRunPausesOnRateLimit(t *testing.T) {
	gw := &stubGateway{
		meta: domain.ChannelMeta{ID: 10, Title: "news", Type: domain.ChannelTypeChannel},
		history: []domain.ChannelMessage{
			{ID: 200, Date: day(2024, 3, 2).Add(time.Hour), Views: 7},
			{ID: 100, Date: day(2024, 3, 1).Add(time.Hour), Views: 5},
		},
		rateLimitBefore: 1,
		rateLimitWait:   30 * time.Millisecond,
	}
	store := newStubStore()
	svc, reg := newTestService(gw, store)

	if _, err := svc.StartRun(context.Background(), "news", day(2024, 3, 1), day(2024, 3, 31)); err != nil {
		t.Fatalf("не ожидали ошибку запуска: %v", err)
	}
	paused := waitState(t, reg, "news", domain.ScrapeStatePaused, domain.ScrapeStateCompleted)
	if paused.State == domain.ScrapeStatePaused && paused.Wait != 30*time.Millisecond {
		t.Fatalf("ожидали время ожидания в статусе, получили %v", paused.Wait)
	}
	status := waitState(t, reg, "news", domain.ScrapeStateCompleted)

	if status.Processed != 2 {
		t.Fatalf("после паузы каждое сообщение учитывается один раз, получили %d", status.Processed)
	}
	if status.Wait != 0 {
		t.Fatalf("после возобновления wait должен обнуляться, получили %v", status.Wait)
	}
	if store.messageCount(10) != 2 {
		t.Fatalf("ожидали 2 сохранённых сообщения, получили %d", store.messageCount(10))
	}
}

func TestRunGroupedMediaCountsOnePost(t *testing.T) {
	d := day(2024, 4, 1)
	gw := &stubGateway{
		meta: domain.ChannelMeta{ID: 10, Title: "news", Type: domain.ChannelTypeChannel},
		history: []domain.ChannelMessage{
			{ID: 104, Date: d.Add(4 * time.Hour), Views: 50},
			{ID: 103, Date: d.Add(3 * time.Hour), Views: 10, GroupedID: 777},
			{ID: 102, Date: d.Add(3 * time.Hour), Views: 10, GroupedID: 777},
			{ID: 101, Date: d.Add(3 * time.Hour), Views: 10, GroupedID: 777},
		},
	}
	store := newStubStore()
	svc, reg := newTestService(gw, store)

	if _, err := svc.StartRun(context.Background(), "news", d, d); err != nil {
		t.Fatalf("не ожидали ошибку запуска: %v", err)
	}
	waitState(t, reg, "news", domain.ScrapeStateCompleted)

	got := store.stat(d)
	if got.Posts != 2 {
		t.Fatalf("альбом считается одним постом: ожидали 2, получили %d", got.Posts)
	}
	if got.Views != 80 {
		t.Fatalf("просмотры складываются по всем сообщениям: ожидали 80, получили %d", got.Views)
	}
}

func TestRunConflictAndCancel(t *testing.T) {
	gw := &stubGateway{
		meta:  domain.ChannelMeta{ID: 10, Title: "news", Type: domain.ChannelTypeChannel},
		block: make(chan struct{}),
	}
	store := newStubStore()
	svc, reg := newTestService(gw, store)

	if _, err := svc.StartRun(context.Background(), "news", day(2024, 5, 1), day(2024, 5, 31)); err != nil {
		t.Fatalf("не ожидали ошибку запуска: %v", err)
	}
	waitState(t, reg, "news", domain.ScrapeStateRunning)

	if _, err := svc.StartRun(context.Background(), "news", day(2024, 5, 1), day(2024, 5, 31)); !errors.Is(err, domain.ErrRunInProgress) {
		t.Fatalf("ожидали ErrRunInProgress, получили %v", err)
	}

	if !svc.CancelRun("news") {
		t.Fatalf("ожидали отмену активного запуска")
	}
	waitState(t, reg, "news", domain.ScrapeStateCancelled)

	if svc.CancelRun("news") {
		t.Fatalf("повторная отмена не должна находить активный запуск")
	}

	// После отмены блокировка снята и новый запуск стартует.
	gw.block = nil
	if _, err := svc.StartRun(context.Background(), "news", day(2024, 5, 1), day(2024, 5, 31)); err != nil {
		t.Fatalf("ожидали запуск после отмены, получили %v", err)
	}
	waitState(t, reg, "news", domain.ScrapeStateCompleted)
}

func TestRunResolveFailure(t *testing.T) {
	gw := &stubGateway{resolveErr: domain.ErrNotChannel}
	store := newStubStore()
	svc, reg := newTestService(gw, store)

	if _, err := svc.StartRun(context.Background(), "someuser", day(2024, 6, 1), day(2024, 6, 30)); err != nil {
		t.Fatalf("не ожидали ошибку запуска: %v", err)
	}
	status := waitState(t, reg, "someuser", domain.ScrapeStateFailed)
	if status.Error == "" {
		t.Fatalf("ожидали текст ошибки в статусе")
	}

	// Блокировка снимается и после падения.
	gw.resolveErr = nil
	gw.meta = domain.ChannelMeta{ID: 10, Title: "news", Type: domain.ChannelTypeChannel}
	if _, err := svc.StartRun(context.Background(), "someuser", day(2024, 6, 1), day(2024, 6, 30)); err != nil {
		t.Fatalf("ожидали запуск после падения, получили %v", err)
	}
	waitState(t, reg, "someuser", domain.ScrapeStateCompleted)
}

func TestRunTwoDayAggregates(t *testing.T) {
	d1 := day(2024, 1, 1)
	d2 := day(2024, 1, 2)
	gw := &stubGateway{
		meta: domain.ChannelMeta{ID: 10, Title: "news", Type: domain.ChannelTypeChannel},
		history: []domain.ChannelMessage{
			{ID: 103, Date: d2.Add(15 * time.Hour), Views: 7},
			{ID: 102, Date: d2.Add(10 * time.Hour), Views: 5},
			{ID: 101, Date: d1.Add(10 * time.Hour), Views: 10},
		},
	}
	store := newStubStore()
	svc, reg := newTestService(gw, store)

	if _, err := svc.StartRun(context.Background(), "news", d1, d2); err != nil {
		t.Fatalf("не ожидали ошибку запуска: %v", err)
	}
	waitState(t, reg, "news", domain.ScrapeStateCompleted)

	if got := store.stat(d1); got.Posts != 1 || got.Views != 10 {
		t.Fatalf("ожидали за первый день posts=1 views=10, получили %+v", got)
	}
	if got := store.stat(d2); got.Posts != 2 || got.Views != 12 {
		t.Fatalf("ожидали за второй день posts=2 views=12, получили %+v", got)
	}
}

func TestRunIdempotentRerun(t *testing.T) {
	d := day(2024, 7, 1)
	gw := &stubGateway{
		meta: domain.ChannelMeta{ID: 10, Title: "news", Type: domain.ChannelTypeChannel},
		history: []domain.ChannelMessage{
			{ID: 102, Date: d.Add(2 * time.Hour), Views: 7},
			{ID: 101, Date: d.Add(time.Hour), Views: 5},
		},
	}
	store := newStubStore()
	svc, reg := newTestService(gw, store)

	for i := 0; i < 2; i++ {
		if _, err := svc.StartRun(context.Background(), "news", d, d); err != nil {
			t.Fatalf("не ожидали ошибку запуска: %v", err)
		}
		waitState(t, reg, "news", domain.ScrapeStateCompleted)
	}

	if store.messageCount(10) != 2 {
		t.Fatalf("повторный запуск не должен дублировать сообщения, получили %d", store.messageCount(10))
	}
	if got := store.stat(d); got.Posts != 2 || got.Views != 12 {
		t.Fatalf("ожидали стабильный агрегат posts=2 views=12, получили %+v", got)
	}
	if store.checkpoint(10) != 102 {
		t.Fatalf("чекпоинт не должен уменьшаться, получили %d", store.checkpoint(10))
	}
}
