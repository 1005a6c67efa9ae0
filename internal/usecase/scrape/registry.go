package scrape

import (
	"sort"
	"sync"

	"tg-channel-analytics/internal/domain"
)

// Registry хранит статусы запусков сбора в памяти процесса.
type Registry struct {
	mu       sync.RWMutex
	statuses map[string]domain.ScrapeStatus
}

// NewRegistry создаёт пустой реестр статусов.
func NewRegistry() *Registry {
	return &Registry{statuses: make(map[string]domain.ScrapeStatus)}
}

// Reset заводит запись нового запуска в состоянии pending.
func (r *Registry) Reset(identifier, runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[identifier] = domain.ScrapeStatus{
		Identifier: identifier,
		RunID:      runID,
		State:      domain.ScrapeStatePending,
	}
}

// Apply накладывает частичное обновление на статус. Поля патча,
// оставленные nil, не трогают текущие значения.
func (r *Registry) Apply(identifier string, patch domain.StatusPatch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status, ok := r.statuses[identifier]
	if !ok {
		status = domain.ScrapeStatus{Identifier: identifier, State: domain.ScrapeStatePending}
	}
	if patch.State != nil {
		status.State = *patch.State
	}
	if patch.RunID != nil {
		status.RunID = *patch.RunID
	}
	if patch.Processed != nil {
		status.Processed = *patch.Processed
	}
	if patch.CurrentDate != nil {
		status.CurrentDate = patch.CurrentDate
	}
	if patch.ClearDate {
		status.CurrentDate = nil
	}
	if patch.Wait != nil {
		status.Wait = *patch.Wait
	}
	if patch.Error != nil {
		status.Error = *patch.Error
	}
	r.statuses[identifier] = status
}

// Get возвращает снимок статуса по идентификатору канала.
func (r *Registry) Get(identifier string) (domain.ScrapeStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	status, ok := r.statuses[identifier]
	return status, ok
}

// List возвращает снимки всех известных статусов, отсортированные
// по идентификатору канала.
func (r *Registry) List() []domain.ScrapeStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ScrapeStatus, 0, len(r.statuses))
	for _, status := range r.statuses {
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}
