package scrape

import (
	"testing"
	"time"

	"tg-channel-analytics/internal/domain"
)

func TestRegistryApplyCreatesEntry(t *testing.T) {
	reg := NewRegistry()
	state := domain.ScrapeStateRunning
	reg.Apply("chan", domain.StatusPatch{State: &state})

	status, ok := reg.Get("chan")
	if !ok {
		t.Fatalf("ожидали запись после Apply")
	}
	if status.State != domain.ScrapeStateRunning {
		t.Fatalf("ожидали running, получили %s", status.State)
	}
}

func TestRegistryApplyPartial(t *testing.T) {
	reg := NewRegistry()
	reg.Reset("chan", "run-1")

	processed := 30
	date := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	reg.Apply("chan", domain.StatusPatch{Processed: &processed, CurrentDate: &date})

	status, _ := reg.Get("chan")
	if status.RunID != "run-1" {
		t.Fatalf("частичный патч не должен трогать run_id, получили %q", status.RunID)
	}
	if status.Processed != 30 {
		t.Fatalf("ожидали processed 30, получили %d", status.Processed)
	}
	if status.CurrentDate == nil || !status.CurrentDate.Equal(date) {
		t.Fatalf("ожидали дату %v, получили %v", date, status.CurrentDate)
	}

	state := domain.ScrapeStateCompleted
	reg.Apply("chan", domain.StatusPatch{State: &state, ClearDate: true})
	status, _ = reg.Get("chan")
	if status.CurrentDate != nil {
		t.Fatalf("ClearDate должен обнулять текущую дату")
	}
	if status.Processed != 30 {
		t.Fatalf("патч без Processed не должен сбрасывать счётчик")
	}
}

func TestRegistryResetStartsNewRun(t *testing.T) {
	reg := NewRegistry()
	reg.Reset("chan", "run-1")
	processed := 99
	errText := "упало"
	state := domain.ScrapeStateFailed
	reg.Apply("chan", domain.StatusPatch{State: &state, Processed: &processed, Error: &errText})

	reg.Reset("chan", "run-2")
	status, _ := reg.Get("chan")
	if status.RunID != "run-2" || status.State != domain.ScrapeStatePending {
		t.Fatalf("ожидали чистый pending для нового запуска, получили %+v", status)
	}
	if status.Processed != 0 || status.Error != "" {
		t.Fatalf("Reset должен сбрасывать прогресс и ошибку")
	}
}

func TestRegistryListSorted(t *testing.T) {
	reg := NewRegistry()
	reg.Reset("bbb", "1")
	reg.Reset("aaa", "2")
	reg.Reset("ccc", "3")

	list := reg.List()
	if len(list) != 3 {
		t.Fatalf("ожидали 3 записи, получили %d", len(list))
	}
	if list[0].Identifier != "aaa" || list[2].Identifier != "ccc" {
		t.Fatalf("ожидали сортировку по идентификатору, получили %v", list)
	}
}
