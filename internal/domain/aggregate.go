package domain

// DailyMetrics — итог одного календарного дня.
type DailyMetrics struct {
	Posts     int64
	Views     int64
	Reactions int64
	Replies   int64
	Forwards  int64
}

// AggregateDay считает дневной агрегат по сообщениям одного дня.
// Сообщения с общим GroupedID образуют один логический пост и в счётчике
// постов учитываются один раз; суммы метрик складываются по всем сообщениям.
// SQL-пересчёт в репозитории обязан давать тот же результат.
func AggregateDay(messages []Message) DailyMetrics {
	var m DailyMetrics
	groups := make(map[int64]struct{})
	for _, msg := range messages {
		if msg.GroupedID != 0 {
			if _, ok := groups[msg.GroupedID]; !ok {
				groups[msg.GroupedID] = struct{}{}
				m.Posts++
			}
		} else {
			m.Posts++
		}
		m.Views += int64(msg.Views)
		m.Reactions += int64(msg.Reactions)
		m.Replies += int64(msg.Replies)
		m.Forwards += int64(msg.Forwards)
	}
	return m
}
