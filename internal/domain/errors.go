package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotChannel возвращается, когда идентификатор указывает не на канал или супергруппу.
var ErrNotChannel = errors.New("цель не является каналом или супергруппой")

// ErrChannelNotFound возвращается, когда канал отсутствует в БД.
var ErrChannelNotFound = errors.New("канал не найден")

// ErrRunInProgress возвращается при попытке запустить второе сканирование
// для того же идентификатора.
var ErrRunInProgress = errors.New("сканирование для этого канала уже запущено")

// RateLimitError — сигнал rate-limit от платформы. Это не сбой: движок обязан
// выждать указанную длительность и продолжить с той же позиции.
type RateLimitError struct {
	Wait time.Duration
}

// Error реализует error.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit: требуется пауза %s", e.Wait)
}

// AsRateLimit извлекает RateLimitError из цепочки ошибок.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
