// Package quota — скользящий суточный бюджет запросов к LLM. Состояние
// пересчитывается лениво при чтении (rollover на UTC-полночь) и
// записывается на диск при каждом учёте запроса.
package quota

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"telegram-userbot/internal/infra/clock"
	"telegram-userbot/internal/infra/logger"
	"telegram-userbot/internal/infra/storage"
)

const (
	minIntervalSeconds     = 10
	fallbackIntervalHour   = time.Hour
)

// State — персистируемое состояние квоты.
type State struct {
	DayBucketStart    int64 `json:"day_bucket_start"`
	RequestsUsed      int   `json:"requests_used"`
	NewcomerRequests  int   `json:"newcomer_requests"`
	LastFlushTime     int64 `json:"last_flush_time"`
}

// Manager — бюджет запросов к LLM на сутки (UTC).
type Manager struct {
	mu         sync.Mutex
	state      State
	dailyLimit int
	path       string
}

// New создаёт менеджер квоты с дневным лимитом dailyLimit и путём
// персистентности path. Состояние изначально соответствует текущей
// UTC-полночи — вызывающий должен явно вызвать Load при старте.
func New(dailyLimit int, path string) *Manager {
	return &Manager{
		state:      State{DayBucketStart: utcMidnight(clock.Now()).Unix()},
		dailyLimit: dailyLimit,
		path:       path,
	}
}

func utcMidnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// rolloverLocked пересчитывает текущую UTC-полночь и сбрасывает счётчики,
// если граница суток сдвинулась вперёд. Не пишет на диск — запись происходит
// только при следующем record_*.
func (m *Manager) rolloverLocked() {
	now := utcMidnight(clock.Now()).Unix()
	if now > m.state.DayBucketStart {
		m.state = State{DayBucketStart: now}
	}
}

// RecordBatchRequest добавляет n к числу использованных запросов за сутки и
// обновляет время последнего флаша. n по умолчанию 1 на уровне вызывающего
// кода (Engine передаёт явное значение).
func (m *Manager) RecordBatchRequest(n int) error {
	m.mu.Lock()
	m.rolloverLocked()
	m.state.RequestsUsed += n
	m.state.LastFlushTime = clock.Now().Unix()
	snapshot := m.state
	m.mu.Unlock()
	return m.save(snapshot)
}

// RecordNewcomerRequest увеличивает и общий, и новичковый счётчик запросов.
func (m *Manager) RecordNewcomerRequest() error {
	m.mu.Lock()
	m.rolloverLocked()
	m.state.RequestsUsed++
	m.state.NewcomerRequests++
	snapshot := m.state
	m.mu.Unlock()
	return m.save(snapshot)
}

// Interval вычисляет интервал до следующего планового флаша батча.
// interval_seconds = max(10, seconds_until_next_midnight / max(remaining, 1));
// при remaining <= 0 возвращается запасной интервал в один час, чтобы не
// устроить шторм флашей на исчерпанном бюджете.
func (m *Manager) Interval() time.Duration {
	m.mu.Lock()
	m.rolloverLocked()
	remaining := m.dailyLimit - m.state.RequestsUsed
	dayStart := m.state.DayBucketStart
	m.mu.Unlock()

	if remaining <= 0 {
		return fallbackIntervalHour
	}

	nextMidnight := time.Unix(dayStart, 0).UTC().Add(24 * time.Hour)
	untilMidnight := nextMidnight.Sub(clock.Now())
	if untilMidnight < 0 {
		untilMidnight = 0
	}

	divisor := remaining
	if divisor < 1 {
		divisor = 1
	}
	seconds := untilMidnight.Seconds() / float64(divisor)
	if seconds < minIntervalSeconds {
		seconds = minIntervalSeconds
	}
	return time.Duration(seconds * float64(time.Second))
}

// NextBatchTime возвращает момент следующего планового флаша:
// last_flush_time + interval, либо "сейчас", если флаш ещё ни разу не
// происходил.
func (m *Manager) NextBatchTime() time.Time {
	m.mu.Lock()
	lastFlush := m.state.LastFlushTime
	m.mu.Unlock()

	if lastFlush == 0 {
		return clock.Now()
	}
	return time.Unix(lastFlush, 0).UTC().Add(m.Interval())
}

// Snapshot возвращает копию текущего состояния (после применения rollover),
// удобную для проекции статуса.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked()
	return m.state
}

// DailyLimit возвращает сконфигурированный дневной лимит.
func (m *Manager) DailyLimit() int {
	return m.dailyLimit
}

// Load читает состояние из JSON-файла. Отсутствие/повреждение файла
// логируется и приводит к состоянию "текущая UTC-полночь, всё по нулям".
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			m.state = State{DayBucketStart: utcMidnight(clock.Now()).Unix()}
			return nil
		}
		logger.Warnf("quota: failed to read %s: %v", m.path, err)
		m.state = State{DayBucketStart: utcMidnight(clock.Now()).Unix()}
		return nil
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		logger.Warnf("quota: failed to parse %s: %v", m.path, err)
		m.state = State{DayBucketStart: utcMidnight(clock.Now()).Unix()}
		return nil
	}
	m.state = s
	m.rolloverLocked()
	return nil
}

func (m *Manager) save(s State) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return storage.AtomicWriteFile(m.path, data)
}
