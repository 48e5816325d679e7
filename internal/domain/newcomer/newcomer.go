// Package newcomer — отслеживание времени первого появления пользователя,
// нужное для классификации "новичок vs. старожил".
package newcomer

import (
	"encoding/json"
	"os"
	"strconv"
	"sync"
	"time"

	"telegram-userbot/internal/infra/clock"
	"telegram-userbot/internal/infra/logger"
	"telegram-userbot/internal/infra/storage"
)

// Tracker хранит время первого появления (в unix-секундах) для каждого
// идентификатора пользователя. Пользователь считается новичком, если он
// отсутствует в карте, либо если с момента first_seen прошло меньше window.
type Tracker struct {
	mu        sync.RWMutex
	firstSeen map[int64]int64
	window    time.Duration
	path      string
}

// New создаёт трекер с окном "новичка" window и путём персистентности path.
// Карта изначально пуста — вызывающий должен явно вызвать Load при старте.
func New(window time.Duration, path string) *Tracker {
	return &Tracker{
		firstSeen: make(map[int64]int64),
		window:    window,
		path:      path,
	}
}

// Register вставляет текущее время для userID, если пользователь ранее не
// встречался, и немедленно сохраняет состояние (write-through, как
// reputation.UpdateActivity). Идемпотентна — повторные вызовы для известного
// пользователя ничего не меняют и не трогают диск.
func (t *Tracker) Register(userID int64) error {
	t.mu.Lock()
	if _, ok := t.firstSeen[userID]; ok {
		t.mu.Unlock()
		return nil
	}
	t.firstSeen[userID] = clock.Now().Unix()
	t.mu.Unlock()
	return t.Save()
}

// BulkRegister используется при старте для пометки существующих участников
// чата как не-новичков: first_seen выставляется в "now - window - 1" для
// отсутствующих записей, а также для уже существующих записей, которые на
// момент вызова классифицируются как новички. Записи с более старым
// (уже не-новичковым) first_seen не трогаются. Сохраняет состояние один раз
// после применения всего списка (write-through), а не на каждого id.
func (t *Tracker) BulkRegister(userIDs []int64) error {
	t.mu.Lock()
	now := clock.Now().Unix()
	backdated := now - int64(t.window/time.Second) - 1
	for _, uid := range userIDs {
		fs, ok := t.firstSeen[uid]
		if !ok {
			t.firstSeen[uid] = backdated
			continue
		}
		if t.isNewcomerLocked(fs, now) {
			t.firstSeen[uid] = backdated
		}
	}
	t.mu.Unlock()
	return t.Save()
}

// IsNewcomer возвращает true, если пользователь отсутствует в карте, либо
// если с его first_seen прошло меньше window.
func (t *Tracker) IsNewcomer(userID int64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fs, ok := t.firstSeen[userID]
	if !ok {
		return true
	}
	return t.isNewcomerLocked(fs, clock.Now().Unix())
}

func (t *Tracker) isNewcomerLocked(firstSeen, now int64) bool {
	return now-firstSeen < int64(t.window/time.Second)
}

// Load читает карту first_seen из JSON-файла. Отсутствие файла — это не
// ошибка (пустая карта). Любая другая ошибка чтения/разбора логируется и
// также приводит к пустой карте, а не к падению процесса.
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			t.firstSeen = make(map[int64]int64)
			return nil
		}
		logger.Warnf("newcomer: failed to read %s: %v", t.path, err)
		t.firstSeen = make(map[int64]int64)
		return nil
	}

	raw := make(map[string]int64)
	if err := json.Unmarshal(data, &raw); err != nil {
		logger.Warnf("newcomer: failed to parse %s: %v", t.path, err)
		t.firstSeen = make(map[int64]int64)
		return nil
	}

	parsed := make(map[int64]int64, len(raw))
	for k, v := range raw {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			logger.Warnf("newcomer: skipping non-numeric key %q in %s", k, t.path)
			continue
		}
		parsed[id] = v
	}
	t.firstSeen = parsed
	return nil
}

// Save атомарно записывает текущую карту first_seen в JSON-файл, ключи
// сериализуются как строки (требование encoding/json для map-ключей).
func (t *Tracker) Save() error {
	t.mu.RLock()
	raw := make(map[string]int64, len(t.firstSeen))
	for k, v := range t.firstSeen {
		raw[strconv.FormatInt(k, 10)] = v
	}
	t.mu.RUnlock()

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	return storage.AtomicWriteFile(t.path, data)
}
