// Package reputation — персистентная пользовательская статистика, на основе
// которой строится решение "доверенный ли пользователь" (is_trusted), и
// журнал предупреждений (strikes) для доверенных пользователей, которым
// действия модерации понижаются до записи в журнал.
package reputation

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

const excerptLen = 100

// Strike — запись о правонарушении доверенного пользователя. Сообщения не
// модифицируются задним числом — список только растёт.
type Strike struct {
	Timestamp int64  `json:"timestamp"`
	Rule      string `json:"rule"`
	Reason    string `json:"reason"`
	Excerpt   string `json:"message_excerpt"`
}

// UserStats — накопленная статистика по одному пользователю. UserID дублирует
// ключ карты users/JSON-объекта на диске (§6 хранит его и как ключ, и как
// вложенное поле) — заполняется при создании записи (UpdateActivity/AddStrike)
// и восстанавливается из ключа в Load, чтобы запись была самодостаточной.
type UserStats struct {
	UserID       int64    `json:"user_id"`
	FirstSeen    int64    `json:"first_seen"`
	MessageCount int      `json:"message_count"`
	Strikes      []Strike `json:"strikes"`
}

// Tier — нестрогая таксономия доверия; Engine опирается только на IsTrusted,
// остальные уровни носят справочный характер.
type Tier string

const (
	TierNewcomer Tier = "newcomer"
	TierRegular  Tier = "regular"
	TierTrusted  Tier = "trusted"
)

// Options — пороги доверия; нулевые значения заменяются значениями по
// умолчанию в New.
type Options struct {
	TrustedMinDays     int
	TrustedMinMessages int
}

const (
	defaultTrustedMinDays     = 7
	defaultTrustedMinMessages = 50
)

// Reputation — потокобезопасное (на случай внешнего параллельного доступа,
// хотя Engine обращается к нему из одного event loop) хранилище UserStats с
// записью через каждое обновление (write-through).
type Reputation struct {
	mu       sync.RWMutex
	users    map[int64]*UserStats
	path     string
	opts     Options
}

// New создаёт пустое хранилище репутации с путём персистентности path.
func New(path string, opts Options) *Reputation {
	if opts.TrustedMinDays <= 0 {
		opts.TrustedMinDays = defaultTrustedMinDays
	}
	if opts.TrustedMinMessages <= 0 {
		opts.TrustedMinMessages = defaultTrustedMinMessages
	}
	return &Reputation{
		users: make(map[int64]*UserStats),
		path:  path,
		opts:  opts,
	}
}

// UpdateActivity создаёт запись пользователя при первом обращении,
// увеличивает счётчик сообщений и немедленно сохраняет состояние на диск.
func (r *Reputation) UpdateActivity(userID int64) error {
	r.mu.Lock()
	u, ok := r.users[userID]
	if !ok {
		u = &UserStats{UserID: userID, FirstSeen: clock.Now().Unix()}
		r.users[userID] = u
	}
	u.MessageCount++
	r.mu.Unlock()
	return r.Save()
}

// AddStrike добавляет запись о правонарушении (с усечённым до excerptLen
// рун извлечением текста сообщения) и немедленно сохраняет состояние.
func (r *Reputation) AddStrike(userID int64, rule, reason, text string) error {
	r.mu.Lock()
	u, ok := r.users[userID]
	if !ok {
		u = &UserStats{UserID: userID, FirstSeen: clock.Now().Unix()}
		r.users[userID] = u
	}
	u.Strikes = append(u.Strikes, Strike{
		Timestamp: clock.Now().Unix(),
		Rule:      rule,
		Reason:    reason,
		Excerpt:   excerpt(text),
	})
	r.mu.Unlock()
	return r.Save()
}

func excerpt(text string) string {
	runes := []rune(text)
	if len(runes) <= excerptLen {
		return text
	}
	return string(runes[:excerptLen])
}

// Summary — агрегат по уровням доверия, используемый консольной командой
// status для вывода состояния репутации без дампа всех пользователей.
type Summary struct {
	TotalUsers int
	Newcomers  int
	Regular    int
	Trusted    int
}

// Summary подсчитывает текущее распределение пользователей по уровням доверия.
func (r *Reputation) Summary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Summary{TotalUsers: len(r.users)}
	now := clock.Now()
	for _, u := range r.users {
		switch tierFor(u, r.opts, now) {
		case TierNewcomer:
			s.Newcomers++
		case TierRegular:
			s.Regular++
		case TierTrusted:
			s.Trusted++
		}
	}
	return s
}

// Tier вычисляет справочный уровень доверия пользователя. Отсутствующий
// пользователь трактуется как новичок.
func (r *Reputation) Tier(userID int64) Tier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[userID]
	if !ok {
		return TierNewcomer
	}
	return tierFor(u, r.opts, clock.Now())
}

// IsTrusted — единственный предикат, потребляемый логикой понижения
// действий в Engine.
func (r *Reputation) IsTrusted(userID int64) bool {
	return r.Tier(userID) == TierTrusted
}

func tierFor(u *UserStats, opts Options, now time.Time) Tier {
	age := now.Sub(time.Unix(u.FirstSeen, 0))
	if age < 24*time.Hour {
		return TierNewcomer
	}
	if age >= time.Duration(opts.TrustedMinDays)*24*time.Hour && u.MessageCount >= opts.TrustedMinMessages {
		return TierTrusted
	}
	return TierRegular
}

// Load читает статистику из JSON-файла. Отсутствие/повреждение файла
// логируется и приводит к пустому хранилищу, а не к ошибке запуска.
func (r *Reputation) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			r.users = make(map[int64]*UserStats)
			return nil
		}
		logger.Warnf("reputation: failed to read %s: %v", r.path, err)
		r.users = make(map[int64]*UserStats)
		return nil
	}

	raw := make(map[string]*UserStats)
	if err := json.Unmarshal(data, &raw); err != nil {
		logger.Warnf("reputation: failed to parse %s: %v", r.path, err)
		r.users = make(map[int64]*UserStats)
		return nil
	}

	parsed := make(map[int64]*UserStats, len(raw))
	for k, v := range raw {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			logger.Warnf("reputation: skipping non-numeric key %q in %s", k, r.path)
			continue
		}
		v.UserID = id // ключ карты — источник истины, поле в значении лишь отражает его
		parsed[id] = v
	}
	r.users = parsed
	return nil
}

// Save атомарно перезаписывает весь файл репутации.
func (r *Reputation) Save() error {
	r.mu.RLock()
	raw := make(map[string]*UserStats, len(r.users))
	for k, v := range r.users {
		raw[strconv.FormatInt(k, 10)] = v
	}
	r.mu.RUnlock()

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	return storage.AtomicWriteFile(r.path, data)
}
