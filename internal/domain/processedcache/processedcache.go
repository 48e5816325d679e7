// Package processedcache — дедупликация входящих сообщений по паре
// (chat_id, message_id). Это ограниченная по размеру LRU-таблица без значений
// (только членство); при переполнении вытесняются наименее недавно
// использованные ключи. Доступ не потокобезопасен сам по себе — вызывающая
// сторона (Engine) сериализует обращения.
package processedcache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultCapacity — ёмкость кеша по умолчанию, если вызывающий не указал свою.
const DefaultCapacity = 10000

// Key — составной идентификатор сообщения: пара (chat_id, message_id).
type Key struct {
	ChatID    int64
	MessageID int
}

// ProcessedCache — обёртка над hashicorp/golang-lru, хранящая только
// членство ключей (значение всегда struct{}{}).
type ProcessedCache struct {
	cache *lru.Cache
}

// New создаёт кеш заданной ёмкости. capacity <= 0 трактуется как
// DefaultCapacity — конструктор не должен падать на некорректном вводе.
func New(capacity int) *ProcessedCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c, err := lru.New(capacity)
	if err != nil {
		// lru.New возвращает ошибку только при capacity <= 0, что уже исключено выше.
		panic(fmt.Sprintf("processedcache: unexpected lru.New error: %v", err))
	}
	return &ProcessedCache{cache: c}
}

// IsProcessed проверяет членство ключа в кеше. Попадание обновляет его
// позицию в LRU-очереди — используется Get, а не Contains/Peek, поскольку
// последние не трогают порядок вытеснения.
func (p *ProcessedCache) IsProcessed(key Key) bool {
	_, ok := p.cache.Get(key)
	return ok
}

// MarkProcessed добавляет ключ в кеш (или обновляет его позицию, если он уже
// присутствует), вытесняя наименее недавно использованные записи сверх
// ёмкости.
func (p *ProcessedCache) MarkProcessed(key Key) {
	p.cache.Add(key, struct{}{})
}

// Len возвращает текущее число записей в кеше.
func (p *ProcessedCache) Len() int {
	return p.cache.Len()
}
