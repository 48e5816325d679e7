// Package clock — единая точка доступа к текущему времени процесса.
// Now — обычная функция: механизма подмены времени (поля-функции или
// глобальной переменной) пакет не предоставляет.
package clock

import "time"

// Now возвращает текущее время в UTC. Квота и репутация оперируют
// UTC-полночью как границей суток, поэтому вся система часов приложения
// фиксирована на UTC, а не на локальной таймзоне хоста.
func Now() time.Time {
	return time.Now().UTC()
}
