// Package promptbuilder — сборка LLM-payload и системного промпта для
// обоих путей конвейера (мгновенного и батчевого).
package promptbuilder

import (
	"fmt"
	"os"
	"sync"

	"telegram-userbot/internal/domain/moderation"
)

// batchInstruction — фиксированная инструкция, добавляемая к системному
// промпту в батч-режиме (см. §4.8.2).
const batchInstruction = "\n\nWhen given a JSON array of messages, return a JSON ARRAY of verdicts, one per message, in the same order, each carrying its original index."

// Builder держит неизменяемый (после загрузки) системный промпт, прочитанный
// из markdown-файла, и собирает payload для конкретного сообщения.
type Builder struct {
	mu     sync.RWMutex
	prompt string
}

// Load читает системный промпт из файла path. Содержимое непрозрачно для
// ядра: единственное требование — модель должна быть проинструктирована
// отвечать одним JSON-объектом (небатч) либо JSON-массивом (батч) с полями
// {verdict, reason, reply, index?, rule?}.
func Load(path string) (*Builder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("promptbuilder: read system prompt %q: %w", path, err)
	}
	return &Builder{prompt: string(data)}, nil
}

// SystemPrompt возвращает промпт как есть, для небатчевого (мгновенного или
// failover) пути.
func (b *Builder) SystemPrompt() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.prompt
}

// BatchSystemPrompt возвращает промпт, дополненный фиксированной
// батч-инструкцией (§4.8.2).
func (b *Builder) BatchSystemPrompt() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.prompt + batchInstruction
}

// BuildPayload собирает payload для одного сообщения с учётом текущего
// контекстного окна и счётчика предупреждений. includeContext=false
// используется батч-путём, где контекст уже несёт системный промпт.
// Повторная попытка после HTTP 400 (§4.8 п.11) этот параметр не использует:
// Engine обнуляет ContextWindow в уже собранном payload.
func BuildPayload(text, sender string, contextWindow []moderation.ContextEntry, warningsCount int, includeContext bool) moderation.Payload {
	p := moderation.Payload{
		Text:          text,
		Sender:        sender,
		WarningsCount: warningsCount,
	}
	if includeContext {
		p.ContextWindow = contextWindow
	}
	return p
}

// ContextWindow — скользящее окно последних сообщений чата, ограниченное
// по ёмкости (FIFO-вытеснение). Не потокобезопасно само по себе — доступ
// сериализован Engine-ом.
type ContextWindow struct {
	capacity int
	entries  []moderation.ContextEntry
}

// NewContextWindow создаёт окно ёмкостью capacity (<=0 означает ёмкость 0 —
// контекст полностью отключён, что допустимо согласно диапазону
// 0..100 сообщений).
func NewContextWindow(capacity int) *ContextWindow {
	if capacity < 0 {
		capacity = 0
	}
	return &ContextWindow{capacity: capacity}
}

// Append добавляет запись, вытесняя старейшую при превышении ёмкости.
func (w *ContextWindow) Append(sender, text string) {
	if w.capacity == 0 {
		return
	}
	w.entries = append(w.entries, moderation.ContextEntry{Sender: sender, Text: text})
	if len(w.entries) > w.capacity {
		w.entries = w.entries[len(w.entries)-w.capacity:]
	}
}

// Snapshot возвращает копию текущего содержимого окна, безопасную для
// передачи в payload без риска последующей мутации по ссылке.
func (w *ContextWindow) Snapshot() []moderation.ContextEntry {
	if len(w.entries) == 0 {
		return nil
	}
	out := make([]moderation.ContextEntry, len(w.entries))
	copy(out, w.entries)
	return out
}

// Len возвращает текущее число записей в окне.
func (w *ContextWindow) Len() int {
	return len(w.entries)
}
