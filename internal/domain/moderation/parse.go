package moderation

import (
	"encoding/json"
	"regexp"
	"strings"
)

// fenceRe вырезает обрамляющие блок кода тройные кавычки, которые модели
// часто добавляют вокруг JSON-ответа (```json ... ``` или просто ``` ... ```).
var fenceRe = regexp.MustCompile("(?s)^```[a-zA-Z]*\\n?(.*?)\\n?```$")

// arrayRe ищет первую подстроку вида "[ ... ]" (жадно, с захватом переводов строк).
var arrayRe = regexp.MustCompile(`(?s)\[.*\]`)

// objectRe ищет не вложенные подстроки вида "{ ... }".
var objectRe = regexp.MustCompile(`(?s)\{[^{}]*\}`)

// stripFences убирает обрамляющие тройные кавычки, если они есть.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return s
}

// ParseVerdict разбирает ответ модели для одиночного (небатчевого) сообщения.
// Терпимый каскад: снять обрамление → попробовать разобрать как единый JSON
// объект → попробовать извлечь первую подстроку "{...}" → признать
// неразбираемым и вернуть ok с соответствующей причиной. Эта деградация
// никогда не приводит к действию над чатом на неразобранном ответе.
func ParseVerdict(raw string) Verdict {
	text := stripFences(raw)

	var v Verdict
	if err := json.Unmarshal([]byte(text), &v); err == nil && v.Kind.Valid() {
		return v
	}

	if m := objectRe.FindString(text); m != "" {
		var v2 Verdict
		if err := json.Unmarshal([]byte(m), &v2); err == nil && v2.Kind.Valid() {
			return v2
		}
	}

	return Verdict{Kind: KindOK, Reason: "unparseable LLM response"}
}

// ParseBatchVerdicts разбирает батч-ответ модели, ожидая ровно expectedCount
// элементов. Терпимый каскад, описанный в спецификации батч-очереди:
//  1. снять обрамление тройными кавычками;
//  2. разобрать всю строку как JSON-массив;
//  3. извлечь первую подстроку "[...]" и разобрать её;
//  4. извлечь все подстроки "{...}" (без учёта вложенности) и разобрать
//     каждую по отдельности — принять, если удалось разобрать хотя бы одну;
//  5. отказоустойчивый выход: вернуть expectedCount вердиктов ok с причиной
//     "unparseable batch response".
//
// На шагах 2–3 длина результата должна совпасть с expectedCount, иначе
// каскад продолжается со следующего шага; шаг 4 принимает любое число
// разобранных объектов (от одного), даже если оно отличается от expectedCount.
func ParseBatchVerdicts(raw string, expectedCount int) []Verdict {
	text := stripFences(raw)

	if v, ok := tryUnmarshalArray(text, expectedCount); ok {
		return v
	}

	if m := arrayRe.FindString(text); m != "" {
		if v, ok := tryUnmarshalArray(m, expectedCount); ok {
			return v
		}
	}

	if matches := objectRe.FindAllString(text, -1); len(matches) > 0 {
		var collected []Verdict
		for _, m := range matches {
			var v Verdict
			if err := json.Unmarshal([]byte(m), &v); err == nil && v.Kind.Valid() {
				collected = append(collected, v)
			}
		}
		if len(collected) >= 1 {
			return collected
		}
	}

	return fallbackVerdicts(expectedCount)
}

func tryUnmarshalArray(text string, expectedCount int) ([]Verdict, bool) {
	var vs []Verdict
	if err := json.Unmarshal([]byte(text), &vs); err != nil {
		return nil, false
	}
	for _, v := range vs {
		if !v.Kind.Valid() {
			return nil, false
		}
	}
	if len(vs) != expectedCount {
		return nil, false
	}
	return vs, true
}

func fallbackVerdicts(expectedCount int) []Verdict {
	out := make([]Verdict, expectedCount)
	for i := range out {
		out[i] = Verdict{Kind: KindOK, Reason: "unparseable batch response", Index: i}
	}
	return out
}
