// Package prefilter — быстрый предварительный фильтр по ключевым словам и
// регулярным выражениям. Сообщения, совпавшие здесь, обрабатываются мгновенно,
// без обращения к LLM.
package prefilter

import (
	"regexp"
	"strings"

	"telegram-userbot/internal/infra/logger"
)

// PreFilter хранит список литеральных подстрок (в нижнем регистре) и
// скомпилированных регулярных выражений без учёта регистра. Ключевые слова
// проверяются раньше регулярных выражений — при первом совпадении проверка
// останавливается.
type compiledRegex struct {
	re      *regexp.Regexp
	pattern string // исходный шаблон, без служебного префикса регистронезависимости
}

type PreFilter struct {
	keywords []string
	regexes  []compiledRegex
}

// New строит PreFilter из списка ключевых слов и шаблонов регулярных выражений.
// Ключевые слова приводятся к нижнему регистру один раз при построении.
// Невалидные regex-шаблоны пропускаются с предупреждением в лог, а не приводят
// к ошибке конструктора (loadConfig и ReloadHardBanLists, напротив, отвергают
// невалидный шаблон с ошибкой).
func New(keywords, regexPatterns []string) *PreFilter {
	pf := &PreFilter{
		keywords: make([]string, 0, len(keywords)),
	}
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		pf.keywords = append(pf.keywords, k)
	}
	for _, pattern := range regexPatterns {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			logger.Warnf("prefilter: invalid regex pattern %q: %v", pattern, err)
			continue
		}
		pf.regexes = append(pf.regexes, compiledRegex{re: re, pattern: pattern})
	}
	return pf
}

// Check проверяет текст на совпадение с каким-либо правилом. Возвращает
// строку вида "keyword:<слово>" или "regex:<шаблон>" при первом совпадении,
// либо пустую строку и false, если текст чист.
//
// Сопоставление ключевых слов — это простое вхождение подстроки в
// приведённый к нижнему регистру текст (без учёта границ слов).
func (pf *PreFilter) Check(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, kw := range pf.keywords {
		if strings.Contains(lower, kw) {
			return "keyword:" + kw, true
		}
	}
	for _, cr := range pf.regexes {
		if cr.re.FindStringIndex(text) != nil {
			return "regex:" + cr.pattern, true
		}
	}
	return "", false
}
