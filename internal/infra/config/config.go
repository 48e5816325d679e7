// Пакет config отвечает за сбор и предоставление конфигурации всего приложения
// (LLM-модератора чатов на MTProto). Он:
//  1. читает переменные окружения из .env (через godotenv),
//  2. нормализует и валидирует входные значения,
//  3. предоставляет потокобезопасный доступ к результату через R/W мьютекс.
//
// Бизнес-контекст: конфигурация описывает, какие группы мониторятся, куда
// форвардить флаги на ревью, параметры подключения к LLM (cloud/local/both),
// суточную квоту запросов и учётные данные MTProto-клиента.
//
// Имена переменных окружения используют префикс MODERATOR_ и "__" как разделитель
// вложенности секций (MODERATOR_<SECTION>__<FIELD>), что соответствует внешнему
// контракту конфигурации.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"telegram-userbot/internal/shared"
)

// EnvConfig описывает все параметры, приходящие из окружения (.env). Это
// «операционные» настройки запуска: учётные данные MTProto, список
// отслеживаемых групп, параметры LLM-клиента, суточная квота и логирование.
//
// NB: значения уже проходят минимальную валидацию и нормализацию в loadConfig.
type EnvConfig struct {
	// telegram.*
	APIID       int
	APIHash     string
	PhoneNumber string
	SessionFile string
	StateFile   string
	PeersDBFile string
	ThrottleRPS int
	TestDC      bool

	// moderation.*
	MonitoredGroups   []int64
	ReviewGroup       int64
	DryRun            bool
	HardBanKeywords   []string
	HardBanRegex      []string
	UserCooldownSec   int
	ContextWindowSize int
	MuteDurationSec   int
	NewcomerWindowHrs int
	BatchMaxTokens    int
	SystemPromptPath  string
	AdminUserID       int64
	TestGroupIDs      []int64
	EditDebounceMS    int

	// llm.*
	LLMProvider      string
	LLMAPIKey        string
	LLMModel         string
	LLMEndpoint      string
	LLMLocalEndpoint string
	LLMLocalModel    string
	LLMMaxTokens     int
	LLMTemperature   float64
	LLMMaxRetries    int

	// quota.*
	DailyLimit            int
	WarmupIntervalMinutes int

	// logging.*
	LogLevel string
	LogFile  string

	// data file locations (state dir convention, mirrors teacher's data/*.json files)
	NewcomerFile   string
	QuotaFile      string
	ReputationFile string
	StatusFile     string
}

// Config хранит конфигурацию среды.
//
// Потокобезопасность: публичные геттеры берут RLock.
type Config struct {
	Env      EnvConfig
	warnings []string     // предупреждения, накопленные при чтении окружения
	mu       sync.RWMutex // защита конкурентного доступа к конфигурации
}

// Значения по умолчанию для параметров окружения и связанных файлов.
const (
	defaultSessionFile = "data/session.bin"
	defaultStateFile   = "data/state.json"
	defaultPeersDBFile = "data/peers.db"
	defaultThrottleRPS = 1

	defaultUserCooldownSec   = 60
	defaultContextWindowSize = 15
	defaultMuteDurationSec   = 3600
	defaultNewcomerWindowHrs = 24
	defaultBatchMaxTokens    = 3000
	defaultSystemPromptPath  = "assets/system_prompt.md"
	defaultEditDebounceMS    = 2000

	defaultLLMProvider    = "cloud"
	defaultLLMMaxTokens   = 500
	defaultLLMTemperature = 0.1
	defaultLLMMaxRetries  = 3

	defaultDailyLimit            = 1000
	defaultWarmupIntervalMinutes = 30

	defaultLogLevel = "info"

	defaultNewcomerFile   = "data/newcomer.json"
	defaultQuotaFile      = "data/quota.json"
	defaultReputationFile = "data/reputation.json"
	defaultStatusFile     = "data/status.json"
)

var (
	cfgInstance *Config
	cfgDone     bool
)

// Load — точка входа для инициализации глобальной конфигурации всего приложения.
// Повторный вызов запрещён (возвращается ошибка), чтобы избежать гонок
// конфигурации на старте.
func Load(envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	if cfgInstance == nil {
		cfgInstance = &Config{}
	}
	cfgInstance.mu.Lock()
	defer cfgInstance.mu.Unlock()
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// loadConfig выполняет фактическую загрузку/валидацию без установки глобального
// состояния. Удобно для тестов: можно собрать временный Config и проверить его.
func loadConfig(envPath string) (*Config, error) {
	if err := loadDotenv(envPath); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	apiID, err := parseRequiredInt("MODERATOR_TELEGRAM__API_ID")
	if err != nil {
		return nil, err
	}
	apiHash := strings.TrimSpace(os.Getenv("MODERATOR_TELEGRAM__API_HASH"))
	if apiHash == "" || apiHash == "your_api_hash_here" {
		return nil, errors.New("env MODERATOR_TELEGRAM__API_HASH must be set to a real value")
	}
	phone := strings.TrimSpace(os.Getenv("MODERATOR_TELEGRAM__PHONE"))
	if phone == "" || strings.Contains(strings.ToUpper(phone), "X") {
		return nil, errors.New("env MODERATOR_TELEGRAM__PHONE must be set to a real phone number")
	}

	systemPromptPath := sanitizeFileDefault("MODERATOR_MODERATION__SYSTEM_PROMPT_PATH", defaultSystemPromptPath)
	if _, statErr := os.Stat(systemPromptPath); statErr != nil {
		return nil, fmt.Errorf("system prompt file %q is not readable: %w", systemPromptPath, statErr)
	}

	var warnings []string

	env := EnvConfig{
		APIID:       apiID,
		APIHash:     apiHash,
		PhoneNumber: phone,
		SessionFile: sanitizeFile("MODERATOR_TELEGRAM__SESSION_FILE", os.Getenv("MODERATOR_TELEGRAM__SESSION_FILE"), defaultSessionFile, &warnings),
		StateFile:   sanitizeFile("MODERATOR_TELEGRAM__STATE_FILE", os.Getenv("MODERATOR_TELEGRAM__STATE_FILE"), defaultStateFile, &warnings),
		PeersDBFile: sanitizeFile("MODERATOR_TELEGRAM__PEERS_DB_FILE", os.Getenv("MODERATOR_TELEGRAM__PEERS_DB_FILE"), defaultPeersDBFile, &warnings),
		ThrottleRPS: parseIntDefault("MODERATOR_TELEGRAM__THROTTLE_RPS", defaultThrottleRPS, greaterThanZero, &warnings),
		TestDC:      strings.EqualFold(strings.TrimSpace(os.Getenv("MODERATOR_TELEGRAM__TEST_DC")), "true"),

		MonitoredGroups:   parseInt64List(os.Getenv("MODERATOR_MODERATION__MONITORED_GROUPS")),
		ReviewGroup:       parseInt64Default("MODERATOR_MODERATION__REVIEW_GROUP", 0, &warnings),
		DryRun:            strings.EqualFold(strings.TrimSpace(os.Getenv("MODERATOR_MODERATION__DRY_RUN")), "true"),
		HardBanKeywords:   parseStringList(os.Getenv("MODERATOR_MODERATION__HARD_BAN_KEYWORDS")),
		HardBanRegex:      parseStringList(os.Getenv("MODERATOR_MODERATION__HARD_BAN_REGEX")),
		UserCooldownSec:   parseIntRange("MODERATOR_MODERATION__USER_COOLDOWN_SECONDS", defaultUserCooldownSec, 0, 3600, &warnings),
		ContextWindowSize: parseIntRange("MODERATOR_MODERATION__CONTEXT_WINDOW_MESSAGES", defaultContextWindowSize, 0, 100, &warnings),
		MuteDurationSec:   parseIntRange("MODERATOR_MODERATION__MUTE_DURATION_SECONDS", defaultMuteDurationSec, 60, 31536000, &warnings),
		NewcomerWindowHrs: parseIntRange("MODERATOR_MODERATION__NEWCOMER_WINDOW_HOURS", defaultNewcomerWindowHrs, 1, 720, &warnings),
		BatchMaxTokens:    parseIntRange("MODERATOR_MODERATION__BATCH_MAX_TOKENS", defaultBatchMaxTokens, 500, 30000, &warnings),
		SystemPromptPath:  systemPromptPath,
		AdminUserID:       parseInt64Default("MODERATOR_MODERATION__ADMIN_USER_ID", 0, &warnings),
		TestGroupIDs:      parseInt64List(os.Getenv("MODERATOR_MODERATION__TEST_GROUP_IDS")),
		EditDebounceMS:    parseIntDefault("MODERATOR_MODERATION__EDIT_DEBOUNCE_MS", defaultEditDebounceMS, nonNegative, &warnings),

		LLMProvider:      sanitizeProvider(os.Getenv("MODERATOR_LLM__PROVIDER"), &warnings),
		LLMAPIKey:        strings.TrimSpace(os.Getenv("MODERATOR_LLM__API_KEY")),
		LLMModel:         sanitizeFile("MODERATOR_LLM__MODEL", os.Getenv("MODERATOR_LLM__MODEL"), "gpt-4o-mini", &warnings),
		LLMEndpoint:      sanitizeFile("MODERATOR_LLM__ENDPOINT", os.Getenv("MODERATOR_LLM__ENDPOINT"), "https://api.openai.com/v1", &warnings),
		LLMLocalEndpoint: sanitizeFile("MODERATOR_LLM__LOCAL_ENDPOINT", os.Getenv("MODERATOR_LLM__LOCAL_ENDPOINT"), "http://127.0.0.1:8080/v1", &warnings),
		LLMLocalModel:    sanitizeFile("MODERATOR_LLM__LOCAL_MODEL", os.Getenv("MODERATOR_LLM__LOCAL_MODEL"), "local-model", &warnings),
		LLMMaxTokens:     parseIntRange("MODERATOR_LLM__MAX_TOKENS", defaultLLMMaxTokens, 50, 4000, &warnings),
		LLMTemperature:   parseFloatRange("MODERATOR_LLM__TEMPERATURE", defaultLLMTemperature, 0.0, 2.0, &warnings),
		LLMMaxRetries:    parseIntDefault("MODERATOR_LLM__MAX_RETRIES", defaultLLMMaxRetries, greaterThanZero, &warnings),

		DailyLimit:            parseIntDefault("MODERATOR_QUOTA__DAILY_LIMIT", defaultDailyLimit, greaterThanZero, &warnings),
		WarmupIntervalMinutes: parseIntRange("MODERATOR_QUOTA__WARMUP_INTERVAL_MINUTES", defaultWarmupIntervalMinutes, 5, 1440, &warnings),

		LogLevel: sanitizeLogLevel(os.Getenv("MODERATOR_LOGGING__LEVEL"), &warnings),
		LogFile:  strings.TrimSpace(os.Getenv("MODERATOR_LOGGING__FILE")),

		NewcomerFile:   sanitizeFile("MODERATOR_STATE__NEWCOMER_FILE", os.Getenv("MODERATOR_STATE__NEWCOMER_FILE"), defaultNewcomerFile, &warnings),
		QuotaFile:      sanitizeFile("MODERATOR_STATE__QUOTA_FILE", os.Getenv("MODERATOR_STATE__QUOTA_FILE"), defaultQuotaFile, &warnings),
		ReputationFile: sanitizeFile("MODERATOR_STATE__REPUTATION_FILE", os.Getenv("MODERATOR_STATE__REPUTATION_FILE"), defaultReputationFile, &warnings),
		StatusFile:     sanitizeFile("MODERATOR_STATE__STATUS_FILE", os.Getenv("MODERATOR_STATE__STATUS_FILE"), defaultStatusFile, &warnings),
	}

	if env.LLMProvider != "local" && env.LLMAPIKey == "" {
		return nil, errors.New("env MODERATOR_LLM__API_KEY must be set unless MODERATOR_LLM__PROVIDER=local")
	}
	if err := validateRegexList(env.HardBanRegex); err != nil {
		return nil, fmt.Errorf("invalid MODERATOR_MODERATION__HARD_BAN_REGEX entry: %w", err)
	}

	cfg := &Config{
		Env:      env,
		warnings: warnings,
	}

	return cfg, nil
}

// ReloadHardBanLists перечитывает MODERATOR_MODERATION__HARD_BAN_KEYWORDS и
// MODERATOR_MODERATION__HARD_BAN_REGEX из текущего окружения процесса, валидируя
// регулярные выражения так же строго, как при старте. Используется консольной
// командой reload (§4.11) для обновления предфильтра без рестарта.
func ReloadHardBanLists() (keywords, regexPatterns []string, err error) {
	keywords = parseStringList(os.Getenv("MODERATOR_MODERATION__HARD_BAN_KEYWORDS"))
	regexPatterns = parseStringList(os.Getenv("MODERATOR_MODERATION__HARD_BAN_REGEX"))
	if err := validateRegexList(regexPatterns); err != nil {
		return nil, nil, fmt.Errorf("invalid MODERATOR_MODERATION__HARD_BAN_REGEX entry: %w", err)
	}
	return keywords, regexPatterns, nil
}

// Warnings возвращает накопленные предупреждения, возникшие при загрузке .env.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает EnvConfig из глобального singleton.
func Env() EnvConfig {
	return cfgInstance.Env
}

// parseRequiredInt читает обязательную целочисленную переменную окружения name.
func parseRequiredInt(name string) (int, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return 0, fmt.Errorf("env %s must be set", name)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("env %s must be a valid integer: %w", name, err)
	}
	return v, nil
}

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// validator — возвращает defaultVal и пишет предупреждение.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %d", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// parseIntRange — как parseIntDefault, но ограничение задано диапазоном [lo, hi].
func parseIntRange(name string, defaultVal, lo, hi int, warnings *[]string) int {
	return parseIntDefault(name, defaultVal, func(v int) bool { return v >= lo && v <= hi }, warnings)
}

// parseFloatRange читает name как float64 в диапазоне [lo, hi]; иначе — defaultVal с предупреждением.
func parseFloatRange(name string, defaultVal, lo, hi float64, warnings *[]string) float64 {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %v", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil || v < lo || v > hi {
		appendWarningf(warnings, "env %s value %q is invalid; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// parseInt64Default читает name как int64; при ошибке — defaultVal с предупреждением.
func parseInt64Default(name string, defaultVal int64, warnings *[]string) int64 {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// parseInt64List парсит CSV-список int64 id-ов (используется для групп/чатов).
// Дубликаты (частая опечатка при ручном редактировании .env) схлопываются,
// порядок первого упоминания сохраняется.
func parseInt64List(raw string) []int64 {
	parts := strings.Split(raw, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		token := strings.TrimSpace(p)
		if token == "" {
			continue
		}
		v, err := strconv.ParseInt(token, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return shared.Unique(out)
}

// parseStringList парсит CSV-список строк, обрезая пробелы и пропуская пустые элементы.
func parseStringList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		token := strings.TrimSpace(p)
		if token == "" {
			continue
		}
		out = append(out, token)
	}
	return out
}

// appendWarningf — служебная функция для накопления предупреждений о некорректных
// переменных окружения. Список затем доступен через Warnings().
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }

// sanitizeLogLevel нормализует LOG_LEVEL и ограничивает значения набором
// {debug, info, warn, error}. Всё остальное превращается в defaultLogLevel.
func sanitizeLogLevel(level string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		appendWarningf(warnings, "env MODERATOR_LOGGING__LEVEL is not set; using default %q", defaultLogLevel)
		return defaultLogLevel
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env MODERATOR_LOGGING__LEVEL value %q is invalid; using default %q", level, defaultLogLevel)
		return defaultLogLevel
	}
}

// sanitizeProvider ограничивает llm.provider набором {cloud, local, both}.
func sanitizeProvider(value string, warnings *[]string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	switch v {
	case "cloud", "local", "both":
		return v
	case "":
		appendWarningf(warnings, "env MODERATOR_LLM__PROVIDER is not set; using default %q", defaultLLMProvider)
		return defaultLLMProvider
	default:
		appendWarningf(warnings, "env MODERATOR_LLM__PROVIDER value %q is invalid; using default %q", value, defaultLLMProvider)
		return defaultLLMProvider
	}
}

// sanitizeFile возвращает валидное имя файла конфигурации. Если переменная не
// задана, подставляет fallback и пишет предупреждение.
func sanitizeFile(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}

// sanitizeFileDefault — вариант sanitizeFile без накопления предупреждений,
// используется для полей, проверяемых отдельно (например, существование файла).
func sanitizeFileDefault(name, fallback string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return fallback
	}
	return v
}

// validateRegexList компилирует каждый паттерн, чтобы конфигурация отказала
// на старте при невалидном регулярном выражении среди hard-ban правил (ошибка
// категории "Configuration invalid" — она должна останавливать запуск, а не
// тихо исключать правило, как это делает prefilter.New).
func validateRegexList(patterns []string) error {
	for _, p := range patterns {
		if _, err := compileRegexCheck(p); err != nil {
			return fmt.Errorf("%q: %w", p, err)
		}
	}
	return nil
}
