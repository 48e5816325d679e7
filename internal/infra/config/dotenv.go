package config

import (
	"errors"
	"os"
	"regexp"

	"github.com/joho/godotenv"
)

// loadDotenv загружает .env, если файл существует; отсутствие файла не является
// ошибкой (переменные могут быть заданы окружением процесса напрямую — например,
// в контейнере).
func loadDotenv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

// compileRegexCheck компилирует паттерн исключительно ради валидации на старте.
func compileRegexCheck(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(pattern)
}
