// Package version содержит сведения о сборке, выводимые командой "version" и
// используемые в логах при старте приложения.
package version

// Name — имя приложения, показываемое в консоли и логах.
const Name = "telegram-userbot-moderator"

// Version переопределяется линковщиком (-ldflags "-X ...Version=...") в релизных
// сборках; значение по умолчанию используется для локальных запусков.
var Version = "dev"
