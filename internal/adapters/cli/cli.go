// Package cli — интерактивная командная консоль для управления модератором.
// Сервис стартует фоном, читает команды из readline и взаимодействует с
// доменным Engine через commands.Executor: печатает квоту/репутацию/очередь,
// форсирует обновление статуса и флаш батч-очереди, перезагружает предфильтр.
// Поддерживается корректная интеграция в lifecycle: Start/Stop идемпотентны.
package cli

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"telegram-userbot/internal/domain/commands"
	"telegram-userbot/internal/infra/logger"
	"telegram-userbot/internal/infra/pr"
	versioninfo "telegram-userbot/internal/support/version"
)

// commandDescriptor описывает одну CLI-команду: её имя и краткое описание для help.
type commandDescriptor struct {
	name        string
	description string
}

// commandDescriptors — реестр доступных команд. Рендерится в help и подсказки.
// Важно: имена должны совпадать с кейсами в handleCommand().
var commandDescriptors = []commandDescriptor{
	{name: "help", description: "Show available commands with short descriptions"},
	{name: "status", description: "Print quota, reputation and batch queue status"},
	{name: "flush", description: "Force an immediate batch flush"},
	{name: "reload", description: "Reload pre-filter keyword/regex lists from env"},
	{name: "touch status", description: "Force a status-message update in the review channel"},
	{name: "list", description: "Print cached dialogs (offline snapshot)"},
	{name: "refresh dialogs", description: "Fetch dialogs from API and update cache"},
	{name: "test", description: "Send a test message to the admin for connectivity check"},
	{name: "whoami", description: "Display information about the current account"},
	{name: "version", description: "Print moderator version"},
	{name: "exit", description: "Stop CLI and terminate the service"},
}

// Service инкапсулирует CLI и интегрируется в lifecycle приложения.
// Имеет собственный cancel, запускает цикл чтения команд в отдельной горутине
// и синхронно закрывается через Stop(). Потокобезопасность обеспечивается
// дисциплиной запуска/остановки и отсутствием внешних мутаций.
type Service struct {
	exec      commands.Executor // исполнитель команд: единственная зависимость консоли от домена
	stopApp   context.CancelFunc // внешняя отмена приложения (используется для команды exit и Ctrl-C на пустой строке)
	cancel    context.CancelFunc // локальная отмена run-цикла CLI
	wg        sync.WaitGroup     // ожидание завершения фоновой горутины run
	onceStart sync.Once          // идемпотентный запуск
	onceStop  sync.Once          // идемпотентная остановка
}

const cmdTimeout = 30 * time.Second

// NewService создаёт CLI-сервис. Параметр stopApp используется как «глобальная»
// остановка приложения (команда exit, Ctrl-C на пустой строке).
func NewService(exec commands.Executor, stopApp context.CancelFunc) *Service {
	return &Service{
		exec:    exec,
		stopApp: stopApp,
	}
}

// Start запускает основной цикл CLI в отдельной горутине. Повторные вызовы
// безопасно игнорируются. Контекст используется как родительский для run-цикла.
func (s *Service) Start(ctx context.Context) {
	s.onceStart.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Go(func() {
			s.run(runCtx)
		})
	})
}

// Stop завершает CLI: посылает внешнюю остановку приложения (если предусмотрено),
// прерывает readline, отменяет локальный контекст и дожидается завершения run-цикла.
func (s *Service) Stop() {
	s.onceStop.Do(func() {
		if s.stopApp != nil {
			s.stopApp()
		}
		if rl := pr.Rl(); rl != nil {
			pr.InterruptReadline()
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

// run — основной цикл обработчика CLI. Печатает подсказки, устанавливает обработчики
// клавиш и в цикле читает команды построчно, передавая их в handleCommand().
func (s *Service) run(ctx context.Context) {
	logger.Debug("CLI run started")
	pr.SetPrompt("> ")
	pr.Println("CLI started. Enter commands:", joinCommandNames(commandDescriptors))
	pr.Println("Press '?' or type 'help' for detailed descriptions.")
	installKeyHandlers(s.stopApp)

	defer func() {
		if rl := pr.Rl(); rl != nil {
			_ = rl.Close()
		}
	}()

	for {
		if ctx.Err() != nil {
			logger.Debug("CLI: context canceled")
			return
		}

		line, err := pr.Rl().Readline()
		if err != nil {
			logger.Debug("CLI: deactivated (io.EOF)")
			return
		}

		cmd := strings.TrimSpace(line)
		if s.handleCommand(ctx, cmd) {
			logger.Debugf("CLI: command %q requested exit", cmd)
			return
		}
	}
}

// installKeyHandlers подключает обработчики специальных клавиш для readline:
//   - '?' — печать help без отправки символа в текущую строку;
//   - Ctrl-C на пустой строке — мягкая остановка приложения (stopApp) и прерывание readline;
//   - Ctrl-C на непустой строке — очистка текущей строки (как в типичных CLI).
func installKeyHandlers(stop context.CancelFunc) {
	rl := pr.Rl()
	if rl == nil || rl.Config == nil {
		return
	}

	prev := rl.Config.Listener
	rl.Config.SetListener(func(line []rune, pos int, key rune) ([]rune, int, bool) {
		if key == '?' {
			printCommandHelp()
			if pos > 0 && pos <= len(line) {
				trimmed := append([]rune{}, line[:pos-1]...)
				trimmed = append(trimmed, line[pos:]...)
				return trimmed, pos - 1, true
			}
			return line, pos, true
		}
		if key == 3 { //nolint: mnd // Ctrl-C (ETX, rune value 3)
			trimmed := strings.TrimSpace(string(line))
			if trimmed == "" {
				if stop != nil {
					stop()
				}
				pr.InterruptReadline()
				return line, pos, true
			}
			return []rune{}, 0, true
		}
		if prev != nil {
			return prev.OnChange(line, pos, key)
		}
		return nil, 0, false
	})
}

// printCommandHelp печатает список поддерживаемых команд и их описания.
func printCommandHelp() {
	for _, text := range buildCommandHelpLines(commandDescriptors) {
		pr.Println(text)
	}
}

// handleCommand разбирает введённую команду и выполняет соответствующее действие.
// Возвращает true, если команда инициирует завершение CLI ("exit").
func (s *Service) handleCommand(ctx context.Context, cmd string) bool {
	cctx, cancel := context.WithTimeout(ctx, cmdTimeout)
	defer cancel()

	switch cmd {
	case "help":
		printCommandHelp()
	case "status":
		s.handleStatus(cctx)
	case "flush":
		if err := s.exec.Flush(cctx); err != nil {
			pr.ErrPrintln("flush error:", err)
		} else {
			pr.Println("Batch flush requested.")
		}
	case "reload":
		res, err := s.exec.ReloadPreFilter(cctx)
		if err != nil {
			pr.ErrPrintln("reload error:", err)
		} else {
			pr.Printf("Pre-filter reloaded: %d keyword(s), %d regex(es)\n", res.Keywords, res.Regexes)
		}
	case "touch status":
		if err := s.exec.ForceStatusUpdate(cctx); err != nil {
			pr.ErrPrintln("touch status error:", err)
		} else {
			pr.Println("Status message updated.")
		}
	case "list":
		pr.Println("Fetching dialogs...")
		s.listDialogs(cctx)
	case "refresh dialogs":
		if err := s.exec.RefreshDialogs(cctx); err != nil {
			pr.ErrPrintln("refresh dialogs error:", err)
		} else {
			pr.Println("Dialogs cache refreshed.")
		}
	case "whoami":
		res, err := s.exec.Whoami(cctx)
		if err != nil {
			pr.ErrPrintln("whoami error:", err)
		} else {
			pr.Println(formatWhoami(res))
		}
	case "test":
		res, err := s.exec.Test(cctx)
		if err != nil {
			pr.ErrPrintln("test error:", err)
		} else {
			pr.Println(res.Message)
		}
	case "version":
		pr.ErrPrintln(fmt.Sprintf("%s v%s", versioninfo.Name, versioninfo.Version))
	case "exit":
		if s.stopApp != nil {
			s.stopApp()
		}
		return true
	case "":
		// ignore
	default:
		pr.Println("unknown command:", cmd)
	}
	return false
}

// handleStatus печатает агрегированное состояние квоты, репутации и
// батч-очереди.
func (s *Service) handleStatus(ctx context.Context) {
	res, err := s.exec.Status(ctx)
	if err != nil {
		pr.ErrPrintln("status error:", err)
		return
	}
	pr.Printf("Quota: %d/%d requests used today, %d newcomer requests\n",
		res.Quota.RequestsUsed, res.DailyLimit, res.Quota.NewcomerRequests)
	pr.Printf("Reputation: %d total, %d newcomer, %d regular, %d trusted\n",
		res.Reputation.TotalUsers, res.Reputation.Newcomers, res.Reputation.Regular, res.Reputation.Trusted)
	pr.Printf("Batch queue: %d message(s), ~%d token(s)\n", res.QueueSize, res.QueueTokens)
}

// listDialogs выводит офлайн-снимок диалогов без повторных сетевых запросов.
func (s *Service) listDialogs(ctx context.Context) {
	res, err := s.exec.List(ctx)
	if err != nil {
		pr.ErrPrintln("list error:", err)
		return
	}
	if len(res.Dialogs) == 0 {
		pr.Println("No dialogs cached yet.")
		return
	}
	for _, d := range res.Dialogs {
		printDialog(d)
	}
	pr.Printf("Total dialogs: %d\n", len(res.Dialogs))
}

func printDialog(d commands.Dialog) {
	title := d.Title
	if title == "" {
		title = "<unknown>"
	}
	username := d.Username
	if username == "" {
		username = "-"
	}
	label := d.Kind
	if d.Type != "" {
		label = d.Type
	}
	pr.Printf("%s: '%s' (@%s) id: %d\n", label, title, username, d.ID)
}

func formatWhoami(res *commands.WhoamiResult) string {
	if res.Username != "" {
		return fmt.Sprintf("You are: %s (@%s), id=%d", res.FullName, res.Username, res.ID)
	}
	return fmt.Sprintf("You are: %s, id=%d", res.FullName, res.ID)
}

// joinCommandNames собирает строку имён команд, разделённых запятыми, для короткой подсказки.
func joinCommandNames(descriptors []commandDescriptor) string {
	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.name)
	}
	return strings.Join(names, ", ")
}

// buildCommandHelpLines генерирует строки помощи вида "<name> - <description>".
func buildCommandHelpLines(descriptors []commandDescriptor) []string {
	lines := make([]string, 0, len(descriptors)+1)
	lines = append(lines, "Available commands:")
	for _, descriptor := range descriptors {
		lines = append(lines, fmt.Sprintf("  %-15s - %s", descriptor.name, descriptor.description))
	}
	return lines
}
