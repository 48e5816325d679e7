// Package app реализует верхний уровень управления жизненным циклом Telegram‑клиента (userbot).
// Файл runner.go — точка оркестрации: здесь запускаются сервисы в правильном порядке,
// выполняется авторизация, стартует менеджер обновлений, и организуется корректный graceful shutdown.
// Бизнес‑назначение: гарантировать стабильный запуск и предсказуемое завершение работы бота так,
// чтобы доменные сервисы успели завершить операции (статус-сообщение, батч-очередь), а MTProto‑движок
// оставался жив до отправки критичных сигналов (например, AccountUpdateStatus(offline)).
package app

import (
	"context"
	"sync"
	"time"

	"telegram-userbot/internal/adapters/cli"
	"telegram-userbot/internal/adapters/telegram/core"
	"telegram-userbot/internal/adapters/telegram/moderator"
	"telegram-userbot/internal/domain/batch"
	"telegram-userbot/internal/domain/commands"
	"telegram-userbot/internal/domain/engine"
	domainstatus "telegram-userbot/internal/domain/status"
	"telegram-userbot/internal/infra/config"
	"telegram-userbot/internal/infra/logger"
	"telegram-userbot/internal/infra/telegram/connection"
	"telegram-userbot/internal/infra/telegram/peersmgr"
	"telegram-userbot/internal/infra/telegram/status"
	"telegram-userbot/internal/shared"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
)

// Runner инкапсулирует сценарий запуска и остановки Telegram‑клиента и связанных подсистем.
// Отвечает за:
//   - авторизацию и идентификацию текущего пользователя (self),
//   - достройку платформенных адаптеров, которым нужен selfID (ActionExecutor/ReviewChannel/Gateway),
//   - линейный запуск сервисов в правильном порядке,
//   - корректное завершение: сначала останавливаются сервисы (статус/очередь/gateway), затем гасится
//     MTProto‑движок,
//   - интеграцию с CLI.
type Runner struct {
	client   *telegram.Client     // Обёртка над MTProto‑клиентом и API: логин, Self(), API-интерфейс.
	engine   *engine.Engine       // Ядро конвейера модерации.
	batch    *batch.Queue         // Батч-очередь отложенной классификации.
	peers    *peersmgr.Service    // Сервис пиров (peers.Manager + persist storage).
	dispatch *tg.UpdateDispatcher // Диспетчер апдейтов gotd, на который Gateway вешает обработчики.

	mainCtx    context.Context    // Внешний контекст процесса: отменяется по Ctrl+C/сигналам.
	mainCancel context.CancelFunc // Функция, инициирующая общий shutdown.

	gateway     *moderator.Gateway // Подключение Engine к апдейтам gotd.
	cmdExecutor commands.Executor  // Исполнитель административных команд (используется CLI).
	cliService  *cli.Service       // CLI сервис для интерактивных команд.

	batchWG       sync.WaitGroup
	batchCancel   context.CancelFunc
	updatesWG     sync.WaitGroup
	updatesCancel context.CancelFunc
	warmupWG      sync.WaitGroup
	warmupCancel  context.CancelFunc
}

// NewRunner подготавливает Runner с переданными зависимостями. Возвращает объект, готовый к запуску Run().
func NewRunner(
	mainCtx context.Context,
	mainCancel context.CancelFunc,
	client *core.ClientCore,
	eng *engine.Engine,
	batchQueue *batch.Queue,
	peers *peersmgr.Service,
	dispatch *tg.UpdateDispatcher,
) *Runner {
	return &Runner{
		mainCtx:    mainCtx,
		mainCancel: mainCancel,
		client:     client.Client,
		engine:     eng,
		batch:      batchQueue,
		peers:      peers,
		dispatch:   dispatch,
	}
}

// Run — главный цикл userbot. Выполняет логин, сборку и запуск узлов, стартует updates.Manager
// и управляет корректным завершением. Блокируется до завершения клиентского контекста.
// Важно: используется отдельный контекст для MTProto‑движка, чтобы дать шанс статусу/очереди
// корректно завершиться до гашения сетевого уровня.
func (r *Runner) Run(updmgr *tgupdates.Manager) error {
	clientCtx, clientCancel := context.WithCancel(context.Background())
	defer clientCancel()

	var shutdownWG sync.WaitGroup
	shutdownWG.Go(func() {
		<-r.mainCtx.Done()
		logger.Debug("Shutdown signal received, stopping runner...")
		r.stopAllServices()
		clientCancel()
	})

	return r.client.Run(clientCtx, func(ctx context.Context) error {
		logger.Info("Userbot running...")

		self, loginErr := r.loginSelf(ctx)
		if loginErr != nil {
			return loginErr
		}

		if err := r.initPeersIfNeeded(ctx); err != nil {
			return err
		}

		if err := r.startAllServices(ctx, updmgr, self.ID); err != nil {
			r.stopAllServices()
			return err
		}

		<-ctx.Done()
		shutdownWG.Wait()
		return ctx.Err()
	})
}

func (r *Runner) loginSelf(ctx context.Context) (*tg.User, error) {
	flow := auth.NewFlow(
		core.TerminalAuthenticator{PhoneNumber: config.Env().PhoneNumber},
		auth.SendCodeOptions{},
	)

	if err := r.client.Auth().IfNecessary(ctx, flow); err != nil {
		return nil, errors.Wrap(err, "auth")
	}

	self, err := r.client.Self(ctx)
	if err != nil {
		return nil, err
	}
	logger.Logger().Info("Logged in as:",
		zap.String("FirstName", self.FirstName),
		zap.String("LastName", self.LastName),
		zap.String("Username", self.Username),
		zap.Int64("ID", self.ID),
	)
	return self, nil
}

// initPeersIfNeeded прогружает сохранённый снимок диалогов и, если он пуст
// (первый запуск), выполняет сетевой рефреш.
func (r *Runner) initPeersIfNeeded(ctx context.Context) error {
	if r.peers == nil {
		return nil
	}

	if err := r.peers.LoadFromStorage(ctx); err != nil {
		logger.Errorf("failed to load peers from storage: %v", err)
	}

	if len(r.peers.Dialogs()) == 0 {
		if err := r.peers.RefreshDialogs(ctx, r.client.API()); err != nil {
			logger.Errorf("failed to warm up peers manager: %v", err)
			return err
		}
	}

	logger.Debug("Peers warmup complete")
	return nil
}

// prewarmNewcomers перечисляет текущих участников мониторируемых групп и
// помечает их как не-новичков (§4.3/§4.10), чтобы существующие участники не
// классифицировались как новички на первом же сообщении после рестарта.
// Ошибки перечисления по отдельной группе логируются и не прерывают старт —
// это оптимизация маршрутизации, а не требование для корректности конвейера.
func (r *Runner) prewarmNewcomers(ctx context.Context, monitoredGroups []int64) {
	if r.peers == nil || len(monitoredGroups) == 0 {
		return
	}

	var ids []int64
	for _, chatID := range monitoredGroups {
		participants, err := r.peers.EnumerateParticipants(ctx, r.client.API(), chatID)
		if err != nil {
			logger.Warnf("newcomer prewarm: enumerate participants of chat %d: %v", chatID, err)
			continue
		}
		ids = append(ids, participants...)
	}
	if len(ids) == 0 {
		return
	}

	if err := r.engine.BulkRegisterNewcomers(shared.Unique(ids)); err != nil {
		logger.Warnf("newcomer prewarm: bulk register failed: %v", err)
		return
	}
	logger.Debugf("newcomer prewarm: pre-registered %d existing participant(s)", len(ids))
}

// startAllServices достраивает платформенные адаптеры, которым требуется selfID
// (ActionExecutor, ReviewChannel, статус-репортёр, Gateway), и запускает все сервисы.
func (r *Runner) startAllServices(ctx context.Context, updmgr *tgupdates.Manager, selfID int64) error {
	env := config.Env()

	r.prewarmNewcomers(ctx, env.MonitoredGroups)

	logger.Debug("wiring review channel and action executor")
	actionExec := moderator.NewActionExecutor(r.client.API(), r.peers, env.ThrottleRPS, env.ReviewGroup)
	reviewChannel := moderator.NewReviewChannel(r.client.API(), r.peers, env.ReviewGroup, selfID)
	statusRep := domainstatus.New(reviewChannel)
	r.engine.AttachPlatform(actionExec, statusRep)

	logger.Debug("starting service gateway")
	r.gateway = moderator.NewGateway(ctx, r.dispatch, r.engine, env.MonitoredGroups, env.TestGroupIDs, env.EditDebounceMS)
	logger.Debug("service gateway started")

	logger.Debug("initializing command executor")
	r.cmdExecutor = commands.NewExecutor(r.client, r.engine, r.peers)
	logger.Debug("command executor initialized")

	logger.Debug("starting service cli")
	r.cliService = cli.NewService(r.cmdExecutor, r.mainCancel)
	r.cliService.Start(ctx)
	logger.Debug("service cli started")

	logger.Debug("starting service connection_manager")
	connection.Init(ctx, r.client)
	logger.Debug("service connection_manager started")

	logger.Debug("starting service status_manager")
	status.Init(ctx, r.client.API())
	logger.Debug("service status_manager started")

	logger.Debug("starting service batch_queue")
	batchCtx, batchCancel := context.WithCancel(ctx)
	r.batchCancel = batchCancel
	r.batchWG.Go(func() {
		r.batch.RunLoop(batchCtx, r.engine.QuotaInterval)
	})
	logger.Debug("service batch_queue started")

	logger.Debug("starting service warmup_loop")
	warmupCtx, warmupCancel := context.WithCancel(ctx)
	r.warmupCancel = warmupCancel
	r.warmupWG.Go(func() {
		r.runWarmupLoop(warmupCtx, time.Duration(env.WarmupIntervalMinutes)*time.Minute)
	})
	logger.Debug("service warmup_loop started")

	logger.Debug("starting service updates_manager")
	updatesCtx, updatesCancel := context.WithCancel(ctx)
	r.updatesCancel = updatesCancel
	r.updatesWG.Go(func() {
		logger.Debug("updates_manager service: Run started")
		mgrErr := updmgr.Run(updatesCtx, r.client.API(), selfID, tgupdates.AuthOptions{
			Forget:  false,
			OnStart: r.handleUpdatesManagerStart,
		})
		if mgrErr != nil && !errors.Is(mgrErr, context.Canceled) {
			logger.Errorf("updmgr.Run return: %v", mgrErr)
			r.mainCancel()
		}
		logger.Debugf("updates_manager service: Run finished (err=%v)", mgrErr)
	})
	logger.Debug("service updates_manager started")

	status.GoOnline()

	return nil
}

// runWarmupLoop прогревает локальный LLM-эндпоинт через равные интервалы
// (quota.warmup_interval_minutes, §4.7/§5), пока ctx не отменён.
func (r *Runner) runWarmupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.engine.WarmUpLocal(ctx)
		}
	}
}

func (r *Runner) stopAllServices() {
	logger.Debug("stopping service updates_manager")
	if r.updatesCancel != nil {
		r.updatesCancel()
	}
	r.updatesWG.Wait()
	logger.Debug("service updates_manager stopped")

	logger.Debug("stopping service warmup_loop")
	if r.warmupCancel != nil {
		r.warmupCancel()
	}
	r.warmupWG.Wait()
	logger.Debug("service warmup_loop stopped")

	logger.Debug("stopping service batch_queue")
	if r.batchCancel != nil {
		r.batchCancel()
	}
	r.batchWG.Wait()
	logger.Debug("service batch_queue stopped")

	if r.gateway != nil {
		logger.Debug("stopping service gateway")
		r.gateway.Stop()
		logger.Debug("service gateway stopped")
	}

	logger.Debug("stopping service status_manager")
	status.Shutdown()
	logger.Debug("service status_manager stopped")

	logger.Debug("stopping service connection_manager")
	connection.Shutdown()
	logger.Debug("service connection_manager stopped")

	if r.peers != nil {
		logger.Debug("stopping service peers_manager")
		if err := r.peers.Close(); err != nil {
			logger.Errorf("failed to stop peers_manager: %v", err)
		}
		logger.Debug("service peers_manager stopped")
	}

	if r.cliService != nil {
		logger.Debug("stopping service cli")
		r.cliService.Stop()
		logger.Debug("service cli stopped")
	}
}

// handleUpdatesManagerStart вызывается updates.Manager при старте обработки апдейтов.
func (r *Runner) handleUpdatesManagerStart(ctx context.Context) {
	status.GoOnline()
	logger.Debug("Updates manager started")
}
