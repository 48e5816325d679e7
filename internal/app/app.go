// Package app — верхний уровень сборки и инициализации пользовательского Telegram‑клиента (userbot).
// Здесь связываются конфигурация, сетевой слой (gotd/telegram), диспетчер апдейтов и доменное ядро
// модерации (Engine). Отсюда стартует цикл обработки событий и обеспечивается корректный shutdown.
package app

import (
	"context"
	"fmt"
	"time"

	"telegram-userbot/internal/adapters/telegram/core"
	"telegram-userbot/internal/domain/batch"
	"telegram-userbot/internal/domain/engine"
	"telegram-userbot/internal/domain/newcomer"
	"telegram-userbot/internal/domain/prefilter"
	"telegram-userbot/internal/domain/processedcache"
	"telegram-userbot/internal/domain/promptbuilder"
	"telegram-userbot/internal/domain/quota"
	"telegram-userbot/internal/domain/reputation"
	"telegram-userbot/internal/infra/config"
	"telegram-userbot/internal/infra/logger"
	"telegram-userbot/internal/infra/telegram/connection"
	"telegram-userbot/internal/infra/telegram/peersmgr"
	"telegram-userbot/internal/infra/telegram/session"
	"telegram-userbot/internal/llm"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/dcs"
	tgupdates "github.com/gotd/td/telegram/updates"
	updhook "github.com/gotd/td/telegram/updates/hook"
	"github.com/gotd/td/tg"
)

// App агрегирует зависимости userbot и управляет их связью.
// Отвечает за:
//   - конфигурацию и телеграм‑клиента (авторизация, API),
//   - долгоживущее состояние конвейера модерации (репутация, новички, квота, кэш обработанных),
//   - сборку доменного Engine (ядро конвейера §4.8),
//   - запуск Runner, который оркестрирует жизненный цикл и graceful shutdown.
type App struct {
	cl       *core.ClientCore   // Авторизованный клиент gotd и его API-обёртка (Self, вызовы tg).
	peers    *peersmgr.Service  // Сервис пиров: резолв input-пиров, офлайн-снимок диалогов.
	engine   *engine.Engine     // Ядро конвейера модерации.
	batch    *batch.Queue       // Батч-очередь отложенной (cloud-bucket) классификации.
	dispatch *tg.UpdateDispatcher
	runner   *Runner
	updMgr   *tgupdates.Manager
	ctx      context.Context
	stop     context.CancelFunc
}

// NewApp создаёт пустой каркас приложения. Фактическая инициализация выполняется в Init().
func NewApp() *App {
	return &App{}
}

// Init связывает компоненты приложения и подготавливает их к запуску:
//  1. создаёт tgupdates.Manager и диспетчер апдейтов,
//  2. настраивает telegram.Options (сессионное хранилище, хуки, DeviceConfig, DCList),
//  3. инициализирует MTProto‑клиент и сервис пиров,
//  4. поднимает долгоживущее состояние конвейера (репутация/новички/квота/кэш/промпты/LLM),
//  5. собирает Engine и батч-очередь, конструирует Runner.
//
// Компоненты, которым нужен идентификатор текущего аккаунта (ActionExecutor,
// ReviewChannel, статус-репортёр, Gateway) достраиваются в Runner уже после
// логина — это зеркалит двухфазную инициализацию Engine⇄BatchQueue (§9).
func (a *App) Init(ctx context.Context, stop context.CancelFunc) error {
	logger.Info("Userbot initializing...")

	a.ctx = ctx
	a.stop = stop
	dispatcher := tg.NewUpdateDispatcher()
	a.dispatch = &dispatcher

	// 1) Конфигурация менеджера апдейтов: хранилище состояния и обработчик обновлений.
	a.updMgr = tgupdates.New(tgupdates.Config{
		Handler: a.dispatch,
		Storage: core.NewFileStorage(config.Env().StateFile),
	})

	// 2) Опции MTProto‑клиента: сессии, хуки апдейтов, поведение при dead‑соединении и паспорт устройства.
	options := telegram.Options{
		SessionStorage: &session.FileStorage{Path: config.Env().SessionFile},
		UpdateHandler:  a.updMgr,
		Middlewares: []telegram.Middleware{
			updhook.UpdateHook(a.updMgr.Handle),
		},
		OnDead: func() {
			connection.MarkDisconnected()
		},
		Device: telegram.DeviceConfig{
			DeviceModel:   "MacBookPro18,1",
			SystemVersion: "macOS v15.6.1 build 24G90",
			AppVersion:    "v5.5.0",
		},
	}

	// Для тестовых окружений используем DC тестового стенда Telegram.
	if config.Env().TestDC {
		options.DCList = dcs.Test()
	}

	// 3) Инициализация клиента gotd на основе диспетчера апдейтов и опций.
	cl, clErr := core.New(a.dispatch, options)
	if clErr != nil {
		return fmt.Errorf("init client: %w", clErr)
	}
	a.cl = cl

	// Сервис пиров: офлайн-снимок диалогов и резолв input-пиров для ActionExecutor/ReviewChannel.
	peersSvc, peersErr := peersmgr.New(cl.API, config.Env().PeersDBFile)
	if peersErr != nil {
		return fmt.Errorf("init peers manager: %w", peersErr)
	}
	a.peers = peersSvc

	// 4) Долгоживущее состояние конвейера модерации.
	processed := processedcache.New(0)

	rep := reputation.New(config.Env().ReputationFile, reputation.Options{})
	if err := rep.Load(); err != nil {
		return fmt.Errorf("load reputation: %w", err)
	}

	newcomers := newcomer.New(hoursToDuration(config.Env().NewcomerWindowHrs), config.Env().NewcomerFile)
	if err := newcomers.Load(); err != nil {
		return fmt.Errorf("load newcomer tracker: %w", err)
	}

	quotaMgr := quota.New(config.Env().DailyLimit, config.Env().QuotaFile)
	if err := quotaMgr.Load(); err != nil {
		return fmt.Errorf("load quota state: %w", err)
	}

	preFilter := prefilter.New(config.Env().HardBanKeywords, config.Env().HardBanRegex)

	prompts, err := promptbuilder.Load(config.Env().SystemPromptPath)
	if err != nil {
		return fmt.Errorf("load system prompt: %w", err)
	}

	llmClient := llm.New(llmConfigFromEnv())

	// 5) Engine собирается без ActionExecutor/statusRep (достраиваются в Runner после логина);
	// Evaluate/Flush не вызываются до старта Gateway, так что nil-плейсхолдеры здесь безопасны.
	eng := engine.New(
		engineOptionsFromEnv(),
		processed,
		rep,
		newcomers,
		quotaMgr,
		preFilter,
		prompts,
		llmClient,
		nil,
		nil,
	)
	a.engine = eng

	// tick не задаётся: интервал цикла берётся из квоты в Runner, а статус
	// обновляет сам Engine (после оценки сообщения, бана и флаша).
	batchQueue := batch.New(config.Env().BatchMaxTokens, eng.HandleBatchFlush, nil)
	eng.AttachBatchQueue(batchQueue)
	a.batch = batchQueue

	// 6) Конструируем Runner, который достроит платформенные адаптеры после логина и запустит цикл.
	a.runner = NewRunner(a.ctx, a.stop, a.cl, a.engine, a.batch, a.peers, a.dispatch)

	return nil
}

// Run делегирует запуск основного цикла Runner’у с уже сконфигурированным менеджером апдейтов.
func (a *App) Run() error {
	return a.runner.Run(a.updMgr)
}

func hoursToDuration(hours int) time.Duration {
	return time.Duration(hours) * time.Hour
}

// llmConfigFromEnv строит llm.Config из окружения; cloud считается доступным,
// если провайдер требует его и задан API-ключ (его наличие уже проверено при
// загрузке конфигурации).
func llmConfigFromEnv() llm.Config {
	env := config.Env()
	return llm.Config{
		Provider:     llm.Provider(env.LLMProvider),
		CloudAPIKey:  env.LLMAPIKey,
		CloudBaseURL: env.LLMEndpoint,
		CloudModel:   env.LLMModel,
		LocalBaseURL: env.LLMLocalEndpoint,
		LocalModel:   env.LLMLocalModel,
		MaxRetries:   env.LLMMaxRetries,
	}
}

// engineOptionsFromEnv отображает секции moderation.*/llm.* конфигурации в
// engine.Options.
func engineOptionsFromEnv() engine.Options {
	env := config.Env()
	return engine.Options{
		ReviewGroupID:     env.ReviewGroup,
		AdminUserID:       env.AdminUserID,
		DryRun:            env.DryRun,
		CooldownSeconds:   env.UserCooldownSec,
		ContextWindowSize: env.ContextWindowSize,
		MuteDuration:      time.Duration(env.MuteDurationSec) * time.Second,
		LLMMaxTokens:      env.LLMMaxTokens,
		LLMTemperature:    env.LLMTemperature,
		LocalAvailable:    env.LLMProvider == string(llm.ProviderLocal) || env.LLMProvider == string(llm.ProviderBoth),
		CloudAvailable:    env.LLMProvider == string(llm.ProviderCloud) || env.LLMProvider == string(llm.ProviderBoth),
	}
}
