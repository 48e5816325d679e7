// Package core содержит оболочки вокруг gotd для авторизации и управления сессией пользовательского Telegram-клиента.
// Этот файл описывает клиентское ядро (ClientCore): создание клиента, интерактивную авторизацию,
// доступ к RPC и корректное завершение сессии с очисткой локального состояния.

package core

import (
	"context"
	"fmt"
	"os"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"

	"telegram-userbot/internal/infra/config"
	"telegram-userbot/internal/infra/logger"
)

// ClientCore — тонкая обёртка над gotd, объединяющая сетевой клиент и RPC-клиента.
type ClientCore struct {
	Client *telegram.Client // сетевой клиент gotd: держит MTProto-соединение, прокачивает апдейты, управляет сессией
	API    *tg.Client       // тонкий RPC-клиент для вызовов Telegram (Auth, Messages, Channels и т.д.)
}

// New создаёт ClientCore и инициализирует gotd-клиент на основе текущего Env.
// dispatcher передаётся для совместимости с вызывающим кодом (Gateway регистрирует
// на нём обработчики после возврата из New) — сам New его не трогает; ожидается,
// что options.UpdateHandler уже настроен вызывающей стороной (обычно на менеджере
// апдейтов gotd, который в свою очередь проксирует события на dispatcher).
func New(dispatcher *tg.UpdateDispatcher, options telegram.Options) (*ClientCore, error) {
	_ = dispatcher
	client := telegram.NewClient(config.Env().APIID, config.Env().APIHash, options)
	return &ClientCore{
		Client: client,
		API:    client.API(),
	}, nil
}

// Login выполняет интерактивную авторизацию:
//  1. проверяет текущий статус сессии (Auth.Status),
//  2. если не авторизованы — запускает auth.Flow с TerminalAuthenticator,
//  3. при необходимости обрабатывает ввод кода/2FA и приём условий использования.
func (c *ClientCore) Login(ctx context.Context) error {
	status, err := c.Client.Auth().Status(ctx)
	if err != nil {
		return fmt.Errorf("auth status error: %w", err)
	}

	if status.Authorized {
		logger.Debug("Already authorized, session restored")
		return nil
	}

	flow := auth.NewFlow(
		TerminalAuthenticator{PhoneNumber: config.Env().PhoneNumber},
		auth.SendCodeOptions{},
	)

	return c.Client.Auth().IfNecessary(ctx, flow)
}

// Logout разлогинивает RPC-сессию и удаляет локальный файл сессии.
func (c *ClientCore) Logout(ctx context.Context) error {
	if _, err := c.API.AuthLogOut(ctx); err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}
	if err := os.Remove(config.Env().SessionFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	logger.Info("Logged out successfully")
	return nil
}
