// Package llm — единообразный клиент чат-комплишенов поверх двух
// OpenAI-совместимых эндпоинтов (облачного и локального) с отказоустойчивым
// переключением между ними.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"telegram-userbot/internal/infra/logger"
)

// Provider выбирает, какие эндпоинты активны.
type Provider string

const (
	ProviderCloud Provider = "cloud"
	ProviderLocal Provider = "local"
	ProviderBoth  Provider = "both"
)

// ChatResponse — нормализованный результат одного вызова чат-комплишена.
type ChatResponse struct {
	Content      string
	FinishReason string
	TotalTokens  int64
	ProviderUsed Provider // какой эндпоинт фактически обслужил вызов ("local" или "cloud")
}

// Message — одна реплика диалога, передаваемая модели.
type Message struct {
	Role    string // "system" | "user"
	Content string
}

// Request — параметры одного вызова чат-комплишена.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// httpStatusError — ошибка с HTTP-статусом, по которому Client классифицирует
// повторяемость (429 / 5xx / 4xx). Оборачивает исходную ошибку SDK.
type httpStatusError struct {
	status int
	err    error
}

func (e *httpStatusError) Error() string { return e.err.Error() }
func (e *httpStatusError) Unwrap() error { return e.err }

// permanentError помечает окончательный сбой (HTTP 4xx, кроме 429) —
// реализует throttle.StopRetryer, чтобы при повторном использовании с общим
// троттлером ретраи немедленно прекращались.
type permanentError struct{ err error }

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) StopRetry() bool { return true }

// ErrAllEndpointsFailed возвращается, когда ни один активный эндпоинт не
// смог обслужить запрос в пределах отведённых ретраев.
var ErrAllEndpointsFailed = errors.New("llm: all endpoints failed")

// StatusCode извлекает HTTP-статус из ошибки, возвращённой ChatLocal/ChatCloud/Chat,
// если она восходит к ответу с кодом состояния (permanent 4xx или, теоретически,
// иной размеченный статус). Используется Engine-ом для обнаружения HTTP 400
// (переполнение контекста) на мгновенном пути, §4.8 п.11.
func StatusCode(err error) (int, bool) {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.status, true
	}
	return 0, false
}

// endpoint — один настроенный OpenAI-совместимый бэкенд.
type endpoint struct {
	name   string
	client openai.Client
	model  string
}

// Client — отказоустойчивый клиент поверх cloud/local эндпоинтов.
type Client struct {
	provider   Provider
	endpoints  []endpoint // порядок конструктора: cloud первым при provider=both
	maxRetries int
}

// Config — параметры построения клиента.
type Config struct {
	Provider         Provider
	CloudAPIKey      string
	CloudBaseURL     string
	CloudModel       string
	LocalBaseURL     string
	LocalModel       string
	MaxRetries       int
}

// New строит клиент согласно Config.Provider. endpoints[0] — облако (если
// активно), затем локальный — порядок важен для failover при provider=both.
func New(cfg Config) *Client {
	c := &Client{provider: cfg.Provider, maxRetries: cfg.MaxRetries}
	if c.maxRetries <= 0 {
		c.maxRetries = 3
	}

	if cfg.Provider == ProviderCloud || cfg.Provider == ProviderBoth {
		c.endpoints = append(c.endpoints, endpoint{
			name:   "cloud",
			client: openai.NewClient(option.WithAPIKey(cfg.CloudAPIKey), option.WithBaseURL(cfg.CloudBaseURL)),
			model:  cfg.CloudModel,
		})
	}
	if cfg.Provider == ProviderLocal || cfg.Provider == ProviderBoth {
		c.endpoints = append(c.endpoints, endpoint{
			name:   "local",
			client: openai.NewClient(option.WithAPIKey("not-needed"), option.WithBaseURL(cfg.LocalBaseURL)),
			model:  cfg.LocalModel,
		})
	}
	return c
}

// Chat выполняет failover-алгоритм из спецификации: перебирает активные
// эндпоинты в порядке конструктора (облако первым при provider=both); для
// каждого — до maxRetries попыток с экспоненциальным бэкофом на 429/5xx;
// ConnectError переходит к следующему эндпоинту немедленно; 4xx (кроме 429)
// — окончательный сбой без перехода к другому эндпоинту.
func (c *Client) Chat(ctx context.Context, req Request) (*ChatResponse, error) {
	var lastErr error
	for _, ep := range c.endpoints {
		resp, err := c.chatOnEndpoint(ctx, ep, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			return nil, err
		}
		logger.Warnf("llm: endpoint %s exhausted retries, trying next: %v", ep.name, err)
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllEndpointsFailed, lastErr)
	}
	return nil, ErrAllEndpointsFailed
}

// ChatLocal и ChatCloud обходят failover — Engine использует их, когда
// провайдер должен быть зафиксирован явно (§4.8, пункт 10).
func (c *Client) ChatLocal(ctx context.Context, req Request) (*ChatResponse, error) {
	return c.chatDirect(ctx, "local", req)
}

func (c *Client) ChatCloud(ctx context.Context, req Request) (*ChatResponse, error) {
	return c.chatDirect(ctx, "cloud", req)
}

func (c *Client) chatDirect(ctx context.Context, name string, req Request) (*ChatResponse, error) {
	for _, ep := range c.endpoints {
		if ep.name == name {
			return c.chatOnEndpoint(ctx, ep, req)
		}
	}
	return nil, fmt.Errorf("llm: endpoint %q is not configured for provider %q", name, c.provider)
}

// chatOnEndpoint осуществляет ретраи внутри одного эндпоинта согласно
// пошаговому алгоритму спецификации.
func (c *Client) chatOnEndpoint(ctx context.Context, ep endpoint, req Request) (*ChatResponse, error) {
	requestID := uuid.NewString()
	bo := newSpecBackoff()

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		resp, err := c.doCall(ctx, ep, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var statusErr *httpStatusError
		if !errors.As(err, &statusErr) {
			// Сетевая ошибка (ConnectError) — немедленно отдаём, чтобы Chat
			// перешёл к следующему эндпоинту без дополнительных попыток.
			logger.Warnf("llm[%s][%s]: connect error: %v", ep.name, requestID, err)
			return nil, err
		}

		switch {
		case statusErr.status == http.StatusTooManyRequests:
			wait := bo.NextBackOff()
			logger.Warnf("llm[%s][%s]: rate limited (429), waiting %s before retry %d/%d",
				ep.name, requestID, wait, attempt+1, c.maxRetries)
			if sleepErr := sleepCtx(ctx, wait); sleepErr != nil {
				return nil, sleepErr
			}
		case statusErr.status >= 500:
			wait := bo.NextBackOff()
			logger.Warnf("llm[%s][%s]: server error %d, waiting %s before retry %d/%d",
				ep.name, requestID, statusErr.status, wait, attempt+1, c.maxRetries)
			if sleepErr := sleepCtx(ctx, wait); sleepErr != nil {
				return nil, sleepErr
			}
		default:
			// 4xx permanent.
			return nil, &permanentError{err: fmt.Errorf("llm[%s][%s]: permanent error %d: %w", ep.name, requestID, statusErr.status, err)}
		}
	}
	return nil, fmt.Errorf("llm[%s][%s]: exhausted retries: %w", ep.name, requestID, lastErr)
}

// newSpecBackoff строит экспоненциальный бэкоф 2^attempt секунд без
// джиттера (RandomizationFactor=0), как того требует алгоритм failover:
// InitialInterval=1s и Multiplier=2 дают последовательность 1s, 2s, 4s, 8s...
func newSpecBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = 10 * time.Minute // с большим запасом выше, чем реалистичный max_retries позволит достичь
	bo.MaxElapsedTime = 0
	return bo
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// doCall выполняет один HTTP-запрос к эндпоинту и классифицирует ошибку по
// HTTP-статусу, если она исходит от SDK как APIError.
func (c *Client) doCall(ctx context.Context, ep endpoint, req Request) (*ChatResponse, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			msgs = append(msgs, openai.SystemMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:       ep.model,
		Messages:    msgs,
		MaxTokens:   openai.Int(int64(req.MaxTokens)),
		Temperature: openai.Float(req.Temperature),
	}

	resp, err := ep.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, &httpStatusError{status: apiErr.StatusCode, err: err}
		}
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm[%s]: empty choices in response", ep.name)
	}

	choice := resp.Choices[0]
	return &ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		TotalTokens:  resp.Usage.TotalTokens,
		ProviderUsed: Provider(ep.name),
	}, nil
}

// WarmUpLocal отправляет минимальный payload с текущим системным промптом,
// чтобы прогреть KV-кэш локального эндпоинта. Результат носит рекомендательный
// характер: ошибка логируется, но не считается фатальной.
func (c *Client) WarmUpLocal(ctx context.Context, systemPrompt string) {
	_, err := c.ChatLocal(ctx, Request{
		Messages: []Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: "ping"},
		},
		MaxTokens:   8,
		Temperature: 0,
	})
	if err != nil {
		logger.Warnf("llm: warm-up request failed (non-fatal): %v", err)
	}
}
