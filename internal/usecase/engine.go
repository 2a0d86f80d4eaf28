package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"thread-agent/internal/domain"
)

// FallbackAnswer is the fixed assistant content recorded when the model
// capability fails. Raw error detail never reaches conversation content; the
// failure itself is reported out-of-band through the thread's error flag.
const FallbackAnswer = "I apologize, but I encountered an error. Please try again or contact support if the issue persists."

const defaultModelTimeout = 30 * time.Second

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
}

// Engine turns a thread's history plus one new user message into the next
// turn pair. It is stateless across calls: history comes in as an argument
// and the extended history goes out as the result; it never touches the
// store.
type Engine struct {
	llm             LLMClient
	params          ParamGetter
	paramPrefix     string
	modelTimeout    time.Duration
	maxHistoryTurns int

	cacheMu      sync.RWMutex
	cacheLoaded  bool
	systemPrompt string
	model        string
}

// NewEngine creates a conversation engine. maxHistoryTurns limits how many
// stored turns are replayed to the model per call; zero replays everything.
func NewEngine(llm LLMClient, params ParamGetter, paramPrefix string, modelTimeout time.Duration, maxHistoryTurns int) (*Engine, error) {
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if params == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if modelTimeout <= 0 {
		modelTimeout = defaultModelTimeout
	}
	if maxHistoryTurns < 0 {
		maxHistoryTurns = 0
	}
	return &Engine{
		llm:             llm,
		params:          params,
		paramPrefix:     paramPrefix,
		modelTimeout:    modelTimeout,
		maxHistoryTurns: maxHistoryTurns,
	}, nil
}

// Respond invokes the model once with the prior history and the new user
// text, and returns the extended history.
//
// On model failure of any kind (timeout, transport, malformed response) the
// user turn still lands, followed by the fixed fallback assistant turn, and
// failed is true. The error return is reserved for structural problems —
// prompt or model configuration that could not be loaded — which the caller
// must surface instead of recording a turn.
func (e *Engine) Respond(ctx context.Context, history []domain.Turn, userText string) (newHistory []domain.Turn, failed bool, err error) {
	if err := e.ensureConfig(ctx); err != nil {
		return nil, false, fmt.Errorf("usecase: load model config: %w", err)
	}

	userTurn := domain.Turn{Role: domain.RoleUser, Content: userText}
	messages := buildChatMessages(e.systemPrompt, windowTurns(history, e.maxHistoryTurns), userText)

	callCtx, cancel := context.WithTimeout(ctx, e.modelTimeout)
	defer cancel()

	answer, chatErr := e.llm.Chat(callCtx, e.model, messages)
	if chatErr != nil {
		return append(append(cloneTurns(history), userTurn), domain.Turn{
			Role:    domain.RoleAssistant,
			Content: FallbackAnswer,
		}), true, nil
	}

	return append(append(cloneTurns(history), userTurn), domain.Turn{
		Role:    domain.RoleAssistant,
		Content: answer,
	}), false, nil
}

// ensureConfig loads the system prompt and model id from the parameter store
// on the first call and caches them for the process lifetime. A failed load
// is retried on the next call.
func (e *Engine) ensureConfig(ctx context.Context) error {
	e.cacheMu.RLock()
	if e.cacheLoaded {
		e.cacheMu.RUnlock()
		return nil
	}
	e.cacheMu.RUnlock()

	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	if e.cacheLoaded {
		return nil
	}

	systemPrompt, err := e.params.GetParameter(ctx, e.paramPrefix+"/system_prompt")
	if err != nil {
		return fmt.Errorf("load system prompt: %w", err)
	}
	model, err := e.params.GetParameter(ctx, e.paramPrefix+"/config/openai_model")
	if err != nil {
		return fmt.Errorf("load model id: %w", err)
	}
	if strings.TrimSpace(model) == "" {
		return errors.New("model id parameter is empty")
	}

	e.systemPrompt = systemPrompt
	e.model = model
	e.cacheLoaded = true
	return nil
}

func cloneTurns(turns []domain.Turn) []domain.Turn {
	out := make([]domain.Turn, len(turns))
	copy(out, turns)
	return out
}
