package usecase

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"thread-agent/internal/domain"
	"thread-agent/internal/repository"
)

const (
	defaultMaxMessageLen = 4000
	// commitAttempts bounds the optimistic retry loop when two requests race
	// on the same thread. The model call is never re-run on a retry; only the
	// commit is.
	commitAttempts = 3
)

// TurnStore is the persistence contract consumed by ThreadService. It is
// satisfied by *repository.Client.
type TurnStore interface {
	CreateThread(ctx context.Context, threadID string) error
	LoadThread(ctx context.Context, threadID string) (domain.Thread, error)
	AppendTurns(ctx context.Context, threadID string, expectedVersion int64, baseSeq int, turns []domain.Turn, errFlag bool) error
	SetError(ctx context.Context, threadID string, errFlag bool) error
}

// Responder is the conversation engine contract consumed by ThreadService.
// It is satisfied by *Engine.
type Responder interface {
	Respond(ctx context.Context, history []domain.Turn, userText string) (newHistory []domain.Turn, failed bool, err error)
}

// ThreadService orchestrates thread creation and turn advancement. It holds
// no thread state of its own: each call is self-contained given the store
// and the engine, both injected at construction.
type ThreadService struct {
	store          TurnStore
	engine         Responder
	maxMessageLen  int
	singleQuestion bool
}

// ThreadView is the caller-facing projection of a thread after an operation.
type ThreadView struct {
	ThreadID string
	Turns    []domain.Turn
	Error    bool
}

// NewThreadService creates the session controller. singleQuestion enables
// the one-question-per-thread policy: threads that already hold turns reject
// further advances with ALREADY_ANSWERED.
func NewThreadService(store TurnStore, engine Responder, maxMessageLen int, singleQuestion bool) (*ThreadService, error) {
	if store == nil {
		return nil, errors.New("usecase: turn store must not be nil")
	}
	if engine == nil {
		return nil, errors.New("usecase: engine must not be nil")
	}
	if maxMessageLen <= 0 {
		maxMessageLen = defaultMaxMessageLen
	}
	return &ThreadService{
		store:          store,
		engine:         engine,
		maxMessageLen:  maxMessageLen,
		singleQuestion: singleQuestion,
	}, nil
}

// StartThread creates a new empty thread and returns its id.
func (s *ThreadService) StartThread(ctx context.Context) (string, error) {
	threadID := newUUID()
	if err := s.store.CreateThread(ctx, threadID); err != nil {
		if errors.Is(err, repository.ErrThreadExists) {
			return "", newError(ErrorConflict, "thread_id_collision", err)
		}
		return "", newError(ErrorStorage, "thread_create_error", err)
	}
	return threadID, nil
}

// Advance appends one user turn and one assistant turn to the thread.
//
// A model failure is not a failure of Advance: the fallback assistant turn
// is recorded and the returned view carries Error=true. Only structural
// problems (unknown thread, invalid input, storage trouble) return an error.
func (s *ThreadService) Advance(ctx context.Context, threadID, userText string) (ThreadView, error) {
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return ThreadView{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if len(userText) > s.maxMessageLen {
		return ThreadView{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}

	thread, err := s.loadThread(ctx, threadID)
	if err != nil {
		return ThreadView{}, err
	}
	if s.singleQuestion && len(thread.Turns) > 0 {
		return ThreadView{}, newError(ErrorAlreadyAnswered, "question_already_asked", nil)
	}

	newHistory, failed, err := s.engine.Respond(ctx, thread.Turns, userText)
	if err != nil {
		return ThreadView{}, newError(ErrorInternal, "engine_config_error", err)
	}
	appended := newHistory[len(thread.Turns):]

	// Commit the turn pair and the error flag in one store transaction. If a
	// concurrent advance won the version race, re-load and land the already
	// computed pair after the winner's.
	for attempt := 0; ; attempt++ {
		err = s.store.AppendTurns(ctx, threadID, thread.Version, len(thread.Turns), appended, failed)
		if err == nil {
			break
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return ThreadView{}, newError(ErrorStorage, "thread_write_error", err)
		}
		if attempt >= commitAttempts-1 {
			return ThreadView{}, newError(ErrorConflict, "concurrent_update", err)
		}
		if thread, err = s.loadThread(ctx, threadID); err != nil {
			return ThreadView{}, err
		}
	}

	return ThreadView{
		ThreadID: threadID,
		Turns:    append(thread.Turns, appended...),
		Error:    failed,
	}, nil
}

// History returns the thread's full turn history in conversational order.
func (s *ThreadService) History(ctx context.Context, threadID string) ([]domain.Turn, error) {
	thread, err := s.loadThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return thread.Turns, nil
}

func (s *ThreadService) loadThread(ctx context.Context, threadID string) (domain.Thread, error) {
	thread, err := s.store.LoadThread(ctx, threadID)
	if err != nil {
		if errors.Is(err, repository.ErrThreadNotFound) {
			return domain.Thread{}, newError(ErrorNotFound, "thread_not_found", err)
		}
		return domain.Thread{}, newError(ErrorStorage, "thread_load_error", err)
	}
	return thread, nil
}

var newUUID = func() string {
	return uuid.NewString()
}
