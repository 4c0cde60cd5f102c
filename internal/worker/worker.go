package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/rs/zerolog"

	"notebot/internal/metrics"
	"notebot/internal/permissions"
	"notebot/internal/providers"
	"notebot/internal/queue"
	"notebot/internal/storage"
	"notebot/internal/telegram"
	"notebot/internal/turn"
)

// Sender delivers worker output to a chat.
type Sender interface {
	SendText(ctx context.Context, chatID, replyTo int64, text string, markup *gotgbot.InlineKeyboardMarkup) error
	Typing(ctx context.Context, chatID int64) error
}

type Turns interface {
	SubmitQuery(ctx context.Context, req turn.Request) (turn.Result, error)
}

type Store interface {
	ListEvents(ctx context.Context, notebookID string, limit int) ([]storage.ChatEvent, error)
	ListSources(ctx context.Context, notebookID string) ([]storage.Source, error)
}

// Quota gives back the hourly budget of a question that never became a turn.
type Quota interface {
	Refund(ctx context.Context, notebookID string, takenAt time.Time) error
}

var (
	_ Sender = telegram.BotSender{}
	_ Turns  = (*turn.Orchestrator)(nil)
	_ Store  = (*storage.Store)(nil)
	_ Quota  = (*queue.TurnQuota)(nil)
)

type Worker struct {
	sender        Sender
	turns         Turns
	store         Store
	quota         Quota
	queue         *queue.StreamQueue
	historyLimit  int
	turnTimeout   time.Duration
	maxJobRetries int
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Sender Sender
	Turns  Turns
	Store  Store
	Quota  Quota
	Queue  *queue.StreamQueue
	// HistoryLimit caps the prior events fed to the model; zero means all.
	HistoryLimit  int
	TurnTimeout   time.Duration
	MaxJobRetries int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.HistoryLimit < 0 {
		cfg.HistoryLimit = 0
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 10 * time.Minute
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	return &Worker{
		sender:        cfg.Sender,
		turns:         cfg.Turns,
		store:         cfg.Store,
		quota:         cfg.Quota,
		queue:         cfg.Queue,
		historyLimit:  cfg.HistoryLimit,
		turnTimeout:   cfg.TurnTimeout,
		maxJobRetries: cfg.MaxJobRetries,
		logger:        cfg.Logger,
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}
		if len(messages) == 0 {
			continue
		}

		for _, msg := range messages {
			err := w.ProcessJob(ctx, msg.Job)
			if err == nil {
				w.metrics.ProcessedJobs.Inc()
				if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
					log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
				}
				continue
			}

			w.metrics.FailedJobs.Inc()
			log.Error().Err(err).Str("job_id", msg.Job.JobID).Int("attempt", msg.Job.Attempts).Msg("job failed")

			if msg.Job.Attempts < w.maxJobRetries {
				msg.Job.Attempts++
				if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
					log.Error().Err(enqueueErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue failed job")
					continue
				}
				if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
					log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack after re-enqueue")
				}
				continue
			}

			_ = w.sender.SendText(ctx, msg.Job.ChatID, msg.Job.MessageID, "Could not start answering this question. Please try again later.", nil)
			if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
				log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack terminal failed message")
			}
		}
	}
}

// ProcessJob runs one queued question as a turn and posts the answer. Only
// failures before the turn starts are returned; they are worth a retry.
func (w *Worker) ProcessJob(ctx context.Context, job queue.TurnJob) error {
	log := w.logger.With().Str("job_id", job.JobID).Str("notebook_id", job.NotebookID).Logger()

	events, err := w.store.ListEvents(ctx, job.NotebookID, w.historyLimit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	sources, err := w.store.ListSources(ctx, job.NotebookID)
	if err != nil {
		return fmt.Errorf("load sources: %w", err)
	}

	turnCtx, cancel := context.WithTimeout(ctx, w.turnTimeout)
	defer cancel()

	obs := &chatObserver{sender: w.sender, chatID: job.ChatID, replyTo: job.MessageID, log: log}
	res, err := w.turns.SubmitQuery(turnCtx, turn.Request{
		NotebookID:  job.NotebookID,
		Session:     permissions.Session{ID: job.SessionID},
		Query:       job.Query,
		History:     turn.HistoryFromEvents(events),
		Sources:     sources,
		ContextMode: providers.ContextMode(job.ContextMode),
		Observer:    obs,
	})
	switch {
	case errors.Is(err, turn.ErrTurnInProgress):
		w.refund(ctx, log, job)
		w.send(ctx, log, job.ChatID, job.MessageID, "Another question in this chat is still being answered. Ask again when it is done.", nil)
		return nil
	case errors.Is(err, turn.ErrEmptyQuery):
		w.refund(ctx, log, job)
		return nil
	case err != nil:
		return fmt.Errorf("start turn: %w", err)
	}

	for _, e := range res.Errors {
		log.Warn().Err(e).Msg("turn finished with errors")
	}
	w.send(ctx, log, job.ChatID, job.MessageID, telegram.FormatAnswer(res), nil)
	return nil
}

func (w *Worker) refund(ctx context.Context, log zerolog.Logger, job queue.TurnJob) {
	if w.quota == nil || job.EnqueuedAt.IsZero() {
		return
	}
	if err := w.quota.Refund(context.WithoutCancel(ctx), job.NotebookID, job.EnqueuedAt); err != nil {
		log.Warn().Err(err).Msg("failed to refund turn quota")
	}
}

// send failures are not retried; the turn is already stored.
func (w *Worker) send(ctx context.Context, log zerolog.Logger, chatID, replyTo int64, text string, markup *gotgbot.InlineKeyboardMarkup) {
	if err := w.sender.SendText(context.WithoutCancel(ctx), chatID, replyTo, text, markup); err != nil {
		log.Error().Err(err).Int64("chat_id", chatID).Msg("failed to send telegram message")
	}
}

// chatObserver mirrors turn progress into the chat the question came from.
type chatObserver struct {
	sender  Sender
	chatID  int64
	replyTo int64
	log     zerolog.Logger
}

func (o *chatObserver) StateChanged(notebookID string, s turn.State) {
	o.log.Debug().Str("state", s.String()).Msg("turn state")
	if s != turn.Streaming && s != turn.ToolExecuting {
		return
	}
	if err := o.sender.Typing(context.Background(), o.chatID); err != nil {
		o.log.Debug().Err(err).Msg("typing action failed")
	}
}

func (o *chatObserver) ApprovalRequested(ctx context.Context, req storage.ApprovalRequest) {
	markup := telegram.ApprovalKeyboard(req.ID)
	if err := o.sender.SendText(context.WithoutCancel(ctx), o.chatID, o.replyTo, telegram.FormatApprovalPrompt(req), &markup); err != nil {
		o.log.Error().Err(err).Str("request_id", req.ID).Msg("failed to post approval prompt")
	}
}

func (o *chatObserver) Status(notebookID, msg string) {
	if err := o.sender.SendText(context.Background(), o.chatID, o.replyTo, msg, nil); err != nil {
		o.log.Debug().Err(err).Msg("status message failed")
	}
}

var _ turn.Observer = (*chatObserver)(nil)
