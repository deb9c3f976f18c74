package conversation

import (
	"context"
	"time"

	"github.com/wolfman30/comchat-platform/pkg/logging"
)

const idleBatchSize = 100

// CloseIdle closes conversations inactive since now minus the idle timeout.
// Conversations currently being handled are skipped and picked up on a
// later sweep.
func (o *Orchestrator) CloseIdle(ctx context.Context, now time.Time) ([]Conversation, error) {
	cutoff := now.Add(-o.cfg.IdleAfter)
	candidates, err := o.store.IdleCandidates(ctx, cutoff, idleBatchSize)
	if err != nil {
		return nil, err
	}

	var closed []Conversation
	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		unlock, ok := o.locks.TryLock(c.Key().String())
		if !ok {
			continue
		}
		done, err := o.store.Close(ctx, c.ID, cutoff)
		unlock()
		if err != nil {
			o.logger.Warn("failed to close idle conversation", "conversation_id", c.ID, "error", err)
			continue
		}
		if !done {
			continue
		}
		c.Status = StatusClosed
		closedAt := now.UTC()
		c.ClosedAt = &closedAt
		closed = append(closed, c)
		o.emit(ctx, o.logger.With("conversation_id", c.ID), Event{Type: EventConversationEnded, Conversation: c})
	}
	o.metrics.AddClosed(len(closed))
	return closed, nil
}

// Archiver stores the transcript of a closed conversation. summary is nil
// when none was produced.
type Archiver interface {
	Archive(ctx context.Context, conv Conversation, messages []Message, summary *Summary) error
}

// Sweeper periodically closes idle conversations, summarizes them and
// archives the transcripts.
type Sweeper struct {
	orchestrator *Orchestrator
	store        Store
	archiver     Archiver
	interval     time.Duration
	logger       *logging.Logger
	now          func() time.Time
}

func NewSweeper(o *Orchestrator, store Store, archiver Archiver, interval time.Duration, logger *logging.Logger) *Sweeper {
	if o == nil || store == nil {
		panic("conversation: orchestrator and store are required")
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Sweeper{orchestrator: o, store: store, archiver: archiver, interval: interval, logger: logger, now: time.Now}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("idle sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce runs one pass and returns how many conversations were closed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	closed, err := s.orchestrator.CloseIdle(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if s.archiver != nil {
		for _, c := range closed {
			msgs, err := s.store.History(ctx, c.ID, 0)
			if err != nil {
				s.logger.Warn("failed to load transcript for archive", "conversation_id", c.ID, "error", err)
				continue
			}
			summary := s.summarize(ctx, c, msgs)
			if err := s.archiver.Archive(ctx, c, msgs, summary); err != nil {
				s.logger.Warn("failed to archive transcript", "conversation_id", c.ID, "error", err)
			}
		}
	}
	if len(closed) > 0 {
		s.logger.Info("closed idle conversations", "count", len(closed))
	}
	return len(closed), nil
}

// summarize never fails the sweep; a transcript is archived without a
// summary when no backend could write one.
func (s *Sweeper) summarize(ctx context.Context, c Conversation, msgs []Message) *Summary {
	if !s.orchestrator.cfg.SummarizeOnClose {
		return nil
	}
	summary, err := s.orchestrator.Summarize(ctx, c, msgs)
	if err != nil {
		s.logger.Warn("failed to summarize conversation", "conversation_id", c.ID, "error", err)
		return nil
	}
	return summary
}
