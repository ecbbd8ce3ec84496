package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	gosync "sync"
	"time"
	"unicode/utf8"

	"github.com/nhle/mailbrief/internal/mail"
	"github.com/nhle/mailbrief/internal/model"
	"github.com/nhle/mailbrief/internal/store"
)

// deliveryGrace bounds delivery of summaries polled just before a stop.
const deliveryGrace = 5 * time.Second

// IntervalPolicy picks the pause before the next tick.
type IntervalPolicy struct {
	Normal time.Duration
	Error  time.Duration
}

// DefaultIntervals is one minute between polls and five after a failure.
func DefaultIntervals() IntervalPolicy {
	return IntervalPolicy{Normal: 60 * time.Second, Error: 300 * time.Second}
}

// Next returns Error when the tick failed, Normal otherwise.
func (p IntervalPolicy) Next(err error) time.Duration {
	if err != nil {
		return p.Error
	}
	return p.Normal
}

// UserSource is the subset of the store the scheduler reads.
type UserSource interface {
	GetUser(ctx context.Context, chatID int64) (*model.User, error)
	ListVerifiedUsers(ctx context.Context) ([]model.User, error)
}

// MailPoller runs one poll cycle for a user.
type MailPoller interface {
	Poll(ctx context.Context, user *model.User) ([]model.EmailSummary, error)
}

// Notifier delivers text to a chat. It does not retry.
type Notifier interface {
	Notify(ctx context.Context, chatID int64, text string) error
}

// loop is the handle of one running per-user goroutine.
type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
	// prev is the loop this one replaced; it must finish first.
	prev *loop
}

// Scheduler owns one polling loop per monitored user.
type Scheduler struct {
	users    UserSource
	poller   MailPoller
	notifier Notifier
	policy   IntervalPolicy
	logger   *slog.Logger
	format   func(model.EmailSummary) string

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup

	mu       gosync.Mutex
	loops    map[int64]*loop
	retiring map[int64]*loop
	closed   bool
}

// NewScheduler creates a Scheduler. No loops run until Start or StartAll.
func NewScheduler(
	users UserSource,
	poller MailPoller,
	notifier Notifier,
	policy IntervalPolicy,
	logger *slog.Logger,
) *Scheduler {
	def := DefaultIntervals()
	if policy.Normal <= 0 {
		policy.Normal = def.Normal
	}
	if policy.Error <= 0 {
		policy.Error = def.Error
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		users:    users,
		poller:   poller,
		notifier: notifier,
		policy:   policy,
		logger:   logger,
		format:   FormatSummary,
		ctx:      ctx,
		cancel:   cancel,
		loops:    make(map[int64]*loop),
		retiring: make(map[int64]*loop),
	}
}

// FormatSummary renders a summary for chat.
func FormatSummary(s model.EmailSummary) string {
	sender := s.Sender
	if utf8.RuneCountInString(sender) > 50 {
		sender = mail.Truncate(sender, 50)
	}
	return fmt.Sprintf("📧 %s\n\n%s", sender, s.Summary)
}

// Start begins monitoring chatID. It returns false if a loop is already
// running or the scheduler is shut down. If a stopped loop for the same
// user is still winding down, the new loop waits for it before polling.
func (s *Scheduler) Start(chatID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if _, ok := s.loops[chatID]; ok {
		return false
	}

	ctx, cancel := context.WithCancel(s.ctx)
	l := &loop{
		cancel: cancel,
		done:   make(chan struct{}),
		prev:   s.retiring[chatID],
	}
	s.loops[chatID] = l

	s.wg.Add(1)
	go s.run(ctx, chatID, l)

	s.logger.Info("monitoring started", "chat_id", chatID)
	return true
}

// Stop cancels monitoring for chatID. It returns false when nothing was
// running.
func (s *Scheduler) Stop(chatID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.loops[chatID]
	if !ok {
		return false
	}

	delete(s.loops, chatID)
	s.retiring[chatID] = l
	l.cancel()

	s.logger.Info("monitoring stopped", "chat_id", chatID)
	return true
}

// IsMonitoring reports whether a loop is live for chatID.
func (s *Scheduler) IsMonitoring(chatID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.loops[chatID]
	return ok
}

// Running returns the monitored chat ids in ascending order.
func (s *Scheduler) Running() []int64 {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.loops))
	for id := range s.loops {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// StartAll starts a loop for every eligible user and returns how many
// were started.
func (s *Scheduler) StartAll(ctx context.Context) (int, error) {
	users, err := s.users.ListVerifiedUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing verified users: %w", err)
	}

	started := 0
	for i := range users {
		if !users[i].Eligible() {
			continue
		}
		if s.Start(users[i].ChatID) {
			started++
		}
	}

	s.logger.Info("monitoring resumed", "users", started)
	return started, nil
}

// Shutdown stops every loop and waits for them to exit or for ctx to end.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for monitoring loops: %w", ctx.Err())
	}
}

// release drops the loop's registry entries. It runs on every exit path.
func (s *Scheduler) release(chatID int64, l *loop) {
	s.mu.Lock()
	if s.loops[chatID] == l {
		delete(s.loops, chatID)
	}
	if s.retiring[chatID] == l {
		delete(s.retiring, chatID)
	}
	s.mu.Unlock()

	l.cancel()
	close(l.done)
	s.wg.Done()
}

func (s *Scheduler) run(ctx context.Context, chatID int64, l *loop) {
	defer s.release(chatID, l)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("monitoring loop crashed", "chat_id", chatID, "panic", r)
		}
	}()

	// Replaced loops form a chain; each one finishes before its successor
	// polls, even if the successor itself was cancelled meanwhile.
	if l.prev != nil {
		<-l.prev.done
	}
	if ctx.Err() != nil {
		return
	}

	for {
		wait, keep := s.tick(ctx, chatID)
		if !keep {
			return
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// tick runs one iteration. keep is false when the loop should end.
func (s *Scheduler) tick(ctx context.Context, chatID int64) (wait time.Duration, keep bool) {
	user, err := s.users.GetUser(ctx, chatID)
	if ctx.Err() != nil {
		return 0, false
	}
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Info("user no longer exists, monitoring ends", "chat_id", chatID)
		return 0, false
	}
	if err != nil {
		s.logger.Warn("loading user", "chat_id", chatID, "error", err)
		return s.policy.Next(err), true
	}
	if !user.Eligible() {
		s.logger.Info("user not eligible, monitoring ends", "chat_id", chatID)
		return 0, false
	}

	summaries, err := s.poller.Poll(ctx, user)

	// Returned summaries are already recorded and will not come back, so
	// they are delivered even when the loop was cancelled during the poll.
	notifyCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		notifyCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), deliveryGrace)
		defer cancel()
	}
	for _, sum := range summaries {
		if nerr := s.notifier.Notify(notifyCtx, chatID, s.format(sum)); nerr != nil {
			s.logger.Warn("delivering summary",
				"chat_id", chatID, "message_id", sum.MessageID, "error", nerr)
		}
	}
	if ctx.Err() != nil {
		return 0, false
	}

	if err != nil {
		s.logger.Warn("poll failed",
			"chat_id", chatID,
			"auth", mail.IsAuthError(err),
			"delivered", len(summaries),
			"error", err)
	}

	return s.policy.Next(err), true
}
