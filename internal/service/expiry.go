package service

import (
	"context"
	"fmt"
	"time"

	"interestchat/internal/events"
	clog "interestchat/internal/log"
	"interestchat/internal/metrics"
	"interestchat/internal/pubsub"
	"interestchat/internal/repository"
)

const DefaultSweepInterval = 60 * time.Second

// SweepResult 记录一次清理的结果。
type SweepResult struct {
	Retired int
	Failed  int
	Err     error
}

// ExpirySweeper 周期性地让过期的活跃聊天退役。
// 每批在一个事务内整体退役，失败时整批在下一周期重试；参与者不会被移除。
type ExpirySweeper struct {
	store    repository.Store
	notifier pubsub.Publisher
	events   events.Emitter
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
}

func NewExpirySweeper(store repository.Store, notifier pubsub.Publisher, emitter events.Emitter, interval, timeout time.Duration) *ExpirySweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &ExpirySweeper{store: store, notifier: notifier, events: emitter, interval: interval, timeout: timeout, now: time.Now}
}

// Run 立即执行一次清理，之后按周期执行，直到 ctx 结束。
func (s *ExpirySweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	clog.Ctx(ctx).Info().Dur("interval", s.interval).Msg("expiry sweeper started")
	for {
		s.runOnce(ctx)
		select {
		case <-ctx.Done():
			clog.Ctx(ctx).Info().Msg("expiry sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}

func (s *ExpirySweeper) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SweepRunsTotal.WithLabelValues("panic").Inc()
			clog.Ctx(ctx).Error().Interface("panic", r).Msg("expiry sweep panicked")
		}
	}()
	if ctx.Err() != nil {
		return
	}
	s.Sweep(ctx)
}

// Sweep 执行一次清理。对已退役的聊天重复执行是无操作。
func (s *ExpirySweeper) Sweep(ctx context.Context) SweepResult {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	now := s.now().UTC()
	var res SweepResult
	expired, err := s.store.FindExpiredChats(ctx, now)
	if err != nil {
		res.Err = storeErr("find expired chats", err)
		s.report(ctx, res)
		return res
	}
	if len(expired) == 0 {
		s.report(ctx, res)
		return res
	}

	ids := make([]uint, 0, len(expired))
	for _, c := range expired {
		ids = append(ids, c.ID)
	}
	var retired []uint
	err = s.store.Transaction(ctx, func(tx repository.Store) error {
		var err error
		retired, err = tx.RetireChats(ctx, ids)
		return err
	})
	if err != nil {
		res.Failed = len(ids)
		res.Err = storeErr(fmt.Sprintf("retire %d chats", len(ids)), err)
		s.report(ctx, res)
		return res
	}
	res.Retired = len(retired)
	s.report(ctx, res)

	if res.Retired > 0 {
		metrics.ChatsRetiredTotal.WithLabelValues(events.ReasonExpired).Add(float64(res.Retired))
	}
	// 只通知本次真正退役的聊天，已被 LeaveChat 退役的不再重复宣布。
	for _, id := range retired {
		notifyChatEnded(ctx, s.notifier, id, events.ReasonExpired)
		s.events.Emit(ctx, events.Event{Type: events.TypeChatRetired, ChatID: id, Reason: events.ReasonExpired, At: now})
	}
	return res
}

func (s *ExpirySweeper) report(ctx context.Context, res SweepResult) {
	l := clog.Ctx(ctx)
	if res.Err != nil {
		metrics.SweepRunsTotal.WithLabelValues("failed").Inc()
		l.Warn().Err(res.Err).Int("retired", res.Retired).Int("failed", res.Failed).Msg("expiry sweep")
		return
	}
	metrics.SweepRunsTotal.WithLabelValues("ok").Inc()
	evt := l.Debug()
	if res.Retired > 0 {
		evt = l.Info()
	}
	evt.Int("retired", res.Retired).Int("failed", res.Failed).Msg("expiry sweep")
}
