// Package automation answers Instagram DMs and comments that match an
// automation's keywords, either with a fixed message or with an AI reply.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/itsandyd/ppr-academy-sub023/internal/delivery"
	"github.com/itsandyd/ppr-academy-sub023/internal/llm"
	"github.com/itsandyd/ppr-academy-sub023/internal/locks"
	"github.com/itsandyd/ppr-academy-sub023/internal/observability"
	"github.com/itsandyd/ppr-academy-sub023/internal/store"
)

// AllPosts attached to an automation makes it watch every post.
const AllPosts = "ALL_POSTS_AND_FUTURE"

const DefaultUpsellMessage = "Smart AI replies are part of the PRO plan. Upgrade to keep the conversation going!"

// Outcome is what the dispatcher did with one event.
type Outcome string

const (
	OutcomeReplied       Outcome = "replied"
	OutcomeUpsell        Outcome = "upsell"
	OutcomeNoMatch       Outcome = "no_match"
	OutcomeNotApplicable Outcome = "not_applicable"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeFailed        Outcome = "failed"
)

type Options struct {
	UpsellMessage  string
	DedupeTTL      time.Duration
	ProcessTimeout time.Duration
	// HistoryLimit caps the turns sent to the model; 0 sends the whole thread.
	HistoryLimit   int
	ReloadInterval time.Duration
}

type Dispatcher struct {
	repo      *store.Repo
	messenger delivery.Messenger
	llm       llm.Client
	locker    locks.Locker
	dedupe    locks.Deduper
	opts      Options

	mu    sync.RWMutex
	index *Index
}

func New(repo *store.Repo, messenger delivery.Messenger, llmClient llm.Client, locker locks.Locker, dedupe locks.Deduper, opts Options) *Dispatcher {
	if opts.UpsellMessage == "" {
		opts.UpsellMessage = DefaultUpsellMessage
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = 24 * time.Hour
	}
	if opts.ProcessTimeout <= 0 {
		opts.ProcessTimeout = 60 * time.Second
	}
	if opts.ReloadInterval <= 0 {
		opts.ReloadInterval = 30 * time.Second
	}
	if locker == nil {
		locker = locks.NewKeyedMutex()
	}
	if dedupe == nil {
		dedupe = locks.NewMemoryDeduper()
	}
	return &Dispatcher{repo: repo, messenger: messenger, llm: llmClient, locker: locker, dedupe: dedupe, opts: opts}
}

// Start loads the catalog and keeps it fresh until ctx ends.
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.Reload(ctx); err != nil {
		return err
	}
	go func() {
		t := time.NewTicker(d.opts.ReloadInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := d.Reload(ctx); err != nil {
					slog.Warn("automation catalog reload failed", "error", err)
				}
			}
		}
	}()
	return nil
}

// Reload rebuilds the keyword index from the store.
func (d *Dispatcher) Reload(ctx context.Context) error {
	rows, err := d.repo.ListAutomations(ctx)
	if err != nil {
		return err
	}
	ix, errs := BuildIndex(rows)
	for _, err := range errs {
		slog.Warn("skipping invalid automation keyword", "error", err)
	}
	d.mu.Lock()
	d.index = ix
	d.mu.Unlock()
	return nil
}

func (d *Dispatcher) currentIndex() *Index {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.index
}

// HandleInboundEvent processes a raw webhook payload. Errors and panics are
// logged and never reach the caller.
func (d *Dispatcher) HandleInboundEvent(ctx context.Context, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("automation dispatch panicked", "panic", r)
		}
	}()
	events, err := ParseEvents(payload)
	if err != nil {
		slog.Info("dropping unparseable webhook payload", "error", err, "bytes", len(payload))
		observability.AutomationEvents.WithLabelValues("unknown", "parse_error").Inc()
		return
	}
	for _, ev := range events {
		d.HandleEvent(ctx, ev)
	}
}

// HandleEvent processes one parsed event, serialized per sender.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev Event) Outcome {
	ctx, cancel := context.WithTimeout(ctx, d.opts.ProcessTimeout)
	defer cancel()

	outcome, err := d.handle(ctx, ev)
	if err != nil {
		slog.Warn("automation dispatch failed", "kind", ev.Kind, "sender_id", ev.SenderID, "error", err)
		outcome = OutcomeFailed
	}
	observability.AutomationEvents.WithLabelValues(ev.Kind, string(outcome)).Inc()
	return outcome
}

func (d *Dispatcher) handle(ctx context.Context, ev Event) (Outcome, error) {
	if key := ev.DedupeKey(); key != "" {
		first, err := d.dedupe.FirstSeen(ctx, key, d.opts.DedupeTTL)
		if err != nil {
			slog.Warn("dedupe check failed; processing anyway", "key", key, "error", err)
		} else if !first {
			return OutcomeDuplicate, nil
		}
	}

	unlock, err := d.locker.Lock(ctx, "sender:"+ev.SenderID)
	if err != nil {
		return OutcomeFailed, err
	}
	defer unlock()

	candidates := d.currentIndex().Match(ev.Text)
	if len(candidates) == 0 {
		if ev.Kind == store.TriggerDM {
			return d.continueConversation(ctx, ev)
		}
		return OutcomeNoMatch, nil
	}

	for _, c := range candidates {
		if applicable(c.Automation, ev) {
			slog.Info("automation matched", "automation_id", c.Automation.ID, "keyword", c.Keyword, "kind", ev.Kind)
			return d.respond(ctx, c.Automation, ev)
		}
	}
	slog.Info("keyword matched but no automation applies", "kind", ev.Kind, "media_id", ev.MediaID, "candidates", len(candidates))
	return OutcomeNotApplicable, nil
}

// applicable checks trigger type and, for comments, the attached posts.
func applicable(a store.Automation, ev Event) bool {
	if a.TriggerType != ev.Kind {
		return false
	}
	if ev.Kind != store.TriggerComment {
		return true
	}
	posts := a.PostList()
	return slices.Contains(posts, AllPosts) || (ev.MediaID != "" && slices.Contains(posts, ev.MediaID))
}

// continueConversation picks up a Smart AI thread the sender already has.
func (d *Dispatcher) continueConversation(ctx context.Context, ev Event) (Outcome, error) {
	last, err := d.repo.LatestTurnForSender(ctx, ev.SenderID, ev.AccountID)
	if err != nil {
		return OutcomeFailed, err
	}
	if last == nil {
		return OutcomeNoMatch, nil
	}
	a, ok := d.currentIndex().Active(last.AutomationID.String())
	if !ok || a.ListenerType != store.ListenerSmartAI || a.TriggerType != store.TriggerDM {
		return OutcomeNoMatch, nil
	}
	slog.Info("continuing smart ai conversation", "automation_id", a.ID, "sender_id", ev.SenderID)
	return d.smartReply(ctx, a, ev)
}

func (d *Dispatcher) respond(ctx context.Context, a store.Automation, ev Event) (Outcome, error) {
	switch a.ListenerType {
	case store.ListenerSmartAI:
		return d.smartReply(ctx, a, ev)
	case store.ListenerMessage, "":
		return d.messageReply(ctx, a, ev)
	}
	return OutcomeFailed, fmt.Errorf("unknown listener type %q", a.ListenerType)
}

func (d *Dispatcher) messageReply(ctx context.Context, a store.Automation, ev Event) (Outcome, error) {
	res := d.messenger.SendDirectMessage(ctx, a.AccessToken, ev.SenderID, a.Prompt)
	if !res.OK {
		return OutcomeFailed, errors.New(res.Reason)
	}
	d.replyToComment(ctx, a, ev)
	d.countResponse(ctx, a)
	return OutcomeReplied, nil
}

func (d *Dispatcher) replyToComment(ctx context.Context, a store.Automation, ev Event) {
	if ev.Kind != store.TriggerComment || ev.CommentID == "" || a.CommentReply == "" {
		return
	}
	if res := d.messenger.PostCommentReply(ctx, a.AccessToken, ev.CommentID, a.CommentReply); !res.OK {
		slog.Warn("comment reply failed", "automation_id", a.ID, "comment_id", ev.CommentID, "reason", res.Reason)
	}
}

func (d *Dispatcher) smartReply(ctx context.Context, a store.Automation, ev Event) (Outcome, error) {
	if a.PlanTier != store.PlanPro {
		res := d.messenger.SendDirectMessage(ctx, a.AccessToken, ev.SenderID, d.opts.UpsellMessage)
		if !res.OK {
			return OutcomeFailed, errors.New(res.Reason)
		}
		return OutcomeUpsell, nil
	}
	if d.llm == nil {
		return OutcomeFailed, errors.New("smart ai is not configured")
	}

	history, err := d.repo.ListTurns(ctx, a.ID, ev.SenderID)
	if err != nil {
		return OutcomeFailed, err
	}
	if d.opts.HistoryLimit > 0 && len(history) > d.opts.HistoryLimit {
		history = history[len(history)-d.opts.HistoryLimit:]
	}
	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: "system", Content: a.Prompt})
	for _, t := range history {
		messages = append(messages, llm.Message{Role: t.Role, Content: t.Message})
	}
	messages = append(messages, llm.Message{Role: "user", Content: ev.Text})

	reply, err := d.llm.Chat(ctx, messages)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("generate reply: %w", err)
	}

	err = d.repo.AppendTurns(ctx,
		&store.ConversationTurn{AutomationID: a.ID, SenderID: ev.SenderID, ReceiverID: ev.AccountID, Role: "user", Message: ev.Text},
		&store.ConversationTurn{AutomationID: a.ID, SenderID: ev.SenderID, ReceiverID: ev.AccountID, Role: "assistant", Message: reply},
	)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("append history: %w", err)
	}

	res := d.messenger.SendDirectMessage(ctx, a.AccessToken, ev.SenderID, reply)
	if !res.OK {
		return OutcomeFailed, errors.New(res.Reason)
	}
	d.replyToComment(ctx, a, ev)
	d.countResponse(ctx, a)
	return OutcomeReplied, nil
}

func (d *Dispatcher) countResponse(ctx context.Context, a store.Automation) {
	if err := d.repo.IncrementResponseCount(ctx, a.ID); err != nil {
		slog.Warn("increment response count failed", "automation_id", a.ID, "error", err)
	}
}
