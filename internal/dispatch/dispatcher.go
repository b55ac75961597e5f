// ABOUTME: Event dispatcher deciding whether and how to answer each inbound group message
// ABOUTME: Applies filters, built-in commands, mention rules, cooldown, policy and the provider exchange

package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/2389/coven-relay/internal/conversation"
	"github.com/2389/coven-relay/internal/ledger"
	"github.com/2389/coven-relay/internal/onebot"
	"github.com/2389/coven-relay/internal/policy"
	"github.com/2389/coven-relay/internal/provider"
	"github.com/2389/coven-relay/internal/reply"
)

// DefaultTriggerPrefix marks a message as addressed to the bot without a mention.
const DefaultTriggerPrefix = "/ai"

// Fixed replies.
const (
	ReplyPong        = "pong"
	ReplyHelp        = "触发方式：@机器人 或 /ai 前缀\n指令：/help /ping /reset /model"
	ReplyReset       = "已清空本群上下文。"
	ReplyConfigError = "当前群配置的模型不可用，请联系管理员。"
)

// Outcome describes what Handle did with an event.
type Outcome string

const (
	OutcomeIgnored     Outcome = "ignored"
	OutcomeCommand     Outcome = "command"
	OutcomeCooldown    Outcome = "cooldown"
	OutcomeConfigError Outcome = "config_error"
	OutcomeFailed      Outcome = "provider_failed"
	OutcomeReplied     Outcome = "replied"
	OutcomeCanceled    Outcome = "canceled"
	OutcomePanic       Outcome = "panic"
)

// Sender posts a message to a group.
type Sender interface {
	SendGroupMessage(ctx context.Context, groupID int64, text string) bool
}

// Recorder stores provider exchanges for usage accounting.
type Recorder interface {
	Record(ctx context.Context, ex ledger.Exchange) error
}

// Options configures a Dispatcher.
type Options struct {
	TargetGroups    []int64
	SelfID          int64 // used when an event carries no self_id
	RequireAt       bool
	TriggerPrefixes []string // accepted in addition to DefaultTriggerPrefix
	Cooldown        time.Duration
	ChunkSize       int
	PlainText       bool
}

// Deps are the collaborators a Dispatcher drives. Ledger may be nil.
type Deps struct {
	Store     *conversation.Store
	Policy    *policy.Resolver
	Providers *provider.Registry
	Sender    Sender
	Ledger    Recorder
}

// Dispatcher handles inbound events. It is safe for concurrent use; the only
// state it owns is the per-group cooldown.
type Dispatcher struct {
	opts     Options
	targets  map[int64]struct{}
	prefixes []string

	store     *conversation.Store
	policy    *policy.Resolver
	providers *provider.Registry
	sender    Sender
	ledger    Recorder

	cooldown *Cooldown
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a dispatcher.
func New(opts Options, deps Deps, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = reply.DefaultChunkSize
	}

	targets := make(map[int64]struct{}, len(opts.TargetGroups))
	for _, id := range opts.TargetGroups {
		targets[id] = struct{}{}
	}

	prefixes := []string{DefaultTriggerPrefix}
	for _, p := range opts.TriggerPrefixes {
		if p = strings.TrimSpace(p); p != "" && !strings.EqualFold(p, DefaultTriggerPrefix) {
			prefixes = append(prefixes, p)
		}
	}

	return &Dispatcher{
		opts:      opts,
		targets:   targets,
		prefixes:  prefixes,
		store:     deps.Store,
		policy:    deps.Policy,
		providers: deps.Providers,
		sender:    deps.Sender,
		ledger:    deps.Ledger,
		cooldown:  NewCooldown(opts.Cooldown),
		logger:    logger.With("component", "dispatch"),
		now:       time.Now,
	}
}

// Handle processes one inbound event. Panics are recovered and logged; the
// caller always acknowledges the delivery regardless of the outcome.
func (d *Dispatcher) Handle(ctx context.Context, ev *onebot.Event) (outcome Outcome) {
	if ev == nil {
		return OutcomeIgnored
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handling panicked",
				"panic", r,
				"group_id", ev.GroupID,
				"stack", string(debug.Stack()),
			)
			outcome = OutcomePanic
		}
	}()

	if !ev.IsGroupMessage() {
		return OutcomeIgnored
	}
	groupID := ev.GroupID
	if _, ok := d.targets[groupID]; !ok {
		return OutcomeIgnored
	}
	selfID := ev.EffectiveSelfID(d.opts.SelfID)
	if selfID != 0 && ev.UserID == selfID {
		return OutcomeIgnored
	}

	triggered, text := d.stripPrefix(ev.Text())
	text = conversation.Clamp(text)

	if d.handleCommand(ctx, groupID, text) {
		return OutcomeCommand
	}

	if d.opts.RequireAt && !triggered && !ev.MentionsSelf(selfID) {
		return OutcomeIgnored
	}
	if text == "" {
		return OutcomeIgnored
	}

	if !d.cooldown.Ready(groupID, d.now()) {
		d.logger.Debug("group in cooldown", "group_id", groupID)
		d.send(ctx, groupID, d.waitNotice())
		return OutcomeCooldown
	}

	prompt := d.policy.Prompt(groupID)
	providerName := d.policy.ProviderFor(groupID)
	p, ok := d.providers.Get(providerName)
	if !ok {
		d.logger.Error("group references unconfigured provider", "group_id", groupID, "provider", providerName)
		d.reply(ctx, groupID, ReplyConfigError)
		return OutcomeConfigError
	}

	answer, ok, err := d.store.Exchange(ctx, groupID, text, prompt, func(ctx context.Context, history []conversation.Message) (string, bool) {
		started := d.now()
		r := p.Chat(ctx, history)
		d.record(ctx, groupID, p, r, d.now().Sub(started))
		return r.Text, r.OK
	})
	if err != nil && !ok {
		d.logger.Warn("exchange abandoned", "group_id", groupID, "error", err)
		return OutcomeCanceled
	}
	if err != nil {
		d.logger.Error("failed to persist conversation turn", "group_id", groupID, "error", err)
	}

	if !ok {
		d.reply(ctx, groupID, answer)
		return OutcomeFailed
	}

	if d.opts.PlainText {
		answer = reply.Plain(answer)
	}
	d.reply(ctx, groupID, answer)
	d.logger.Info("replied to group",
		"group_id", groupID,
		"user_id", ev.UserID,
		"provider", p.Name(),
		"chars", utf8.RuneCountInString(answer),
	)
	return OutcomeReplied
}

// handleCommand answers built-in commands. It reports whether text was one.
func (d *Dispatcher) handleCommand(ctx context.Context, groupID int64, text string) bool {
	switch strings.TrimSpace(text) {
	case "/ping":
		d.reply(ctx, groupID, ReplyPong)
	case "/help":
		d.reply(ctx, groupID, ReplyHelp)
	case "/reset":
		if err := d.store.Reset(groupID, d.policy.Prompt(groupID)); err != nil {
			d.logger.Error("failed to persist reset", "group_id", groupID, "error", err)
		}
		d.logger.Info("conversation reset", "group_id", groupID)
		d.reply(ctx, groupID, ReplyReset)
	case "/model":
		d.reply(ctx, groupID, d.modelInfo(groupID))
	default:
		return false
	}
	return true
}

func (d *Dispatcher) modelInfo(groupID int64) string {
	name := d.policy.ProviderFor(groupID)
	p, ok := d.providers.Get(name)
	if !ok {
		return fmt.Sprintf("当前模型：%s（未配置）", name)
	}
	return fmt.Sprintf("当前模型：%s（%s）", p.Name(), p.Model())
}

func (d *Dispatcher) waitNotice() string {
	secs := int(d.cooldown.Window().Round(time.Second) / time.Second)
	return fmt.Sprintf("稍等一下，%d 秒后再试。", max(secs, 1))
}

// stripPrefix removes a leading trigger prefix (case-insensitive, followed
// by whitespace or end of text) and reports whether one was present.
func (d *Dispatcher) stripPrefix(text string) (bool, string) {
	for _, prefix := range d.prefixes {
		if len(text) < len(prefix) || !strings.EqualFold(text[:len(prefix)], prefix) {
			continue
		}
		rest := text[len(prefix):]
		if rest == "" {
			return true, ""
		}
		if r, _ := utf8.DecodeRuneInString(rest); unicode.IsSpace(r) {
			return true, strings.TrimSpace(rest)
		}
	}
	return false, text
}

// reply sends text and starts the group's cooldown window.
func (d *Dispatcher) reply(ctx context.Context, groupID int64, text string) {
	d.send(ctx, groupID, text)
	d.cooldown.Mark(groupID, d.now())
}

// send delivers text in chunks, in order. Failed chunks are logged by the
// sender and do not stop later ones.
func (d *Dispatcher) send(ctx context.Context, groupID int64, text string) {
	chunks := reply.Split(text, d.opts.ChunkSize)
	for i, chunk := range chunks {
		if !d.sender.SendGroupMessage(ctx, groupID, chunk) {
			d.logger.Warn("chunk not delivered", "group_id", groupID, "chunk", i+1, "chunks", len(chunks))
		}
	}
}

func (d *Dispatcher) record(ctx context.Context, groupID int64, p provider.Provider, r provider.Reply, latency time.Duration) {
	if d.ledger == nil {
		return
	}
	err := d.ledger.Record(context.WithoutCancel(ctx), ledger.Exchange{
		GroupID:      groupID,
		Provider:     p.Name(),
		Model:        p.Model(),
		OK:           r.OK,
		InputTokens:  r.Usage.InputTokens,
		OutputTokens: r.Usage.OutputTokens,
		Latency:      latency,
	})
	if err != nil {
		d.logger.Warn("failed to record exchange", "group_id", groupID, "error", err)
	}
}
