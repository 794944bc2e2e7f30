package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"github.com/openmates/core/internal/billing"
	"github.com/openmates/core/internal/chatstore"
	"github.com/openmates/core/internal/config"
	apperrors "github.com/openmates/core/internal/errors"
	"github.com/openmates/core/internal/logger"
	"github.com/openmates/core/internal/provider"
	"github.com/openmates/core/internal/routing"
	"github.com/openmates/core/internal/skills"
	"github.com/openmates/core/internal/telemetry"
)

// FocusToolName is the synthetic tool the runner offers so models can propose
// a focus mode. It is declared by the runner, not by any app manifest, and is
// intercepted before skill dispatch.
const FocusToolName = "set_focus"

// errRevoked aborts a run when the distributed revocation flag is set.
var errRevoked = errors.New("task revoked")

// Streamer starts one inference stream. Satisfied by *provider.Client.
type Streamer interface {
	Stream(ctx context.Context, endpoint *routing.ResolvedEndpoint, req *provider.Request) (<-chan provider.StreamChunk, error)
}

// EndpointResolver maps model ids to provider endpoints. Satisfied by
// *routing.ModelRouter.
type EndpointResolver interface {
	Resolve(modelID string) (*routing.ResolvedEndpoint, *config.ModelConfig, error)
	ResolveWithProvider(modelID, providerName string) (*routing.ResolvedEndpoint, *config.ModelConfig, error)
	AvailableModelIDs() []string
}

// ModelPicker ranks models for a turn. Satisfied by *routing.Selector.
type ModelPicker interface {
	Select(req routing.SelectionRequest) routing.Selection
}

// Invoker dispatches one tool call to a skill. Satisfied by *skills.Executor.
type Invoker interface {
	Execute(ctx context.Context, inv *skills.Invocation, skillKey string, body []byte) (*skills.Outcome, error)
}

// Store is the slice of the chat store the runner and the focus coordinator
// need. Satisfied by *chatstore.Store.
type Store interface {
	GetAIMessagesHistory(ctx context.Context, userHash, chatID string) ([]string, error)
	CommitServerMessage(ctx context.Context, userHash string, msg *chatstore.Message) (int64, error)
	UpdateChatActiveFocusID(ctx context.Context, chatID, encryptedFocus string) (int64, error)
	SetPendingFocusActivation(ctx context.Context, chatID, payload string, ttl time.Duration) error
	GetAndDeletePendingFocusActivation(ctx context.Context, chatID string) (string, error)
}

// Flags is the cache slice carrying revocation flags and the per-chat active
// task marker. Satisfied by *cache.Service.
type Flags interface {
	RevokeTask(ctx context.Context, taskID string) error
	TaskRevoked(ctx context.Context, taskID string) (bool, error)
	SetActiveAITask(ctx context.Context, chatID, taskID string) error
	ClearActiveAITask(ctx context.Context, chatID, taskID string) error
}

// EventSink fans events out to a user's connected devices. Satisfied by
// *connections.Manager.
type EventSink interface {
	Broadcast(userHash string, message []byte, excludeDeviceHash string) int
	SendToDevice(userHash, deviceHash string, message []byte) error
}

// UsageSink records usage entries off the hot path. Satisfied by
// *billing.Recorder.
type UsageSink interface {
	Record(rec billing.UsageRecord)
}

// Charger debits model-usage credits. Satisfied by *billing.Service.
type Charger interface {
	Charge(ctx context.Context, params billing.ChargeParams) (billing.ChargeResult, error)
}

// ReplyNotifier tells absent users their reply finished. Satisfied by
// *notifications.Service; implementations decide themselves whether the
// user is actually absent.
type ReplyNotifier interface {
	ReplyReady(userHash string)
}

// Config tunes the runner. Zero values fall back to the defaults below.
type Config struct {
	// MaxContinuations caps tool-call round-trips per task. The final turn
	// is forced to plain text by withholding tools.
	MaxContinuations int

	// InternalTimeout bounds cache and store operations, including the
	// terminal persistence that runs on a fresh context after a revoke.
	InternalTimeout time.Duration

	// FocusPendingTTL is how long a focus proposal stays claimable.
	FocusPendingTTL time.Duration

	// FocusAutoConfirm is the countdown before an unclaimed proposal
	// activates on its own. Must be shorter than FocusPendingTTL.
	FocusAutoConfirm time.Duration

	// DefaultRetryWait is the re-enqueue delay for rate limits that carry
	// no retry hint.
	DefaultRetryWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxContinuations <= 0 {
		c.MaxContinuations = 5
	}
	if c.InternalTimeout <= 0 {
		c.InternalTimeout = 10 * time.Second
	}
	if c.FocusPendingTTL <= 0 {
		c.FocusPendingTTL = 5 * time.Second
	}
	if c.FocusAutoConfirm <= 0 {
		c.FocusAutoConfirm = 4 * time.Second
	}
	if c.DefaultRetryWait <= 0 {
		c.DefaultRetryWait = 30 * time.Second
	}
	return c
}

// RunnerOptions wires a Runner. Streamer, Resolver, Picker, Store, Flags,
// Registry, and Preprocessor are required; the sinks are optional and nil
// disables the concern.
type RunnerOptions struct {
	Streamer     Streamer
	Resolver     EndpointResolver
	Picker       ModelPicker
	Invoker      Invoker
	Store        Store
	Flags        Flags
	Events       EventSink
	Usage        UsageSink
	Charger      Charger
	Registry     *skills.Registry
	Preprocessor *Preprocessor
	Focus        *FocusCoordinator
	Catalog      *config.ModelCatalogConfig
	Mates        []config.MateConfig
	Config       Config
	Notifier     ReplyNotifier
	Metrics      *telemetry.Metrics
	Logger       *logger.Logger
}

// Runner executes one task at a time through the streaming state machine:
// history reconstruction, preprocessing, model selection, the continuation
// loop, and terminal persistence. It holds no per-task state; one instance
// serves all workers.
type Runner struct {
	streamer Streamer
	resolver EndpointResolver
	picker   ModelPicker
	invoker  Invoker
	store    Store
	flags    Flags
	sink     EventSink
	usage    UsageSink
	charger  Charger
	registry *skills.Registry
	pre      *Preprocessor
	focus    *FocusCoordinator
	catalog  *config.ModelCatalogConfig
	mates    []config.MateConfig
	cfg      Config
	notifier ReplyNotifier
	metrics  *telemetry.Metrics
	logger   *logger.Logger
}

func NewRunner(opts RunnerOptions) *Runner {
	return &Runner{
		streamer: opts.Streamer,
		resolver: opts.Resolver,
		picker:   opts.Picker,
		invoker:  opts.Invoker,
		store:    opts.Store,
		flags:    opts.Flags,
		sink:     opts.Events,
		usage:    opts.Usage,
		charger:  opts.Charger,
		registry: opts.Registry,
		pre:      opts.Preprocessor,
		focus:    opts.Focus,
		catalog:  opts.Catalog,
		mates:    opts.Mates,
		cfg:      opts.Config.withDefaults(),
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		logger:   opts.Logger.WithComponent("tasks"),
	}
}

// runState carries one task's prepared inputs through the continuation loop.
type runState struct {
	transcript []provider.Message
	system     string
	tools      []provider.ToolDefinition
	plan       []string
	overrides  routing.UserOverrides
	mate       *config.MateConfig
}

// Run executes one task to a terminal state. The returned Result tells the
// dispatcher whether the task is done, cancelled, failed, or should be
// re-enqueued after a rate-limit wait.
func (r *Runner) Run(ctx context.Context, env *Envelope) Result {
	log := r.logger.WithFields(map[string]interface{}{
		"task_id": env.TaskID,
		"chat_id": env.ChatID,
		"queue":   env.Queue,
	})

	key, err := decodeChatKey(env.ChatKey)
	if err != nil {
		log.Error("task rejected, unusable chat key", "error", err.Error())
		r.clearMarker(env, log)
		r.notifyError(env, "Failed to process message", nil)
		return Result{State: StateFailed, Err: err}
	}

	// Re-assert the marker: a re-enqueued task must show as the chat's
	// active task again.
	if err := r.flags.SetActiveAITask(ctx, env.ChatID, env.TaskID); err != nil {
		log.Warn("failed to set active task marker", "error", err.Error())
	}

	probe := newRevokeProbe(r.flags, env.TaskID, log)
	if probe.force(ctx) {
		return r.finishCancelled(env, key, "", 0, log)
	}

	run, err := r.prepare(ctx, env, key, log)
	if err != nil {
		log.Error("task preparation failed", "error", err.Error())
		r.clearMarker(env, log)
		r.notifyError(env, "Failed to process message", nil)
		return Result{State: StateFailed, Err: err}
	}

	r.emit(env, encodeEvent(TaskStartedEvent{
		Type:      EventTaskStarted,
		TaskID:    env.TaskID,
		ChatID:    env.ChatID,
		MessageID: env.AssistantMessageID(),
		MateID:    mateID(run.mate),
	}))

	return r.converse(ctx, env, key, run, probe, log)
}

// prepare rebuilds the transcript from encrypted history, extracts the user's
// directives, runs the preprocessing pass, and assembles the system prompt,
// tool set, and model plan.
func (r *Runner) prepare(ctx context.Context, env *Envelope, key []byte, log *logger.Logger) (*runState, error) {
	blobs, err := r.store.GetAIMessagesHistory(ctx, env.UserHash, env.ChatID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	transcript := decodeHistory(blobs, key, env.AssistantMessageID(), log)
	lastUser := -1
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == provider.RoleUser {
			lastUser = i
			break
		}
	}
	if lastUser < 0 {
		return nil, apperrors.E(apperrors.KindInvalidRequest, "no user message to answer", nil)
	}

	overrides, cleaned := routing.ParseOverrides(transcript[lastUser].Content)
	transcript[lastUser].Content = cleaned

	pre := r.pre.Analyze(ctx, cleaned, r.registry.Keys(), mateIDs(r.mates))

	preselected := pre.Preselected
	for _, ref := range overrides.Skills {
		k := config.SkillKey(ref.AppID, ref.SkillID)
		if !containsString(preselected, k) {
			preselected = append(preselected, k)
		}
	}

	tools := r.registry.Definitions(preselected)
	if focuses := r.registry.AppFocuses(env.AppID); len(focuses) > 0 {
		tools = append(tools, focusToolDefinition(env.AppID, focuses))
	}

	mate := r.pickMate(overrides.MateID, pre.MateID)
	system := r.systemPrompt(ctx, env, key, mate, overrides, log)
	plan := r.planModels(overrides, pre, log)

	return &runState{
		transcript: transcript,
		system:     system,
		tools:      tools,
		plan:       plan,
		overrides:  overrides,
		mate:       mate,
	}, nil
}

// systemPrompt joins the mate persona with the active focus prompt. An
// explicit @focus directive wins over the chat's stored focus and activates
// immediately, without the proposal countdown, since the user asked for it.
func (r *Runner) systemPrompt(ctx context.Context, env *Envelope, key []byte, mate *config.MateConfig, overrides routing.UserOverrides, log *logger.Logger) string {
	var parts []string
	if mate != nil && mate.SystemPrompt != "" {
		parts = append(parts, mate.SystemPrompt)
	}

	if len(overrides.Focuses) > 0 {
		ref := overrides.Focuses[0]
		if fc, ok := r.registry.Focus(ref.AppID, ref.FocusID); ok {
			if r.focus != nil {
				if err := r.focus.Activate(ctx, env, key, ref.AppID, fc.ID); err != nil {
					log.Warn("focus directive activation failed", "error", err.Error())
				}
			}
			parts = append(parts, fc.Prompt)
			return strings.Join(parts, "\n\n")
		}
		log.Warn("unknown focus directive", "app_id", ref.AppID, "focus_id", ref.FocusID)
	}

	if appID, focusID, ok := env.FocusRef(); ok {
		if fc, ok := r.registry.Focus(appID, focusID); ok {
			parts = append(parts, fc.Prompt)
		} else {
			log.Warn("active focus not in catalog", "app_id", appID, "focus_id", focusID)
		}
	}

	return strings.Join(parts, "\n\n")
}

func (r *Runner) pickMate(overrideID, preID string) *config.MateConfig {
	for _, id := range []string{overrideID, preID} {
		if id == "" {
			continue
		}
		for i := range r.mates {
			if strings.EqualFold(r.mates[i].ID, id) {
				return &r.mates[i]
			}
		}
	}
	return config.DefaultMate(r.mates)
}

// planModels orders the models to try. A pinned @ai-model directive narrows
// the plan to that model plus the hard fallback; @best-model picks the first
// available entry of the matching preference set; otherwise the selector
// ranks by score.
func (r *Runner) planModels(overrides routing.UserOverrides, pre PreprocessResult, log *logger.Logger) []string {
	fallback := ""
	if r.catalog != nil {
		fallback = r.catalog.FallbackModel
	}

	if overrides.ModelID != "" {
		if _, _, err := r.resolver.Resolve(overrides.ModelID); err == nil {
			return dedupModels(overrides.ModelID, fallback)
		}
		log.Warn("model directive did not resolve, using selection", "model", overrides.ModelID)
	}

	if overrides.BestModelCategory != "" && r.catalog != nil {
		var set []string
		switch overrides.BestModelCategory {
		case "economical":
			set = r.catalog.EconomicalModels
		case "premium":
			set = r.catalog.PremiumModels
		default:
			log.Warn("unknown best-model category", "category", overrides.BestModelCategory)
		}
		available := make(map[string]bool)
		for _, id := range r.resolver.AvailableModelIDs() {
			available[id] = true
		}
		for _, id := range set {
			if available[id] {
				return dedupModels(id, fallback)
			}
		}
		if len(set) > 0 {
			log.Warn("no available model in best-model set", "category", overrides.BestModelCategory)
		}
	}

	sel := r.picker.Select(routing.SelectionRequest{
		TaskArea:     pre.TaskArea,
		Complexity:   pre.Complexity,
		ChinaRelated: pre.ChinaRelated,
		UserUnhappy:  pre.UserUnhappy,
	})
	log.Info("models selected",
		"primary", sel.Primary,
		"secondary", sel.Secondary,
		"fallback", sel.Fallback,
		"reason", sel.Reason)
	return dedupModels(sel.Primary, sel.Secondary, sel.Fallback)
}

// converse drives the continuation loop: stream a turn, dispatch any tool
// calls, feed the replies back, repeat. The final permitted turn withholds
// tools so the model must answer in text.
func (r *Runner) converse(ctx context.Context, env *Envelope, key []byte, run *runState, probe *revokeProbe, log *logger.Logger) Result {
	var streamed strings.Builder
	seq := 0

	for turn := 0; turn <= r.cfg.MaxContinuations; turn++ {
		if probe.force(ctx) {
			return r.finishCancelled(env, key, streamed.String(), seq, log)
		}

		tools := run.tools
		if turn == r.cfg.MaxContinuations {
			tools = nil
		}

		acc, modelCfg, abort := r.streamTurn(ctx, env, run, tools, &seq, probe, log)
		if abort != nil {
			switch abort.State {
			case StateCancelled:
				return r.finishCancelled(env, key, streamed.String(), seq, log)
			case StateScheduled:
				return *abort
			default:
				return r.finishFailed(env, key, streamed.String(), abort.Err, seq, log)
			}
		}

		if acc.usage != nil {
			r.settleUsage(env, modelCfg, acc.usage, turn, log)
		} else {
			log.Warn("stream ended without usage", "model", modelCfg.ID)
		}

		streamed.WriteString(acc.text.String())
		calls := acc.toolCalls()

		if len(calls) == 0 {
			return r.finishDone(env, key, streamed.String(), probe, seq, log)
		}

		if focusCall, rest, ok := splitFocusCall(calls); ok {
			done := r.handleFocusCall(ctx, env, key, run, acc, focusCall, rest, streamed.String(), probe, seq, log)
			if done != nil {
				return *done
			}
			// Unknown focus: an error reply went onto the transcript and the
			// model gets another turn to correct itself.
			continue
		}

		if probe.force(ctx) {
			return r.finishCancelled(env, key, streamed.String(), seq, log)
		}

		run.transcript = append(run.transcript, provider.Message{
			Role:              provider.RoleAssistant,
			Content:           acc.text.String(),
			Thinking:          acc.thinking.String(),
			ThinkingSignature: acc.signature,
			RedactedThinking:  acc.redacted,
			ToolCalls:         calls,
		})
		run.transcript = append(run.transcript, r.executeToolCalls(ctx, env, calls, probe, log)...)
	}

	return r.finishDone(env, key, streamed.String(), probe, seq, log)
}

// streamTurn tries each model in the plan until one completes a stream. A
// rate limit before any output re-schedules the whole task; permanent
// provider errors and failures after visible output abort it; everything
// else falls through to the next model.
func (r *Runner) streamTurn(ctx context.Context, env *Envelope, run *runState, tools []provider.ToolDefinition, seq *int, probe *revokeProbe, log *logger.Logger) (*turnAccumulator, *config.ModelConfig, *Result) {
	var lastErr error

	for _, modelID := range run.plan {
		endpoint, modelCfg, err := r.resolveEndpoint(run, modelID)
		if err != nil {
			log.Warn("model did not resolve", "model", modelID, "error", err.Error())
			lastErr = err
			continue
		}

		if probe.force(ctx) {
			return nil, nil, &Result{State: StateCancelled}
		}

		req := &provider.Request{
			Model:     endpoint.Model,
			System:    run.system,
			Messages:  run.transcript,
			Tools:     tools,
			MaxTokens: modelCfg.MaxOutputTokens,
			Thinking:  modelCfg.SupportsThinking,
		}

		ch, err := r.streamer.Stream(ctx, endpoint, req)
		if err != nil {
			var limited *provider.RateLimitedError
			if errors.As(err, &limited) && *seq == 0 {
				wait := limited.RetryAfter.Seconds()
				if wait <= 0 {
					wait = r.cfg.DefaultRetryWait.Seconds()
				}
				log.Info("rate limited before any output, scheduling retry",
					"provider", endpoint.ProviderName, "wait_seconds", wait)
				return nil, nil, &Result{
					State:     StateScheduled,
					Scheduled: &ScheduledRetry{TaskID: env.TaskID, WaitSeconds: wait},
				}
			}
			var apiErr *provider.APIError
			if errors.As(err, &apiErr) && !apiErr.Transient() {
				log.Error("provider rejected request",
					"provider", endpoint.ProviderName, "status", apiErr.StatusCode)
				return nil, nil, &Result{State: StateFailed, Err: err}
			}
			log.Warn("provider unavailable, trying next model", "model", modelID, "error", err.Error())
			lastErr = err
			continue
		}

		acc := newTurnAccumulator()
		err = r.consume(ctx, env, endpoint.ProviderName, ch, acc, seq, probe)
		if err == nil {
			return acc, modelCfg, nil
		}
		if errors.Is(err, errRevoked) {
			return nil, nil, &Result{State: StateCancelled}
		}
		if acc.visible {
			// The user already saw part of this answer; switching models now
			// would splice two replies together.
			log.Error("stream failed after visible output", "model", modelID, "error", err.Error())
			return nil, nil, &Result{State: StateFailed, Err: err}
		}
		log.Warn("stream failed before any output, trying next model", "model", modelID, "error", err.Error())
		lastErr = err
	}

	if lastErr == nil {
		lastErr = errors.New("model plan is empty")
	}
	return nil, nil, &Result{State: StateFailed, Err: lastErr}
}

// consume drains one provider stream: text and thinking fan out to the user's
// devices as they arrive, tool-call deltas accumulate by index, and the
// revocation flag is polled between chunks.
func (r *Runner) consume(ctx context.Context, env *Envelope, providerName string, ch <-chan provider.StreamChunk, acc *turnAccumulator, seq *int, probe *revokeProbe) error {
	for {
		var chunk provider.StreamChunk
		var open bool
		select {
		case <-ctx.Done():
			return errRevoked
		case chunk, open = <-ch:
			if !open {
				return nil
			}
		}

		if chunk.Err != nil {
			return chunk.Err
		}
		if probe.check(ctx) {
			return errRevoked
		}
		if r.metrics != nil {
			r.metrics.ChunksStreamed.WithLabelValues(providerName, string(chunk.Type)).Inc()
		}

		switch chunk.Type {
		case provider.ChunkTypeText:
			if chunk.Text == "" {
				continue
			}
			acc.text.WriteString(chunk.Text)
			acc.visible = true
			*seq++
			r.emit(env, encodeEvent(MessageChunkEvent{
				Type:      EventMessageChunk,
				TaskID:    env.TaskID,
				ChatID:    env.ChatID,
				MessageID: env.AssistantMessageID(),
				Seq:       *seq,
				Content:   chunk.Text,
			}))
		case provider.ChunkTypeThinking:
			if chunk.Text == "" {
				continue
			}
			acc.thinking.WriteString(chunk.Text)
			*seq++
			r.emit(env, encodeEvent(MessageChunkEvent{
				Type:      EventThinkingChunk,
				TaskID:    env.TaskID,
				ChatID:    env.ChatID,
				MessageID: env.AssistantMessageID(),
				Seq:       *seq,
				Content:   chunk.Text,
			}))
		case provider.ChunkTypeThinkingSignature:
			acc.signature = chunk.Text
		case provider.ChunkTypeThinkingRedacted:
			acc.redacted = chunk.Text
		case provider.ChunkTypeToolCall:
			if chunk.ToolCall != nil {
				acc.addDelta(chunk.ToolCall)
			}
		case provider.ChunkTypeUsage:
			if chunk.Usage != nil {
				acc.usage = chunk.Usage
			}
		}
	}
}

// handleFocusCall intercepts the synthetic focus tool. A valid proposal
// persists the turn's text, stores the pending activation with its countdown,
// and ends the task; an unknown focus feeds an error reply back and returns
// nil so the loop continues.
func (r *Runner) handleFocusCall(ctx context.Context, env *Envelope, key []byte, run *runState, acc *turnAccumulator, call provider.ToolCall, rest []provider.ToolCall, streamed string, probe *revokeProbe, seq int, log *logger.Logger) *Result {
	appID := gjson.Get(call.Arguments, "app_id").String()
	focusID := gjson.Get(call.Arguments, "focus_id").String()

	fc, ok := r.registry.Focus(appID, focusID)
	if !ok || !strings.EqualFold(appID, env.AppID) {
		log.Warn("model proposed unknown focus", "app_id", appID, "focus_id", focusID)
		run.transcript = append(run.transcript,
			provider.Message{
				Role:              provider.RoleAssistant,
				Content:           acc.text.String(),
				Thinking:          acc.thinking.String(),
				ThinkingSignature: acc.signature,
				RedactedThinking:  acc.redacted,
				ToolCalls:         []provider.ToolCall{call},
			},
			provider.Message{
				Role:       provider.RoleTool,
				ToolCallID: call.ID,
				Content:    `{"error":"unknown focus mode"}`,
			})
		return nil
	}
	if len(rest) > 0 {
		log.Warn("ignoring tool calls issued alongside focus proposal", "count", len(rest))
	}

	if probe.force(ctx) {
		res := r.finishCancelled(env, key, streamed, seq, log)
		return &res
	}

	if r.focus == nil {
		res := r.finishFailed(env, key, streamed, errors.New("focus coordinator not configured"), seq, log)
		return &res
	}
	if err := r.focus.Propose(env, key, appID, fc); err != nil {
		log.Error("focus proposal failed", "error", err.Error())
		res := r.finishFailed(env, key, streamed, err, seq, log)
		return &res
	}

	res := r.finishDone(env, key, streamed, probe, seq, log)
	return &res
}

// executeToolCalls dispatches a turn's tool calls concurrently and returns
// their replies in call order. Every call gets a reply; failures and
// cancellations come back as JSON payloads the model can read.
func (r *Runner) executeToolCalls(ctx context.Context, env *Envelope, calls []provider.ToolCall, probe *revokeProbe, log *logger.Logger) []provider.Message {
	replies := make([]provider.Message, len(calls))
	var wg sync.WaitGroup
	for i := range calls {
		wg.Add(1)
		go func(i int, call provider.ToolCall) {
			defer wg.Done()
			replies[i] = r.dispatchToolCall(ctx, env, call, probe, log)
		}(i, calls[i])
	}
	wg.Wait()
	return replies
}

func (r *Runner) dispatchToolCall(ctx context.Context, env *Envelope, call provider.ToolCall, probe *revokeProbe, log *logger.Logger) provider.Message {
	reply := provider.Message{Role: provider.RoleTool, ToolCallID: call.ID}

	if probe.force(ctx) {
		reply.Content = `{"status":"cancelled"}`
		return reply
	}

	outcome, err := r.invoker.Execute(ctx, &skills.Invocation{
		TaskID:     env.TaskID,
		ToolCallID: call.ID,
		UserHash:   env.UserHash,
	}, call.Name, []byte(call.Arguments))
	if err != nil {
		log.Warn("skill call failed",
			"skill", call.Name,
			"kind", apperrors.KindOf(err).String(),
			"error", err.Error())
		payload, _ := json.Marshal(map[string]string{"error": apperrors.UserMessage(err)})
		reply.Content = string(payload)
		return reply
	}

	payload, err := json.Marshal(outcome)
	if err != nil {
		reply.Content = `{"error":"unreadable skill result"}`
		return reply
	}
	reply.Content = string(payload)
	return reply
}

// settleUsage records the usage entry and debits credits for one completed
// stream. Settlement is post-paid and idempotent per task turn, so a re-run
// after a crash settles exactly once.
func (r *Runner) settleUsage(env *Envelope, modelCfg *config.ModelConfig, usage *provider.Usage, turn int, log *logger.Logger) {
	credits := computeCredits(modelCfg, usage)

	if r.usage != nil {
		r.usage.Record(billing.UsageRecord{
			UserHash:     env.UserHash,
			AppID:        env.AppID,
			Credits:      credits,
			Model:        modelCfg.ID,
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
			ChatID:       env.ChatID,
			MessageID:    env.AssistantMessageID(),
		})
	}

	if r.charger == nil || credits == 0 {
		return
	}
	opCtx, cancel := r.opCtx()
	defer cancel()
	result, err := r.charger.Charge(opCtx, billing.ChargeParams{
		UserHash:       env.UserHash,
		Credits:        credits,
		AppID:          env.AppID,
		IdempotencyKey: fmt.Sprintf("task:%s:turn:%d", env.TaskID, turn),
	})
	if err != nil {
		// The answer already streamed; a failed debit is logged for
		// reconciliation rather than clawing the reply back.
		log.Error("model usage charge failed", "credits", credits, "error", err.Error())
		if apperrors.KindOf(err) == apperrors.KindInsufficientCredits {
			r.notifyError(env, "Insufficient credits", nil)
		}
		return
	}
	log.Info("model usage settled",
		"credits", credits,
		"status", result.Status,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
		"estimated", usage.Estimated)
}

func (r *Runner) finishDone(env *Envelope, key []byte, text string, probe *revokeProbe, seq int, log *logger.Logger) Result {
	opCtx, cancel := r.opCtx()
	defer cancel()

	// Last revocation window: a revoke that lands before the persistence
	// enqueue still wins.
	if probe.force(opCtx) {
		return r.finishCancelled(env, key, text, seq, log)
	}

	version, encrypted, err := r.persistAssistant(opCtx, env, key, text, StateDone)
	if err != nil {
		log.Error("failed to persist assistant message", "error", err.Error())
		r.clearMarker(env, log)
		r.notifyError(env, "Failed to process message", nil)
		return Result{State: StateFailed, Err: err}
	}

	r.clearMarker(env, log)
	r.emit(env, encodeEvent(MessageCompletedEvent{
		Type:             EventMessageCompleted,
		TaskID:           env.TaskID,
		ChatID:           env.ChatID,
		MessageID:        env.AssistantMessageID(),
		Status:           StateDone,
		EncryptedContent: encrypted,
		MessagesVersion:  version,
	}))
	if r.notifier != nil {
		go r.notifier.ReplyReady(env.UserHash)
	}
	log.Info("task done", "chunks", seq, "chars", len(text))
	return Result{State: StateDone}
}

// finishCancelled persists whatever streamed before the revoke with the
// cancelled status. Runs on a fresh context since the task's own context is
// usually already cancelled here.
func (r *Runner) finishCancelled(env *Envelope, key []byte, text string, seq int, log *logger.Logger) Result {
	opCtx, cancel := r.opCtx()
	defer cancel()

	version, encrypted, err := r.persistAssistant(opCtx, env, key, text, StateCancelled)
	if err != nil {
		log.Error("failed to persist cancelled message", "error", err.Error())
	}
	r.clearMarker(env, log)
	r.emit(env, encodeEvent(MessageCompletedEvent{
		Type:             EventMessageCompleted,
		TaskID:           env.TaskID,
		ChatID:           env.ChatID,
		MessageID:        env.AssistantMessageID(),
		Status:           StateCancelled,
		EncryptedContent: encrypted,
		MessagesVersion:  version,
	}))
	log.Info("task cancelled", "chunks", seq, "chars", len(text))
	return Result{State: StateCancelled}
}

// finishFailed syncs the terminal state to every device but toasts only the
// one that sent the message.
func (r *Runner) finishFailed(env *Envelope, key []byte, text string, cause error, seq int, log *logger.Logger) Result {
	if cause == nil {
		cause = errors.New("task failed")
	}

	opCtx, cancel := r.opCtx()
	defer cancel()

	version, encrypted, err := r.persistAssistant(opCtx, env, key, text, StateFailed)
	if err != nil {
		log.Error("failed to persist failed message", "error", err.Error())
	}
	r.clearMarker(env, log)
	r.emit(env, encodeEvent(MessageCompletedEvent{
		Type:             EventMessageCompleted,
		TaskID:           env.TaskID,
		ChatID:           env.ChatID,
		MessageID:        env.AssistantMessageID(),
		Status:           StateFailed,
		EncryptedContent: encrypted,
		MessagesVersion:  version,
	}))
	r.notifyError(env, "Failed to process message", map[string]interface{}{"task_id": env.TaskID})
	log.Error("task failed", "error", cause.Error(), "chunks", seq)
	return Result{State: StateFailed, Err: cause}
}

// persistAssistant commits the assistant bubble under the task's message id
// and returns the new messages version plus the stored ciphertext, so the
// completion event carries both.
func (r *Runner) persistAssistant(ctx context.Context, env *Envelope, key []byte, text, status string) (int64, string, error) {
	var encrypted string
	if text != "" {
		var err error
		encrypted, err = encryptWithChatKey(key, []byte(text))
		if err != nil {
			return 0, "", fmt.Errorf("encrypt assistant message: %w", err)
		}
	}

	version, err := r.store.CommitServerMessage(ctx, env.UserHash, &chatstore.Message{
		MessageID:        env.AssistantMessageID(),
		HashedChatID:     env.ChatID,
		HashedUserID:     env.UserHash,
		Role:             chatstore.RoleAssistant,
		EncryptedContent: encrypted,
		Status:           status,
		TaskID:           env.TaskID,
		CreatedAt:        time.Now().UTC(),
	})
	if err != nil {
		return 0, "", err
	}
	return version, encrypted, nil
}

func (r *Runner) resolveEndpoint(run *runState, modelID string) (*routing.ResolvedEndpoint, *config.ModelConfig, error) {
	if run.overrides.ModelID == modelID && run.overrides.ModelProvider != "" {
		return r.resolver.ResolveWithProvider(modelID, run.overrides.ModelProvider)
	}
	return r.resolver.Resolve(modelID)
}

func (r *Runner) clearMarker(env *Envelope, log *logger.Logger) {
	opCtx, cancel := r.opCtx()
	defer cancel()
	if err := r.flags.ClearActiveAITask(opCtx, env.ChatID, env.TaskID); err != nil {
		log.Warn("failed to clear active task marker", "error", err.Error())
	}
}

func (r *Runner) emit(env *Envelope, data []byte) {
	if r.sink == nil {
		return
	}
	r.sink.Broadcast(env.UserHash, data, "")
}

// notifyError toasts the originating device only. Siblings learn the terminal
// state from the completion event instead, so one failure never produces a
// toast per device.
func (r *Runner) notifyError(env *Envelope, message string, details map[string]interface{}) {
	if r.sink == nil {
		return
	}
	data := encodeEvent(ErrorEvent{Type: EventError, Message: message, Details: details})
	if env.DeviceHash == "" {
		r.sink.Broadcast(env.UserHash, data, "")
		return
	}
	if err := r.sink.SendToDevice(env.UserHash, env.DeviceHash, data); err != nil {
		r.logger.Warn("error event delivery failed", "task_id", env.TaskID, "error", err.Error())
	}
}

func (r *Runner) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.cfg.InternalTimeout)
}

// decodeHistory turns newest-first encrypted history blobs into an
// oldest-first provider transcript. The assistant bubble this task is
// (re)writing is skipped, as are entries that fail to decrypt: one corrupt
// message must not kill the whole chat.
func decodeHistory(blobs []string, key []byte, replacingID string, log *logger.Logger) []provider.Message {
	msgs := make([]provider.Message, 0, len(blobs))
	for i := len(blobs) - 1; i >= 0; i-- {
		var m chatstore.Message
		if err := json.Unmarshal([]byte(blobs[i]), &m); err != nil {
			log.Warn("undecodable history entry, skipping", "error", err.Error())
			continue
		}
		if m.MessageID == replacingID {
			continue
		}

		var role string
		switch m.Role {
		case chatstore.RoleUser:
			role = provider.RoleUser
		case chatstore.RoleAssistant:
			role = provider.RoleAssistant
		default:
			// System entries are rebuilt from mate and focus config.
			continue
		}

		if m.EncryptedContent == "" {
			continue
		}
		plain, err := decryptWithChatKey(key, m.EncryptedContent)
		if err != nil {
			log.Warn("history entry failed to decrypt, skipping",
				"message_id", m.MessageID, "error", err.Error())
			continue
		}
		if len(plain) == 0 {
			continue
		}
		msgs = append(msgs, provider.Message{Role: role, Content: string(plain)})
	}
	return msgs
}

// computeCredits converts token usage into credits: per-direction rates are
// credits per million tokens, scaled by the model's multiplier and rounded
// up. Nonzero usage on a priced model costs at least one credit.
func computeCredits(m *config.ModelConfig, u *provider.Usage) int64 {
	if m == nil || u == nil {
		return 0
	}
	raw := float64(int64(u.InputTokens)*m.InputCreditsPerMTok+int64(u.OutputTokens)*m.OutputCreditsPerMTok) / 1e6
	multiplier := m.TokenMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	credits := int64(math.Ceil(raw * multiplier))
	if credits < 1 && u.TotalTokens() > 0 && (m.InputCreditsPerMTok > 0 || m.OutputCreditsPerMTok > 0) {
		credits = 1
	}
	return credits
}

// turnAccumulator collects one streamed turn: visible text, thinking blocks,
// incremental tool-call deltas keyed by index, and the usage chunk.
type turnAccumulator struct {
	text      strings.Builder
	thinking  strings.Builder
	signature string
	redacted  string
	visible   bool
	usage     *provider.Usage
	calls     map[int]*pendingCall
	order     []int
}

type pendingCall struct {
	id        string
	name      string
	args      strings.Builder
	signature string
}

func newTurnAccumulator() *turnAccumulator {
	return &turnAccumulator{calls: make(map[int]*pendingCall)}
}

// addDelta merges one incremental tool-call piece. The first delta for an
// index carries the id and name; later deltas append argument JSON.
func (a *turnAccumulator) addDelta(d *provider.ToolCallDelta) {
	call, ok := a.calls[d.Index]
	if !ok {
		call = &pendingCall{}
		a.calls[d.Index] = call
		a.order = append(a.order, d.Index)
	}
	if d.ID != "" {
		call.id = d.ID
	}
	if d.Name != "" {
		call.name = d.Name
	}
	if d.ThoughtSignature != "" {
		call.signature = d.ThoughtSignature
	}
	call.args.WriteString(d.ArgumentsDelta)
}

func (a *turnAccumulator) toolCalls() []provider.ToolCall {
	if len(a.order) == 0 {
		return nil
	}
	sort.Ints(a.order)
	calls := make([]provider.ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		c := a.calls[idx]
		args := strings.TrimSpace(c.args.String())
		if args == "" {
			args = "{}"
		}
		calls = append(calls, provider.ToolCall{
			ID:               c.id,
			Name:             c.name,
			Arguments:        args,
			ThoughtSignature: c.signature,
		})
	}
	return calls
}

// revokeProbe polls the distributed revocation flag at safe points. check is
// throttled for the chunk hot path; force always asks. Safe for concurrent
// use by the tool-call fan-out. A cancelled context counts as revoked, since
// the dispatcher cancels the run context on a revoke signal.
type revokeProbe struct {
	flags    Flags
	taskID   string
	interval time.Duration
	logger   *logger.Logger

	mu      sync.Mutex
	last    time.Time
	revoked atomic.Bool
}

func newRevokeProbe(flags Flags, taskID string, log *logger.Logger) *revokeProbe {
	return &revokeProbe{
		flags:    flags,
		taskID:   taskID,
		interval: 250 * time.Millisecond,
		logger:   log,
	}
}

func (p *revokeProbe) check(ctx context.Context) bool {
	if p.revoked.Load() {
		return true
	}
	p.mu.Lock()
	if time.Since(p.last) < p.interval {
		p.mu.Unlock()
		return false
	}
	p.last = time.Now()
	p.mu.Unlock()
	return p.force(ctx)
}

func (p *revokeProbe) force(ctx context.Context) bool {
	if p.revoked.Load() {
		return true
	}
	if ctx.Err() != nil {
		p.revoked.Store(true)
		return true
	}
	revoked, err := p.flags.TaskRevoked(ctx, p.taskID)
	if err != nil {
		p.logger.Warn("revocation check failed", "error", err.Error())
		return false
	}
	if revoked {
		p.revoked.Store(true)
	}
	return revoked
}

func focusToolDefinition(appID string, focuses []config.FocusConfig) provider.ToolDefinition {
	ids := make([]string, 0, len(focuses))
	var desc strings.Builder
	desc.WriteString("Switch this chat into a focus mode when the conversation clearly calls for one. Available modes:")
	for _, f := range focuses {
		ids = append(ids, f.ID)
		desc.WriteString("\n- " + f.ID)
		if f.Description != "" {
			desc.WriteString(": " + f.Description)
		}
	}

	schema, _ := json.Marshal(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"app_id":   map[string]interface{}{"type": "string", "enum": []string{appID}},
			"focus_id": map[string]interface{}{"type": "string", "enum": ids},
		},
		"required": []string{"app_id", "focus_id"},
	})

	return provider.ToolDefinition{
		Name:        FocusToolName,
		Description: desc.String(),
		InputSchema: schema,
	}
}

// splitFocusCall finds the first focus proposal in a turn's tool calls.
func splitFocusCall(calls []provider.ToolCall) (provider.ToolCall, []provider.ToolCall, bool) {
	for i, call := range calls {
		if call.Name == FocusToolName {
			rest := make([]provider.ToolCall, 0, len(calls)-1)
			rest = append(rest, calls[:i]...)
			rest = append(rest, calls[i+1:]...)
			return call, rest, true
		}
	}
	return provider.ToolCall{}, nil, false
}

func dedupModels(ids ...string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func mateIDs(mates []config.MateConfig) []string {
	ids := make([]string, 0, len(mates))
	for _, m := range mates {
		ids = append(ids, m.ID)
	}
	return ids
}

func mateID(m *config.MateConfig) string {
	if m == nil {
		return ""
	}
	return m.ID
}
