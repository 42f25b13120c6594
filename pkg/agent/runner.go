package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harida/titian/internal/observability"
	"github.com/harida/titian/pkg/bridge"
	"github.com/harida/titian/pkg/mcp"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// UsageTurn is one model turn's token accounting.
type UsageTurn struct {
	RunID    string
	Round    int
	Provider string
	Model    string
	Usage    TokenUsage
	At       time.Time
}

// UsageRecorder persists per-turn token usage. Optional on the runner.
type UsageRecorder interface {
	RecordTurn(ctx context.Context, turn UsageTurn) error
}

// Runner converts one user query into a final answer, using the model as a
// controller that decides when to use tools. All session access goes through
// the bridge.
type Runner struct {
	bridge          *bridge.Bridge
	providerFactory ProviderCreator
	loop            LoopConfig
	usage           UsageRecorder
	catalog         *Catalog
	logger          zerolog.Logger

	authProfiles []AuthProfile
	authMu       sync.RWMutex

	runMu     sync.Mutex
	lastRunID string
}

// Config holds runner configuration.
type Config struct {
	Bridge          *bridge.Bridge
	AuthProfiles    []AuthProfile
	ProviderFactory ProviderCreator
	Loop            LoopConfig
	Usage           UsageRecorder
	Catalog         *Catalog
	Logger          zerolog.Logger
}

// NewRunner creates a new runner.
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Bridge == nil {
		return nil, fmt.Errorf("bridge is required")
	}
	if len(cfg.AuthProfiles) == 0 {
		return nil, fmt.Errorf("at least one auth profile is required")
	}
	if cfg.Loop.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.Loop.MaxTokens <= 0 {
		return nil, fmt.Errorf("max tokens must be positive")
	}
	if cfg.Loop.MaxRounds <= 0 {
		return nil, fmt.Errorf("max rounds must be positive")
	}

	providerFactory := cfg.ProviderFactory
	if providerFactory == nil {
		providerFactory = &ProviderFactory{}
	}

	return &Runner{
		bridge:          cfg.Bridge,
		providerFactory: providerFactory,
		loop:            cfg.Loop,
		usage:           cfg.Usage,
		catalog:         cfg.Catalog,
		logger:          cfg.Logger.With().Str("component", "runner").Logger(),
		authProfiles:    cfg.AuthProfiles,
	}, nil
}

// Process runs the full tool loop for one query: discover tools, seed the
// conversation, then alternate model turns and tool dispatches until the
// model stops requesting tools or the round bound trips. The accumulated
// answer text is returned even when an error cuts the loop short.
func (r *Runner) Process(ctx context.Context, query string) (string, error) {
	runID := uuid.New().String()
	r.runMu.Lock()
	r.lastRunID = runID
	r.runMu.Unlock()

	logger := r.logger.With().Str("run_id", runID).Logger()
	logger.Info().Msg("Processing query")

	tools, err := r.discoverTools(ctx)
	if err != nil {
		return "", &DiscoveryError{Err: err}
	}
	schemas := compileSchemas(tools, logger)

	conversation := []Turn{{Role: RoleUser, Content: query}}

	var answer []string
	rounds := 0
	defer func() { observability.ObserveProcessRounds(rounds) }()

	for {
		if err := ctx.Err(); err != nil {
			return joinAnswer(answer), err
		}
		if rounds >= r.loop.MaxRounds {
			logger.Warn().Int("rounds", rounds).Msg("Tool loop bound exceeded")
			return joinAnswer(answer), &LoopBoundError{Rounds: r.loop.MaxRounds}
		}
		rounds++

		reply, provider, err := r.modelTurn(ctx, conversation, tools)
		if err != nil {
			return joinAnswer(answer), &ModelError{Provider: provider, Err: err}
		}
		r.recordUsage(ctx, runID, rounds, provider, reply.Usage, logger)
		logger.Debug().Int("round", rounds).Int("tool_uses", reply.ToolUseCount()).Msg("Model turn completed")

		// Dispatch blocks in the order received. Text lands in the answer
		// immediately so partial narration survives a later tool failure.
		assistantText := ""
		var toolCalls []ToolCall
		for _, block := range reply.Blocks {
			switch block.Type {
			case BlockText:
				answer = append(answer, block.Text)
				if assistantText != "" {
					assistantText += "\n"
				}
				assistantText += block.Text
			case BlockToolUse:
				if r.loop.NarrateToolCalls {
					answer = append(answer, fmt.Sprintf("[Calling tool %s with args %s]",
						block.ToolCall.Name, string(block.ToolCall.Arguments)))
				}
				toolCalls = append(toolCalls, block.ToolCall)
			}
		}

		if len(toolCalls) == 0 {
			logger.Info().Int("rounds", rounds).Msg("Query processed")
			return joinAnswer(answer), nil
		}

		// The assistant turn (its text plus its tool calls) precedes every
		// tool-result turn: model speaks, model calls tool, tool answers.
		conversation = append(conversation, Turn{
			Role:      RoleAssistant,
			Content:   assistantText,
			ToolCalls: toolCalls,
		})

		for _, call := range toolCalls {
			if err := ctx.Err(); err != nil {
				return joinAnswer(answer), err
			}
			conversation = append(conversation, r.dispatchTool(ctx, call, schemas, logger))
		}
	}
}

// LastRunID returns the run ID of the most recently started Process call.
// Usage surfaces use it to look up the run's token accounting.
func (r *Runner) LastRunID() string {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	return r.lastRunID
}

// discoverTools fetches the tool catalog through the bridge and refreshes
// the shared catalog snapshot when one is attached.
func (r *Runner) discoverTools(ctx context.Context) ([]mcp.Tool, error) {
	result, err := r.bridge.Call(ctx, "tools/list", func(ctx context.Context, session *mcp.Session) (interface{}, error) {
		return session.ListTools(ctx)
	})
	if err != nil {
		return nil, err
	}

	tools := result.([]mcp.Tool)
	if r.catalog != nil {
		r.catalog.Update(tools)
	}
	return tools, nil
}

// dispatchTool executes one model-requested tool call and returns its
// tool-result turn. Failures are recorded into the turn, never raised: a
// single failing tool does not abort the query.
func (r *Runner) dispatchTool(ctx context.Context, call ToolCall, schemas map[string]*gojsonschema.Schema, logger zerolog.Logger) Turn {
	recordID, _ := gonanoid.New()
	start := time.Now()

	if err := validateArguments(schemas[call.Name], call.Arguments); err != nil {
		// Arguments are never coerced or repaired; the invocation is
		// skipped and the model sees the validation failure.
		observability.RecordToolInvocation(call.Name, time.Since(start), false)
		logger.Warn().
			Str("tool", call.Name).
			Str("invocation_id", recordID).
			Err(err).
			Msg("Tool arguments rejected by schema")
		invErr := &InvocationError{Tool: call.Name, Err: err}
		return Turn{
			Role:       RoleToolResult,
			ToolCallID: call.ID,
			Content:    invErr.Error(),
			IsError:    true,
		}
	}

	result, err := r.bridge.Call(ctx, "tools/call", func(ctx context.Context, session *mcp.Session) (interface{}, error) {
		return session.CallTool(ctx, call.Name, call.Arguments)
	})

	duration := time.Since(start)
	record := InvocationRecord{
		ID:        recordID,
		Tool:      call.Name,
		Arguments: call.Arguments,
		Duration:  duration,
	}

	if err != nil {
		observability.RecordToolInvocation(call.Name, duration, false)
		record.Error = err.Error()
		logger.Warn().
			Str("tool", call.Name).
			Str("invocation_id", record.ID).
			Err(err).
			Msg("Tool invocation failed")
		invErr := &InvocationError{Tool: call.Name, Err: err}
		return Turn{
			Role:       RoleToolResult,
			ToolCallID: call.ID,
			Content:    invErr.Error(),
			IsError:    true,
		}
	}

	toolResult := result.(*mcp.ToolResult)
	record.Result = toolResult.Text()
	observability.RecordToolInvocation(call.Name, duration, !toolResult.IsError)
	logger.Debug().
		Str("tool", call.Name).
		Str("invocation_id", record.ID).
		Dur("duration", duration).
		Msg("Tool invocation completed")

	return Turn{
		Role:       RoleToolResult,
		ToolCallID: call.ID,
		Content:    record.Result,
		IsError:    toolResult.IsError,
	}
}

// modelTurn runs one model call with per-turn failover across auth profiles.
// Failover only ever repeats the model call; tool invocations are never
// re-executed by it.
func (r *Runner) modelTurn(ctx context.Context, conversation []Turn, tools []mcp.Tool) (*ModelReply, string, error) {
	r.authMu.RLock()
	profiles := make([]AuthProfile, len(r.authProfiles))
	copy(profiles, r.authProfiles)
	r.authMu.RUnlock()

	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Priority < profiles[j].Priority
	})

	request := LLMRequest{
		Model:       r.loop.Model,
		MaxTokens:   r.loop.MaxTokens,
		Temperature: r.loop.Temperature,
		Turns:       conversation,
		Tools:       tools,
	}

	var lastErr error
	lastProvider := ""

	for _, profile := range profiles {
		if profile.CooldownUntil != nil && time.Now().UnixMilli() < *profile.CooldownUntil {
			r.logger.Debug().Str("profile_id", profile.ID).Msg("Skipping profile in cooldown")
			continue
		}

		provider, err := r.providerFactory.NewProvider(profile)
		if err != nil {
			r.logger.Warn().Str("profile_id", profile.ID).Err(err).Msg("Failed to create provider")
			lastErr = err
			continue
		}
		lastProvider = provider.Name()

		start := time.Now()
		reply, err := provider.Complete(ctx, request)
		observability.RecordModelTurn(provider.Name(), time.Since(start), err == nil)

		if err == nil {
			r.updateProfileSuccess(profile.ID)
			return reply, provider.Name(), nil
		}

		lastErr = err
		r.updateProfileFailure(profile.ID)
		r.logger.Warn().Str("profile_id", profile.ID).Err(err).Msg("Auth profile failed")

		if !IsRetryableError(err) {
			return nil, provider.Name(), err
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no usable auth profile")
	}
	return nil, lastProvider, fmt.Errorf("all auth profiles failed: %w", lastErr)
}

func (r *Runner) recordUsage(ctx context.Context, runID string, round int, provider string, usage TokenUsage, logger zerolog.Logger) {
	if r.usage == nil {
		return
	}
	err := r.usage.RecordTurn(ctx, UsageTurn{
		RunID:    runID,
		Round:    round,
		Provider: provider,
		Model:    r.loop.Model,
		Usage:    usage,
		At:       time.Now().UTC(),
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to record token usage")
	}
}

// updateProfileSuccess resets failure tracking for a profile.
func (r *Runner) updateProfileSuccess(profileID string) {
	r.authMu.Lock()
	defer r.authMu.Unlock()

	for i := range r.authProfiles {
		if r.authProfiles[i].ID == profileID {
			r.authProfiles[i].FailureCount = 0
			r.authProfiles[i].CooldownUntil = nil
			break
		}
	}
}

// updateProfileFailure marks a profile as failed and extends its cooldown
// proportionally to the failure count.
func (r *Runner) updateProfileFailure(profileID string) {
	r.authMu.Lock()
	defer r.authMu.Unlock()

	for i := range r.authProfiles {
		if r.authProfiles[i].ID == profileID {
			r.authProfiles[i].FailureCount++
			cooldown := time.Now().UnixMilli() + int64(60000*r.authProfiles[i].FailureCount)
			r.authProfiles[i].CooldownUntil = &cooldown
			break
		}
	}
}

// compileSchemas compiles each tool's input schema once per Process. A tool
// whose schema does not compile is invoked without validation.
func compileSchemas(tools []mcp.Tool, logger zerolog.Logger) map[string]*gojsonschema.Schema {
	schemas := make(map[string]*gojsonschema.Schema, len(tools))
	for _, tool := range tools {
		if len(tool.InputSchema) == 0 {
			continue
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(tool.InputSchema))
		if err != nil {
			logger.Warn().Str("tool", tool.Name).Err(err).Msg("Tool schema did not compile")
			continue
		}
		schemas[tool.Name] = schema
	}
	return schemas
}

// validateArguments checks model-supplied arguments against the tool's
// input schema. A nil schema validates everything.
func validateArguments(schema *gojsonschema.Schema, args json.RawMessage) error {
	if schema == nil {
		return nil
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return fmt.Errorf("validating arguments: %w", err)
	}
	if result.Valid() {
		return nil
	}

	descriptions := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		descriptions = append(descriptions, desc.String())
	}
	return fmt.Errorf("invalid arguments: %s", strings.Join(descriptions, "; "))
}

func joinAnswer(parts []string) string {
	return strings.Join(parts, "\n")
}
