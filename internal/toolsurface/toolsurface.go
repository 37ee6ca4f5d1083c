// Package toolsurface wires the coordination verbs workers call into the
// MCP server: heartbeat, report_status, checkpoint, get_context,
// send_message, request_help and complete. Every verb doubles as a
// liveness signal, and a spawning worker's first call promotes it to
// running.
package toolsurface

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rowanhq/foreman/internal/agent"
	"github.com/rowanhq/foreman/internal/log"
	"github.com/rowanhq/foreman/internal/mcp"
	"github.com/rowanhq/foreman/internal/messagelog"
	"github.com/rowanhq/foreman/internal/notify"
	"github.com/rowanhq/foreman/internal/roster"
	"github.com/rowanhq/foreman/internal/store"
)

// Notifier receives escalation signals raised through the tool surface.
type Notifier interface {
	Escalated(ctx context.Context, esc notify.Escalation)
}

// Surface owns the tool handlers and their dependencies.
type Surface struct {
	store    *store.Store
	msgs     *messagelog.Log
	roster   *roster.Roster
	notifier Notifier

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration
}

// New builds a Surface. notifier may be nil. heartbeatEvery is the
// cadence workers are told to observe; heartbeatTimeout is how far each
// tool call extends the attempt deadline.
func New(s *store.Store, msgs *messagelog.Log, r *roster.Roster, notifier Notifier, heartbeatEvery, heartbeatTimeout time.Duration) *Surface {
	return &Surface{
		store:            s,
		msgs:             msgs,
		roster:           r,
		notifier:         notifier,
		heartbeatEvery:   heartbeatEvery,
		heartbeatTimeout: heartbeatTimeout,
	}
}

// Worker-reported status values accepted by report_status.
const (
	ReportWorking      = "working"
	ReportDone         = "done"
	ReportBlocked      = "blocked"
	ReportNeedsReview  = "needs_review"
	ReportContextLimit = "context_limit"
)

// Heartbeat activity values.
const (
	ActivityWorking  = "working"
	ActivityThinking = "thinking"
	ActivityWriting  = "writing"
)

// Help request kinds accepted by request_help.
const (
	HelpHuman         = "human"
	HelpAgent         = "agent"
	HelpClarification = "clarification"
)

func (s *Surface) knownRole(role string) bool {
	return s.roster.Lookup(role) != nil
}

// touch records liveness for role inside fn's mutation and promotes a
// spawning worker to running on its first call. Any tool call counts as
// a heartbeat, so the attempt deadline is pushed out too. fn may be nil.
func (s *Surface) touch(ctx context.Context, role string, fn func(tx *store.Tx, st *agent.State) error) (*agent.State, error) {
	if !s.knownRole(role) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	return s.store.Mutate(ctx, role, func(tx *store.Tx, st *agent.State) error {
		if st.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is %s and can no longer act", ErrAlreadyTerminal, role, st.Status)
		}
		now := tx.Now()
		st.Touch(now)
		deadline := now.Add(s.heartbeatTimeout)
		st.TimeoutAt = &deadline
		if st.Status == agent.StatusSpawning {
			if err := st.TransitionTo(agent.StatusRunning, now); err != nil {
				return err
			}
			log.Info(log.CatMCP, "First tool call", "role", role)
		}
		if fn != nil {
			return fn(tx, st)
		}
		return nil
	})
}

type heartbeatParams struct {
	AgentID      string   `json:"agent_id"`
	Activity     string   `json:"activity,omitempty"`
	Progress     string   `json:"progress,omitempty"`
	ContextUsage *float64 `json:"context_usage,omitempty"`
}

func (s *Surface) handleHeartbeat(ctx context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
	var p heartbeatParams
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	switch p.Activity {
	case "", ActivityWorking, ActivityThinking, ActivityWriting:
	default:
		return nil, fmt.Errorf("invalid activity %q: must be one of working, thinking, writing", p.Activity)
	}
	if p.ContextUsage != nil && (*p.ContextUsage < 0 || *p.ContextUsage > 1) {
		return nil, fmt.Errorf("context_usage must be between 0.0 and 1.0")
	}

	st, err := s.touch(ctx, p.AgentID, func(tx *store.Tx, st *agent.State) error {
		if p.Progress != "" {
			st.LastMessage = p.Progress
		}
		if p.ContextUsage != nil {
			st.ContextUsage = *p.ContextUsage
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return mcp.SuccessResult(fmt.Sprintf("ok. Deadline extended to %s; heartbeat again within %s.",
		st.TimeoutAt.Format(time.RFC3339), s.heartbeatEvery)), nil
}

type reportStatusParams struct {
	AgentID       string            `json:"agent_id"`
	Status        string            `json:"status"`
	Message       string            `json:"message,omitempty"`
	Artifacts     map[string]string `json:"artifacts,omitempty"`
	BlockedReason string            `json:"blocked_reason,omitempty"`
}

func (s *Surface) handleReportStatus(ctx context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
	var p reportStatusParams
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	switch p.Status {
	case ReportWorking:
		return s.reportProgress(ctx, p, agent.MessageProgress, "status recorded")
	case ReportNeedsReview:
		return s.reportProgress(ctx, p, agent.MessageNeedsReview, "review request recorded")
	case ReportDone:
		return s.reportDone(ctx, p)
	case ReportBlocked:
		return s.reportBlocked(ctx, p)
	case ReportContextLimit:
		return s.reportContextLimit(ctx, p)
	default:
		return nil, fmt.Errorf("%w %q: must be one of working, done, blocked, needs_review, context_limit", ErrInvalidStatus, p.Status)
	}
}

// reportProgress covers the statuses that keep the role running.
func (s *Surface) reportProgress(ctx context.Context, p reportStatusParams, msgType agent.MessageType, ack string) (*mcp.ToolCallResult, error) {
	msg := &agent.Message{
		From:    p.AgentID,
		To:      agent.BroadcastTarget,
		Type:    msgType,
		Content: p.Message,
	}
	_, err := s.touch(ctx, p.AgentID, func(tx *store.Tx, st *agent.State) error {
		st.MergeArtifacts(p.Artifacts)
		if p.Message != "" {
			st.LastMessage = p.Message
		}
		return tx.AppendMessage(msg)
	})
	if err != nil {
		return nil, err
	}
	s.msgs.Publish(msg)
	return mcp.SuccessResult(ack), nil
}

func (s *Surface) reportDone(ctx context.Context, p reportStatusParams) (*mcp.ToolCallResult, error) {
	done := &agent.Message{
		From:    p.AgentID,
		To:      agent.BroadcastTarget,
		Type:    agent.MessageDone,
		Content: p.Message,
	}
	_, err := s.touch(ctx, p.AgentID, func(tx *store.Tx, st *agent.State) error {
		st.MergeArtifacts(p.Artifacts)
		if p.Message != "" {
			st.LastMessage = p.Message
		}
		if err := st.TransitionTo(agent.StatusCompleted, tx.Now()); err != nil {
			return err
		}
		done.Artifacts = st.Artifacts
		return tx.AppendMessage(done)
	})
	if err != nil {
		return nil, err
	}
	s.msgs.Publish(done)
	log.Info(log.CatMCP, "Role reported done", "role", p.AgentID)
	return mcp.SuccessResult("completion recorded. You may exit now."), nil
}

func (s *Surface) reportBlocked(ctx context.Context, p reportStatusParams) (*mcp.ToolCallResult, error) {
	reason := p.BlockedReason
	if reason == "" {
		reason = p.Message
	}
	if reason == "" {
		return nil, ErrMissingBlockedReason
	}
	blocker := &agent.Message{
		From:    p.AgentID,
		To:      agent.BroadcastTarget,
		Type:    agent.MessageBlocked,
		Content: reason,
	}
	st, err := s.touch(ctx, p.AgentID, func(tx *store.Tx, st *agent.State) error {
		st.MergeArtifacts(p.Artifacts)
		if p.Message != "" {
			st.LastMessage = p.Message
		}
		st.LastError = "blocked: " + reason
		if err := st.TransitionTo(agent.StatusEscalated, tx.Now()); err != nil {
			return err
		}
		return tx.AppendMessage(blocker)
	})
	if err != nil {
		return nil, err
	}
	s.msgs.Publish(blocker)
	log.Warn(log.CatMCP, "Worker blocked", "role", p.AgentID, "reason", reason)
	s.notifyEscalated(ctx, st, "blocked: "+reason)
	return mcp.SuccessResult("blocker escalated to a human operator"), nil
}

// notifyEscalated raises a notification carrying the role's context so an
// operator can act without opening the state store.
func (s *Surface) notifyEscalated(ctx context.Context, st *agent.State, reason string) {
	if s.notifier == nil {
		return
	}
	var summary string
	if cp, err := s.store.LatestCheckpoint(ctx, st.Role); err == nil {
		summary = cp.Summary
	}
	s.notifier.Escalated(ctx, notify.Escalation{
		Role:       st.Role,
		Reason:     reason,
		RetryCount: st.RetryCount,
		LastError:  st.LastError,
		Checkpoint: summary,
		Artifacts:  st.Artifacts,
	})
}

func (s *Surface) reportContextLimit(ctx context.Context, p reportStatusParams) (*mcp.ToolCallResult, error) {
	msg := &agent.Message{
		From:    p.AgentID,
		To:      agent.BroadcastTarget,
		Type:    agent.MessageContextLimit,
		Content: p.Message,
	}
	_, err := s.touch(ctx, p.AgentID, func(tx *store.Tx, st *agent.State) error {
		st.MergeArtifacts(p.Artifacts)
		if p.Message != "" {
			st.LastMessage = p.Message
		}
		if err := st.TransitionTo(agent.StatusPaused, tx.Now()); err != nil {
			return err
		}
		return tx.AppendMessage(msg)
	})
	if err != nil {
		return nil, err
	}
	s.msgs.Publish(msg)
	return mcp.SuccessResult("pause recorded; a fresh worker will resume from your latest checkpoint"), nil
}

type checkpointParams struct {
	AgentID        string   `json:"agent_id"`
	Summary        string   `json:"summary"`
	CompletedItems []string `json:"completed_items,omitempty"`
	PendingItems   []string `json:"pending_items,omitempty"`
	ActiveFiles    []string `json:"active_files,omitempty"`
	Notes          string   `json:"notes,omitempty"`
	CompletedCount int      `json:"completed_count"`
	TotalCount     int      `json:"total_count"`
}

func (s *Surface) handleCheckpoint(ctx context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
	var p checkpointParams
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	if p.TotalCount == 0 && p.CompletedCount == 0 {
		p.CompletedCount = len(p.CompletedItems)
		p.TotalCount = len(p.CompletedItems) + len(p.PendingItems)
	}
	cp := &agent.Checkpoint{
		Role:           p.AgentID,
		Summary:        p.Summary,
		CompletedItems: p.CompletedItems,
		PendingItems:   p.PendingItems,
		ActiveFiles:    p.ActiveFiles,
		Notes:          p.Notes,
		CompletedCount: p.CompletedCount,
		TotalCount:     p.TotalCount,
	}
	_, err := s.touch(ctx, p.AgentID, func(tx *store.Tx, st *agent.State) error {
		st.LastMessage = "checkpoint: " + p.Summary
		return tx.RecordCheckpoint(cp)
	})
	if err != nil {
		return nil, err
	}
	percent := 0
	if cp.TotalCount > 0 {
		percent = cp.CompletedCount * 100 / cp.TotalCount
	}
	log.Info(log.CatCkpt, "Checkpoint recorded", "role", p.AgentID, "completed", cp.CompletedCount, "total", cp.TotalCount)
	return mcp.SuccessResult(fmt.Sprintf("checkpoint recorded: %d%% complete", percent)), nil
}

// Context sections get_context can assemble.
const (
	SectionProject   = "project"
	SectionAgents    = "agents"
	SectionMessages  = "messages"
	SectionArtifacts = "artifacts"
)

const defaultMessageLimit = 50

type getContextParams struct {
	AgentID      string   `json:"agent_id"`
	Include      []string `json:"include,omitempty"`
	Role         string   `json:"role,omitempty"`
	MessageLimit int      `json:"message_limit,omitempty"`
}

// AgentSummary is the per-role slice of the agents section.
type AgentSummary struct {
	Role        string       `json:"role"`
	Status      agent.Status `json:"status"`
	RetryCount  int          `json:"retry_count"`
	LastMessage string       `json:"last_message,omitempty"`
	LastError   string       `json:"last_error,omitempty"`
}

// ContextResult is the JSON document returned by get_context.
type ContextResult struct {
	Project   *agent.Project               `json:"project,omitempty"`
	Agents    []AgentSummary               `json:"agents,omitempty"`
	Messages  []*agent.Message             `json:"messages,omitempty"`
	Artifacts map[string]map[string]string `json:"artifacts,omitempty"`
}

func (s *Surface) handleGetContext(ctx context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
	var p getContextParams
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if p.Role != "" && !s.knownRole(p.Role) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, p.Role)
	}

	include := make(map[string]bool, len(p.Include))
	for _, section := range p.Include {
		switch section {
		case SectionProject, SectionAgents, SectionMessages, SectionArtifacts:
			include[section] = true
		default:
			return nil, fmt.Errorf("unknown context section %q", section)
		}
	}
	all := len(include) == 0

	// The snapshot itself is read-only; a calling worker still counts the
	// read as liveness. Observers may omit agent_id.
	if p.AgentID != "" {
		if _, err := s.touch(ctx, p.AgentID, nil); err != nil {
			return nil, err
		}
	}

	var result ContextResult
	if all || include[SectionProject] {
		proj, err := s.store.Project(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading project: %w", err)
		}
		result.Project = proj
	}

	var states []*agent.State
	if all || include[SectionAgents] || include[SectionArtifacts] {
		var err error
		states, err = s.store.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing agents: %w", err)
		}
	}
	if all || include[SectionAgents] {
		for _, st := range states {
			if p.Role != "" && st.Role != p.Role {
				continue
			}
			result.Agents = append(result.Agents, AgentSummary{
				Role:        st.Role,
				Status:      st.Status,
				RetryCount:  st.RetryCount,
				LastMessage: st.LastMessage,
				LastError:   st.LastError,
			})
		}
	}
	if all || include[SectionArtifacts] {
		result.Artifacts = make(map[string]map[string]string)
		for _, st := range states {
			if p.Role != "" && st.Role != p.Role {
				continue
			}
			if len(st.Artifacts) > 0 {
				result.Artifacts[st.Role] = st.Artifacts
			}
		}
	}
	if all || include[SectionMessages] {
		limit := p.MessageLimit
		if limit <= 0 {
			limit = defaultMessageLimit
		}
		var (
			msgs []*agent.Message
			err  error
		)
		if p.Role != "" {
			msgs, err = s.store.MessagesFor(ctx, p.Role, 0, limit)
		} else {
			msgs, err = s.store.Tail(ctx, limit)
		}
		if err != nil {
			return nil, fmt.Errorf("reading messages: %w", err)
		}
		result.Messages = msgs
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding context: %w", err)
	}
	return mcp.SuccessResult(string(data)), nil
}

type sendMessageParams struct {
	AgentID   string            `json:"agent_id"`
	To        string            `json:"to"`
	Type      string            `json:"type"`
	Content   string            `json:"content"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
}

func (s *Surface) handleSendMessage(ctx context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
	var p sendMessageParams
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if !s.knownRole(p.AgentID) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFromRole, p.AgentID)
	}
	if p.To == "" {
		return nil, ErrMissingTarget
	}
	if p.To != agent.BroadcastTarget && !s.knownRole(p.To) {
		return nil, fmt.Errorf("%w: %s is not a known target", ErrUnknownRole, p.To)
	}
	msgType := agent.MessageType(p.Type)
	if !msgType.Sendable() {
		return nil, fmt.Errorf("%w %q: must be one of question, answer, info, request", ErrInvalidType, p.Type)
	}

	msg := &agent.Message{
		From:      p.AgentID,
		To:        p.To,
		Type:      msgType,
		Content:   p.Content,
		Artifacts: p.Artifacts,
	}
	_, err := s.touch(ctx, p.AgentID, func(tx *store.Tx, st *agent.State) error {
		return tx.AppendMessage(msg)
	})
	if err != nil {
		return nil, err
	}
	s.msgs.Publish(msg)
	return mcp.SuccessResult(fmt.Sprintf("message %d delivered to %s", msg.Seq, p.To)), nil
}

type requestHelpParams struct {
	AgentID string `json:"agent_id"`
	Kind    string `json:"kind"`
	Issue   string `json:"issue"`
	Target  string `json:"target,omitempty"`
	Context string `json:"context,omitempty"`
}

func (s *Surface) handleRequestHelp(ctx context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
	var p requestHelpParams
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if p.Issue == "" {
		return nil, fmt.Errorf("an issue description is required")
	}
	content := p.Issue
	if p.Context != "" {
		content += "\n\nContext: " + p.Context
	}

	switch p.Kind {
	case HelpHuman:
		return s.helpHuman(ctx, p, content)
	case HelpAgent:
		if p.Target == "" {
			return nil, fmt.Errorf("%w when kind is agent", ErrMissingTarget)
		}
		if !s.knownRole(p.Target) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRole, p.Target)
		}
		return s.helpQuestion(ctx, p.AgentID, p.Target, content)
	case HelpClarification:
		return s.helpQuestion(ctx, p.AgentID, agent.SupervisorTarget, content)
	default:
		return nil, fmt.Errorf("invalid kind %q: must be one of human, agent, clarification", p.Kind)
	}
}

// helpHuman escalates the role; only an operator can unblock it.
func (s *Surface) helpHuman(ctx context.Context, p requestHelpParams, content string) (*mcp.ToolCallResult, error) {
	plea := &agent.Message{
		From:    p.AgentID,
		To:      agent.BroadcastTarget,
		Type:    agent.MessageBlocked,
		Content: "needs human help: " + content,
	}
	st, err := s.touch(ctx, p.AgentID, func(tx *store.Tx, st *agent.State) error {
		st.LastError = "requested human help: " + p.Issue
		if err := st.TransitionTo(agent.StatusEscalated, tx.Now()); err != nil {
			return err
		}
		return tx.AppendMessage(plea)
	})
	if err != nil {
		return nil, err
	}
	s.msgs.Publish(plea)
	s.notifyEscalated(ctx, st, "help requested: "+p.Issue)
	return mcp.SuccessResult("help request escalated to a human operator"), nil
}

func (s *Surface) helpQuestion(ctx context.Context, from, to, content string) (*mcp.ToolCallResult, error) {
	msg := &agent.Message{
		From:    from,
		To:      to,
		Type:    agent.MessageQuestion,
		Content: content,
	}
	_, err := s.touch(ctx, from, func(tx *store.Tx, st *agent.State) error {
		return tx.AppendMessage(msg)
	})
	if err != nil {
		return nil, err
	}
	s.msgs.Publish(msg)
	return mcp.SuccessResult(fmt.Sprintf("question sent to %s", to)), nil
}

type completeParams struct {
	AgentID   string            `json:"agent_id"`
	Summary   string            `json:"summary,omitempty"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
	Notes     string            `json:"notes,omitempty"`
}

func (s *Surface) handleComplete(ctx context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
	var p completeParams
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	var done *agent.Message
	st, err := s.touch(ctx, p.AgentID, func(tx *store.Tx, st *agent.State) error {
		st.MergeArtifacts(p.Artifacts)
		if p.Summary != "" {
			st.LastMessage = p.Summary
		}
		if err := st.TransitionTo(agent.StatusCompleted, tx.Now()); err != nil {
			return err
		}
		done = &agent.Message{
			From:      p.AgentID,
			To:        agent.BroadcastTarget,
			Type:      agent.MessageDone,
			Content:   fmt.Sprintf("%s completed its assignment", p.AgentID),
			Artifacts: st.Artifacts,
		}
		if p.Notes != "" {
			done.Metadata = map[string]string{"notes": p.Notes}
		}
		return tx.AppendMessage(done)
	})
	if err != nil {
		return nil, err
	}
	s.msgs.Publish(done)
	log.Info(log.CatMCP, "Role completed", "role", p.AgentID)

	ack := "completion recorded. You may exit now."
	if st.SpawnedAt != nil && st.CompletedAt != nil {
		ack = fmt.Sprintf("completion recorded after %s. You may exit now.",
			st.CompletedAt.Sub(*st.SpawnedAt).Round(time.Second))
	}
	return mcp.SuccessResult(ack), nil
}
