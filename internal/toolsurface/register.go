package toolsurface

import (
	"github.com/rowanhq/foreman/internal/mcp"
)

func agentIDProp() *mcp.PropertySchema {
	return &mcp.PropertySchema{Type: "string", Description: "Your role name, as given in your prompt."}
}

func stringMapProp(desc string) *mcp.PropertySchema {
	return &mcp.PropertySchema{Type: "object", Description: desc}
}

func stringListProp(desc string) *mcp.PropertySchema {
	return &mcp.PropertySchema{
		Type:        "array",
		Description: desc,
		Items:       &mcp.PropertySchema{Type: "string"},
	}
}

// RegisterAll installs the seven coordination verbs on the server.
func (s *Surface) RegisterAll(server *mcp.Server) {
	server.RegisterTool(mcp.Tool{
		Name:        "heartbeat",
		Description: "Signal that you are alive. Call at least once per heartbeat interval; every call extends your deadline. Optionally report your current activity, a one-line progress note, and how full your context window is.",
		InputSchema: &mcp.InputSchema{
			Type: "object",
			Properties: map[string]*mcp.PropertySchema{
				"agent_id":      agentIDProp(),
				"activity":      {Type: "string", Enum: []string{ActivityWorking, ActivityThinking, ActivityWriting}, Description: "What you are doing right now."},
				"progress":      {Type: "string", Description: "One-line progress note."},
				"context_usage": {Type: "number", Description: "Fraction of your context window used, 0.0 to 1.0."},
			},
			Required: []string{"agent_id"},
		},
	}, s.handleHeartbeat)

	server.RegisterTool(mcp.Tool{
		Name:        "report_status",
		Description: "Report your working state. working and needs_review record progress; done marks your assignment finished; blocked escalates an impediment to a human operator; context_limit hands your assignment to a fresh worker that resumes from your latest checkpoint.",
		InputSchema: &mcp.InputSchema{
			Type: "object",
			Properties: map[string]*mcp.PropertySchema{
				"agent_id":       agentIDProp(),
				"status":         {Type: "string", Enum: []string{ReportWorking, ReportDone, ReportBlocked, ReportNeedsReview, ReportContextLimit}},
				"message":        {Type: "string", Description: "Free-form status text."},
				"blocked_reason": {Type: "string", Description: "Why you cannot proceed. Required when status is blocked."},
				"artifacts":      stringMapProp("Artifact name to path mapping produced so far."),
			},
			Required: []string{"agent_id", "status"},
		},
	}, s.handleReportStatus)

	server.RegisterTool(mcp.Tool{
		Name:        "checkpoint",
		Description: "Record a durable progress snapshot. Checkpoint before risky steps and whenever your context usage grows; a replacement worker resumes from your latest checkpoint. completed_count plus the number of pending_items must equal total_count.",
		InputSchema: &mcp.InputSchema{
			Type: "object",
			Properties: map[string]*mcp.PropertySchema{
				"agent_id":        agentIDProp(),
				"summary":         {Type: "string", Description: "Prose description of where the work stands."},
				"completed_items": stringListProp("Work items already done."),
				"pending_items":   stringListProp("Work items still open."),
				"active_files":    stringListProp("Files currently being edited."),
				"notes":           {Type: "string", Description: "Anything the next attempt should know."},
				"completed_count": {Type: "integer"},
				"total_count":     {Type: "integer"},
			},
			Required: []string{"agent_id", "summary"},
		},
	}, s.handleCheckpoint)

	server.RegisterTool(mcp.Tool{
		Name:        "get_context",
		Description: "Fetch a snapshot of the run: project state, agent statuses, recent messages, and published artifacts. Pass include to select sections and role to narrow to one role.",
		InputSchema: &mcp.InputSchema{
			Type: "object",
			Properties: map[string]*mcp.PropertySchema{
				"agent_id":      {Type: "string", Description: "Your role name. Include it so the read counts as a liveness signal."},
				"include":       stringListProp("Sections to include: project, agents, messages, artifacts. Omit for all."),
				"role":          {Type: "string", Description: "Narrow agents, messages and artifacts to this role."},
				"message_limit": {Type: "integer", Description: "Maximum messages to return. Defaults to 50."},
			},
		},
	}, s.handleGetContext)

	server.RegisterTool(mcp.Tool{
		Name:        "send_message",
		Description: "Send a message to another role, or to every role with target 'all'.",
		InputSchema: &mcp.InputSchema{
			Type: "object",
			Properties: map[string]*mcp.PropertySchema{
				"agent_id":  agentIDProp(),
				"to":        {Type: "string", Description: "Target role name, or 'all' to broadcast."},
				"type":      {Type: "string", Enum: []string{"question", "answer", "info", "request"}},
				"content":   {Type: "string"},
				"artifacts": stringMapProp("Artifacts referenced by the message."),
			},
			Required: []string{"agent_id", "to", "type", "content"},
		},
	}, s.handleSendMessage)

	server.RegisterTool(mcp.Tool{
		Name:        "request_help",
		Description: "Ask for help. kind 'agent' sends a question to target; 'clarification' asks the supervisor; 'human' escalates to an operator and ends your run.",
		InputSchema: &mcp.InputSchema{
			Type: "object",
			Properties: map[string]*mcp.PropertySchema{
				"agent_id": agentIDProp(),
				"kind":     {Type: "string", Enum: []string{HelpHuman, HelpAgent, HelpClarification}},
				"issue":    {Type: "string", Description: "What you need help with."},
				"target":   {Type: "string", Description: "Role to ask. Required when kind is agent."},
				"context":  {Type: "string", Description: "Background that helps answer the question."},
			},
			Required: []string{"agent_id", "kind", "issue"},
		},
	}, s.handleRequestHelp)

	server.RegisterTool(mcp.Tool{
		Name:        "complete",
		Description: "Declare your assignment finished. Report final artifacts here; downstream roles are notified.",
		InputSchema: &mcp.InputSchema{
			Type: "object",
			Properties: map[string]*mcp.PropertySchema{
				"agent_id":  agentIDProp(),
				"summary":   {Type: "string", Description: "What you delivered."},
				"artifacts": stringMapProp("Final artifact name to path mapping."),
				"notes":     {Type: "string", Description: "Handoff notes for downstream roles."},
			},
			Required: []string{"agent_id"},
		},
	}, s.handleComplete)
}
