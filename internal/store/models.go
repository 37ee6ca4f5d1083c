package store

import (
	"encoding/json"
	"time"

	"github.com/rowanhq/foreman/internal/agent"
)

// agentStateModel is the database row for agent_states. Time values are
// Unix timestamps, slices and maps are JSON encoded.
type agentStateModel struct {
	Role            string
	WorkerKind      string
	Status          string
	Dependencies    string
	SpawnedAt       *int64
	CompletedAt     *int64
	TimeoutAt       *int64
	LastHeartbeat   *int64
	RetryCount      int
	Artifacts       string
	LastMessage     string
	LastError       string
	ContextUsage    float64
	RecoveryContext string
	UpdatedAt       int64
}

func toStateModel(s *agent.State) *agentStateModel {
	m := &agentStateModel{
		Role:            s.Role,
		WorkerKind:      s.WorkerKind,
		Status:          string(s.Status),
		Dependencies:    encodeJSON(s.Dependencies, "[]"),
		RetryCount:      s.RetryCount,
		Artifacts:       encodeJSON(s.Artifacts, "{}"),
		LastMessage:     s.LastMessage,
		LastError:       s.LastError,
		ContextUsage:    s.ContextUsage,
		RecoveryContext: s.RecoveryContext,
		UpdatedAt:       s.UpdatedAt.Unix(),
	}
	m.SpawnedAt = unixPtr(s.SpawnedAt)
	m.CompletedAt = unixPtr(s.CompletedAt)
	m.TimeoutAt = unixPtr(s.TimeoutAt)
	m.LastHeartbeat = unixPtr(s.LastHeartbeat)
	return m
}

func (m *agentStateModel) toDomain() *agent.State {
	s := &agent.State{
		Role:            m.Role,
		WorkerKind:      m.WorkerKind,
		Status:          agent.Status(m.Status),
		RetryCount:      m.RetryCount,
		LastMessage:     m.LastMessage,
		LastError:       m.LastError,
		ContextUsage:    m.ContextUsage,
		RecoveryContext: m.RecoveryContext,
		UpdatedAt:       time.Unix(m.UpdatedAt, 0),
	}
	_ = json.Unmarshal([]byte(m.Dependencies), &s.Dependencies)
	_ = json.Unmarshal([]byte(m.Artifacts), &s.Artifacts)
	if s.Artifacts == nil {
		s.Artifacts = make(map[string]string)
	}
	s.SpawnedAt = timePtr(m.SpawnedAt)
	s.CompletedAt = timePtr(m.CompletedAt)
	s.TimeoutAt = timePtr(m.TimeoutAt)
	s.LastHeartbeat = timePtr(m.LastHeartbeat)
	return s
}

// messageModel is the database row for agent_messages.
type messageModel struct {
	Seq       int64
	ID        string
	CreatedAt int64
	FromRole  string
	ToRole    string
	Type      string
	Content   string
	Artifacts string
	Metadata  string
}

func toMessageModel(m *agent.Message) *messageModel {
	return &messageModel{
		Seq:       m.Seq,
		ID:        m.ID,
		CreatedAt: m.CreatedAt.Unix(),
		FromRole:  m.From,
		ToRole:    m.To,
		Type:      string(m.Type),
		Content:   m.Content,
		Artifacts: encodeJSON(m.Artifacts, "{}"),
		Metadata:  encodeJSON(m.Metadata, "{}"),
	}
}

func (m *messageModel) toDomain() *agent.Message {
	msg := &agent.Message{
		Seq:       m.Seq,
		ID:        m.ID,
		CreatedAt: time.Unix(m.CreatedAt, 0),
		From:      m.FromRole,
		To:        m.ToRole,
		Type:      agent.MessageType(m.Type),
		Content:   m.Content,
	}
	_ = json.Unmarshal([]byte(m.Artifacts), &msg.Artifacts)
	_ = json.Unmarshal([]byte(m.Metadata), &msg.Metadata)
	return msg
}

// checkpointModel is the database row for checkpoints.
type checkpointModel struct {
	ID             int64
	Role           string
	CreatedAt      int64
	Summary        string
	CompletedItems string
	PendingItems   string
	ActiveFiles    string
	Notes          string
	CompletedCount int
	TotalCount     int
}

func toCheckpointModel(c *agent.Checkpoint) *checkpointModel {
	return &checkpointModel{
		ID:             c.ID,
		Role:           c.Role,
		CreatedAt:      c.CreatedAt.Unix(),
		Summary:        c.Summary,
		CompletedItems: encodeJSON(c.CompletedItems, "[]"),
		PendingItems:   encodeJSON(c.PendingItems, "[]"),
		ActiveFiles:    encodeJSON(c.ActiveFiles, "[]"),
		Notes:          c.Notes,
		CompletedCount: c.CompletedCount,
		TotalCount:     c.TotalCount,
	}
}

func (m *checkpointModel) toDomain() *agent.Checkpoint {
	c := &agent.Checkpoint{
		ID:             m.ID,
		Role:           m.Role,
		CreatedAt:      time.Unix(m.CreatedAt, 0),
		Summary:        m.Summary,
		Notes:          m.Notes,
		CompletedCount: m.CompletedCount,
		TotalCount:     m.TotalCount,
	}
	_ = json.Unmarshal([]byte(m.CompletedItems), &c.CompletedItems)
	_ = json.Unmarshal([]byte(m.PendingItems), &c.PendingItems)
	_ = json.Unmarshal([]byte(m.ActiveFiles), &c.ActiveFiles)
	return c
}

func encodeJSON(v any, empty string) string {
	data, err := json.Marshal(v)
	if err != nil || v == nil {
		return empty
	}
	out := string(data)
	if out == "null" {
		return empty
	}
	return out
}

func unixPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	u := t.Unix()
	return &u
}

func timePtr(u *int64) *time.Time {
	if u == nil {
		return nil
	}
	t := time.Unix(*u, 0)
	return &t
}
