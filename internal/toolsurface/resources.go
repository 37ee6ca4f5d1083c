package toolsurface

import (
	"context"
	"strings"

	"github.com/rowanhq/foreman/internal/mcp"
)

// Resource URIs exposed to workers.
const (
	ResourceProjectState = "project://state"
	ResourceAgents       = "project://agents"

	messagesPrefix    = "project://messages/"
	checkpointsPrefix = "project://checkpoints/"
)

// RegisterResources installs the read-only run-state resources.
func (s *Surface) RegisterResources(server *mcp.Server) {
	resources := []mcp.Resource{
		{
			URI:         ResourceProjectState,
			Name:        "Project state",
			Description: "Run name, phase and timing.",
			MimeType:    "application/json",
		},
		{
			URI:         ResourceAgents,
			Name:        "Agent states",
			Description: "Lifecycle state of every role in the run.",
			MimeType:    "application/json",
		},
	}
	templates := []mcp.ResourceTemplate{
		{
			URITemplate: messagesPrefix + "{role}",
			Name:        "Messages for a role",
			Description: "Messages addressed to the role, broadcasts included.",
			MimeType:    "application/json",
		},
		{
			URITemplate: checkpointsPrefix + "{role}",
			Name:        "Checkpoints for a role",
			Description: "All progress snapshots the role has recorded.",
			MimeType:    "application/json",
		},
	}
	server.RegisterResources(resources, templates, s.readResource)
}

func (s *Surface) readResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	switch {
	case uri == ResourceProjectState:
		p, err := s.store.Project(ctx)
		if err != nil {
			return nil, err
		}
		return mcp.JSONResource(uri, p)

	case uri == ResourceAgents:
		states, err := s.store.List(ctx)
		if err != nil {
			return nil, err
		}
		return mcp.JSONResource(uri, states)

	case strings.HasPrefix(uri, messagesPrefix):
		role := strings.TrimPrefix(uri, messagesPrefix)
		if !s.knownRole(role) {
			return nil, nil
		}
		msgs, err := s.msgs.Inbox(ctx, role, 0)
		if err != nil {
			return nil, err
		}
		return mcp.JSONResource(uri, msgs)

	case strings.HasPrefix(uri, checkpointsPrefix):
		role := strings.TrimPrefix(uri, checkpointsPrefix)
		if !s.knownRole(role) {
			return nil, nil
		}
		cps, err := s.store.Checkpoints(ctx, role)
		if err != nil {
			return nil, err
		}
		return mcp.JSONResource(uri, cps)

	default:
		return nil, nil
	}
}
