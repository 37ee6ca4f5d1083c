// Package prompt renders the system prompt handed to a worker process on
// launch: its role, assignment, the coordination protocol it must follow,
// and any recovery context from a previous attempt.
package prompt

import (
	"fmt"
	"strings"
	"text/template"
	"time"
)

// Kind selects role-flavored guidance blended into the prompt.
type Kind string

const (
	KindArchitect Kind = "architect"
	KindDeveloper Kind = "developer"
	KindReviewer  Kind = "reviewer"
	KindTester    Kind = "tester"
	KindGeneric   Kind = "generic"
)

// ValidKind reports whether k names a selectable prompt kind.
func ValidKind(k Kind) bool {
	_, ok := kindGuidance[k]
	return ok
}

// KindFor maps a role name onto a Kind by substring, falling back to
// generic guidance.
func KindFor(role string) Kind {
	lower := strings.ToLower(role)
	for _, k := range []Kind{KindArchitect, KindDeveloper, KindReviewer, KindTester} {
		if strings.Contains(lower, string(k)) {
			return k
		}
	}
	return KindGeneric
}

var kindGuidance = map[Kind]string{
	KindArchitect: "Produce a design other roles can build from. Publish every design document as an artifact; downstream roles only see what you publish.",
	KindDeveloper: "Implement exactly what the upstream design specifies. Publish source paths as artifacts and hand off to reviewers and testers with send_message.",
	KindReviewer:  "Review the published artifacts critically. Report findings with send_message; do not rewrite the work yourself.",
	KindTester:    "Exercise the published implementation. Report failures to the responsible role with send_message before escalating.",
	KindGeneric:   "Work through your assignment and publish results as artifacts.",
}

// ContinuationBanner opens the prompt of every relaunched attempt so the
// worker knows it is not starting from scratch.
const ContinuationBanner = "=== CONTINUATION: a previous worker already worked on this assignment ==="

// Input carries everything the template needs.
type Input struct {
	Role       string
	Kind       Kind
	Assignment string
	// ServerURL is the SSE endpoint of the coordination plane.
	ServerURL string
	// Dependencies are the upstream roles whose artifacts are available.
	Dependencies []string
	// HeartbeatEvery is the cadence the worker must call heartbeat at.
	HeartbeatEvery time.Duration
	// FileBudget estimates how many files fit before context exhaustion;
	// 0 suppresses the guidance.
	FileBudget int
	// RecoveryContext, when set, marks the attempt as a continuation.
	RecoveryContext string
}

const promptTemplate = `{{if .RecoveryContext}}{{.Banner}}

{{.RecoveryContext}}

{{end}}You are the {{.Role}} agent in an orchestrated project.

## Assignment

{{.Assignment}}

{{.Guidance}}

## Coordination protocol

Connect to the coordination server at {{.ServerURL}} (MCP over SSE) and follow these rules:

1. Call get_context first to receive your assignment details, upstream artifacts and messages.
2. Call heartbeat at least every {{.HeartbeatEvery}}. Silence gets you replaced.
3. Call checkpoint before risky steps and as your context fills; a replacement worker resumes from your latest checkpoint.
4. Report context exhaustion with report_status(status=context_limit) instead of degrading; a fresh worker will continue.
5. Report impediments you cannot resolve with report_status(status=blocked) and a blocked_reason.
6. Ask other roles questions with request_help(kind=agent); escalate to a human only with kind=human.
7. When finished, call complete with your final artifacts, then exit.
{{if .Dependencies}}
Your upstream dependencies: {{.DepList}}. Their artifacts are in get_context.
{{end}}{{if .FileBudget}}
Context guidance: reading more than roughly {{.FileBudget}} files risks exhausting your context. Checkpoint early and often.
{{end}}`

var tmpl = template.Must(template.New("worker").Parse(promptTemplate))

// Render builds the worker prompt.
func Render(in Input) (string, error) {
	if in.Kind == "" {
		in.Kind = KindFor(in.Role)
	}
	data := struct {
		Input
		Banner   string
		Guidance string
		DepList  string
	}{
		Input:    in,
		Banner:   ContinuationBanner,
		Guidance: kindGuidance[in.Kind],
		DepList:  strings.Join(in.Dependencies, ", "),
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("rendering prompt for %s: %w", in.Role, err)
	}
	return b.String(), nil
}
