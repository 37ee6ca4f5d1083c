package toolsurface

import "errors"

// Sentinel errors workers can branch on. They come back as
// tool-result-with-error; the worker decides whether to retry or to
// escalate via request_help.
var (
	ErrUnknownRole          = errors.New("unknown role")
	ErrUnknownFromRole      = errors.New("unknown sender role")
	ErrMissingBlockedReason = errors.New("a blocked report requires a blocked_reason")
	ErrMissingTarget        = errors.New("a target role is required")
	ErrInvalidStatus        = errors.New("invalid status")
	ErrInvalidType          = errors.New("invalid message type")
	ErrAlreadyTerminal      = errors.New("terminal role")
)
