// Package tracker talks to the bug tracker: searching bugs by whiteboard
// marker, reading attachment/flag metadata, and posting comments.
package tracker

import (
	"context"
	"time"
)

// Flag is a single reviewer/approver vote on a patch.
type Flag struct {
	// Type is the flag name, e.g. "review", "superreview", "ui-review", or
	// "approval-mozilla-central".
	Type string

	// Setter is the principal who set the flag.
	Setter User

	// Result is one of '+', '-', '?'.
	Result byte
}

// User identifies a tracker principal.
type User struct {
	Name  string
	Email string
}

// Attachment is one patch attached to a bug.
type Attachment struct {
	ID         int
	IsPatch    bool
	IsObsolete bool
	Author     User
	Flags      []Flag
}

// Bug is the subset of bug metadata the daemon needs.
type Bug struct {
	ID         int
	Whiteboard string
	Attachments []Attachment
}

// Client is the tracker contract consumed by the ingest loop, assembler, and
// comment outbox. Implementations must be safe for concurrent use.
type Client interface {
	// SearchByWhiteboard returns bugs whose whiteboard matches the autoland tag pattern.
	SearchByWhiteboard(ctx context.Context, pattern string) ([]Bug, error)

	// GetBug fetches one bug, including its attachments and flags.
	GetBug(ctx context.Context, bugID int) (*Bug, error)

	// UpdateWhiteboard replaces a bug's whiteboard field.
	UpdateWhiteboard(ctx context.Context, bugID int, whiteboard string) error

	// PostComment posts a comment to a bug. Implementations should perform a
	// small number of internal retries before returning an error, since the
	// caller's fallback (the comment outbox) is a slower, durable path.
	PostComment(ctx context.Context, bugID int, comment string) error
}

// Options configures an HTTP-backed Client.
type Options struct {
	BaseURL       string
	AttachmentURL string
	APIKey        string
	Timeout       time.Duration
}
