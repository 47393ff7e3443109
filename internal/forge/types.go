// Package forge gives the issue agent direct, read-only access to the
// target repository's issue tracker through the GitHub REST API. It
// complements the GitHub tool server with a fast duplicate check that
// does not depend on a subprocess.
package forge

import "time"

// Issue is a single issue or pull request on the target repository.
type Issue struct {
	Number       int
	Title        string
	Body         string
	State        string
	Labels       []string
	Author       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	URL          string
	CommentCount int
	PullRequest  bool
}

// Comment is one comment on an issue.
type Comment struct {
	Author    string
	Body      string
	CreatedAt time.Time
}
