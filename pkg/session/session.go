// Package session generates the identifiers that tie relay messages to one
// running application instance.
package session

import (
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
)

// Session identifies one instrumented application instance. It is created
// once per relay client and is never persisted; a restarted process gets a
// new Session.
type Session struct {
	ID        string
	AppName   string
	Platform  string
	StartedAt time.Time
}

// New creates a Session for appName started at now.
func New(appName string, now time.Time) Session {
	return Session{
		ID:        fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString()),
		AppName:   appName,
		Platform:  Platform(),
		StartedAt: now,
	}
}

// NewMessageID returns a fresh unique message identifier.
func NewMessageID() string {
	return uuid.NewString()
}

// Platform describes the host runtime, e.g. "go/linux/amd64".
func Platform() string {
	return "go/" + runtime.GOOS + "/" + runtime.GOARCH
}
