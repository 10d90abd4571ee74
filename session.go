package dockhand

import (
	"crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/google/uuid"
)

// Labels written onto every harness-created container and network.
const (
	LabelSessionID = "org.testcontainers.session-id"
	LabelReusable  = "org.testcontainers.reusable"
	LabelReuseHash = "org.testcontainers.reuse-hash"
)

var (
	sessionOnce sync.Once
	sessionUUID string
)

// SessionID returns the process-wide session id, sampled once at first use.
// Every resource this process creates carries it, so the watchdog and
// external sweepers can attribute leftovers.
func SessionID() string {
	sessionOnce.Do(func() {
		sessionUUID = uuid.NewString()
	})
	return sessionUUID
}

// containerNameSuffix generates a short unique suffix for harness-created
// auxiliary containers.
func containerNameSuffix() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "000000000000"
	}
	return hex.EncodeToString(b)
}
