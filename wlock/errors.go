package wlock

import "fmt"

func errRepublishRejected(sessionID string) error {
	return fmt.Errorf("wlock: contender republish rejected for session %s", sessionID)
}
