package scheduler

import (
	"fmt"
	"time"
)

// Phase is one scheduled activity within a campaign.
type Phase string

const (
	PhaseAnnounce Phase = "announce"
	PhaseReminder Phase = "reminder"
	PhaseResult   Phase = "result"
)

// JobKey identifies a scheduled job. Its string form is deterministic, so
// re-registering the same logical job replaces the previous row instead of
// duplicating it, and every job of one entity shares a cancelable prefix.
type JobKey struct {
	Kind     string // entity kind: "broadcast", "survey"
	EntityID int64
	Phase    Phase
	RunAt    time.Time
}

func (k JobKey) String() string {
	return fmt.Sprintf("%s_%d_%s_%s", k.Kind, k.EntityID, k.Phase, k.RunAt.UTC().Format(time.RFC3339))
}

// KeyPrefix matches every job belonging to one entity, any phase or run time.
func KeyPrefix(kind string, entityID int64) string {
	return fmt.Sprintf("%s_%d_", kind, entityID)
}
