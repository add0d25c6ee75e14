package events

import "fmt"

// Mirror stream identity. All events publish under one JetStream stream so a
// consumer can replay a user's whole history with a single subject filter.
const (
	StreamName      = "CHOIR"
	SubjectRoot     = "choiros"
	SubjectWildcard = "choiros.>"
	SubjectFormat   = "choiros.{user_id}.{source}.{event_type}"
)

// BuildSubject returns the mirror subject for one event:
// choiros.{user_id}.{source}.{event_type}.
func BuildSubject(userID string, source Source, eventType string) string {
	return fmt.Sprintf("%s.%s.%s.%s", SubjectRoot, userID, source, eventType)
}
