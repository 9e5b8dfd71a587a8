package domain

import "time"

// StatusEvent is a live status update for one run. Events are ephemeral;
// they are transmitted to subscribers and over the cross-instance bus but
// never persisted.
type StatusEvent struct {
	RunHistoryId string     `json:"runHistoryId"`
	ScenarioId   string     `json:"scenarioId"`
	UserId       string     `json:"userId"`
	Status       RunStatus  `json:"status"`
	RunAt        *time.Time `json:"runAt,omitempty"`
}
