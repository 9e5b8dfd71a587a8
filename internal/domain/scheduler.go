package domain

import "time"

// RecurrenceType enumerates the supported schedule shapes.
type RecurrenceType string

const (
	RecurrenceEveryDay     RecurrenceType = "every_day"
	RecurrenceEveryXHours  RecurrenceType = "every_x_hours"
	RecurrenceEveryWeekday RecurrenceType = "every_weekday"
	RecurrenceEveryWeekend RecurrenceType = "every_weekend"
	RecurrenceEveryMonday  RecurrenceType = "every_monday"
	RecurrenceMonthlyDay   RecurrenceType = "monthly_day"
	RecurrenceOnce         RecurrenceType = "once"
)

// RecurrenceConfig is the structured recurrence a user configures. It is
// translated into a cron expression when the scheduler is persisted.
type RecurrenceConfig struct {
	Type RecurrenceType `json:"type"`
	// Time carries the time-of-day for the daily/weekday/weekend/monday and
	// monthly shapes.
	Time time.Time `json:"time,omitempty"`
	// Hours is the period for every_x_hours.
	Hours int `json:"hours,omitempty"`
	// Day is the day-of-month for monthly_day.
	Day int `json:"day,omitempty"`
	// Date is the absolute fire time for once.
	Date time.Time `json:"date,omitempty"`
}

// Scheduler is a persisted recurring trigger for a scenario. The in-memory
// cron registration derived from it is transient and rebuilt at startup from
// all active rows whose window has not elapsed.
type Scheduler struct {
	Id             string           `db:"id" json:"id"`
	ScenarioId     string           `db:"scenario_id" json:"scenarioId"`
	TimeStart      *time.Time       `db:"time_start" json:"timeStart"`
	TimeEnd        *time.Time       `db:"time_end" json:"timeEnd"`
	Timezone       string           `db:"timezone" json:"timezone"`
	CronExpression string           `db:"cron_expression" json:"cronExpression"`
	Config         RecurrenceConfig `db:"-" json:"config"`
	IsActive       bool             `db:"is_active" json:"isActive"`
}

// WindowElapsed reports whether the scheduler's end time has passed.
func (s *Scheduler) WindowElapsed(now time.Time) bool {
	return s.TimeEnd != nil && now.After(*s.TimeEnd)
}
