package cronschedule

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/surgeproject/surge/internal/domain"
)

// ExpressionFromConfig translates a structured recurrence into a five-field
// cron expression. Time-of-day components are read in the given timezone,
// which must match the timezone the expression is later evaluated in.
func ExpressionFromConfig(config domain.RecurrenceConfig, timezone string) (string, error) {
	location, err := loadLocation(timezone)
	if err != nil {
		return "", err
	}

	switch config.Type {
	case domain.RecurrenceEveryDay:
		hour, minute := clockIn(config.Time, location)
		return fmt.Sprintf("%d %d * * *", minute, hour), nil
	case domain.RecurrenceEveryXHours:
		if config.Hours < 1 || config.Hours > 23 {
			return "", errors.Errorf("invalid hour period %d", config.Hours)
		}
		return fmt.Sprintf("0 */%d * * *", config.Hours), nil
	case domain.RecurrenceEveryWeekday:
		hour, minute := clockIn(config.Time, location)
		return fmt.Sprintf("%d %d * * 1-5", minute, hour), nil
	case domain.RecurrenceEveryWeekend:
		hour, minute := clockIn(config.Time, location)
		return fmt.Sprintf("%d %d * * 0,6", minute, hour), nil
	case domain.RecurrenceEveryMonday:
		hour, minute := clockIn(config.Time, location)
		return fmt.Sprintf("%d %d * * 1", minute, hour), nil
	case domain.RecurrenceMonthlyDay:
		if config.Day < 1 || config.Day > 31 {
			return "", errors.Errorf("invalid day of month %d", config.Day)
		}
		hour, minute := clockIn(config.Time, location)
		return fmt.Sprintf("%d %d %d * *", minute, hour, config.Day), nil
	case domain.RecurrenceOnce:
		// Fires every year on that date; the scheduler window bounds it to a
		// single firing.
		fireAt := config.Date.In(location)
		return fmt.Sprintf("%d %d %d %d *", fireAt.Minute(), fireAt.Hour(), fireAt.Day(), int(fireAt.Month())), nil
	default:
		return "", errors.Errorf("unknown recurrence type %q", config.Type)
	}
}

func loadLocation(timezone string) (*time.Location, error) {
	if timezone == "" {
		return time.UTC, nil
	}
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, errors.Wrapf(err, "unknown timezone %q", timezone)
	}
	return location, nil
}

func clockIn(t time.Time, location *time.Location) (hour, minute int) {
	local := t.In(location)
	return local.Hour(), local.Minute()
}
