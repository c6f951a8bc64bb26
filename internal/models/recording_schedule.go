package models

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Weekdays is a bitmask of days, bit n set for time.Weekday(n).
type Weekdays uint8

const (
	// AllWeekdays selects every day.
	AllWeekdays Weekdays = 0x7f
	// WorkWeek selects Monday through Friday.
	WorkWeek Weekdays = 1<<time.Monday | 1<<time.Tuesday | 1<<time.Wednesday | 1<<time.Thursday | 1<<time.Friday
)

var weekdayNames = [7]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

// WeekdaysOf builds a mask from the given days.
func WeekdaysOf(days ...time.Weekday) Weekdays {
	var w Weekdays
	for _, d := range days {
		w |= 1 << d
	}
	return w
}

// ParseWeekdays parses a comma separated list of day names ("mon,wed,fri"),
// or "all" / "weekdays".
func ParseWeekdays(s string) (Weekdays, error) {
	var w Weekdays
	for _, part := range strings.Split(strings.ToLower(s), ",") {
		part = strings.TrimSpace(part)
		switch part {
		case "":
			continue
		case "all", "daily":
			w |= AllWeekdays
			continue
		case "weekdays":
			w |= WorkWeek
			continue
		}
		found := false
		for i, name := range weekdayNames {
			if strings.HasPrefix(part, name) {
				w |= 1 << i
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown weekday %q", part)
		}
	}
	return w, nil
}

// Has reports whether d is selected.
func (w Weekdays) Has(d time.Weekday) bool {
	return w&(1<<d) != 0
}

// String renders the mask as a comma separated list of day names.
func (w Weekdays) String() string {
	names := make([]string, 0, 7)
	for i, name := range weekdayNames {
		if w&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	return strings.Join(names, ",")
}

// RecordingSchedule describes a weekly recording window for one stream.
type RecordingSchedule struct {
	BaseModel

	CameraID string `gorm:"not null;size:100;index" json:"camera_id"`
	StreamID string `gorm:"not null;size:100;index" json:"stream_id"`
	Name     string `gorm:"not null;size:255" json:"name"`

	// Enabled defaults to true when nil.
	Enabled *bool `gorm:"default:true;index" json:"enabled"`

	Weekdays Weekdays `gorm:"not null;default:127" json:"weekdays"`

	// StartTime and EndTime are local times of day in HH:MM. A window whose
	// end is before its start runs past midnight into the next day.
	StartTime string `gorm:"not null;size:5" json:"start_time"`
	EndTime   string `gorm:"not null;size:5" json:"end_time"`

	// RetentionDays is how long finished recordings are kept. 0 falls back
	// to the configured default.
	RetentionDays int `gorm:"default:0" json:"retention_days"`
}

// TableName returns the table name for RecordingSchedule.
func (RecordingSchedule) TableName() string {
	return "recording_schedules"
}

// IsEnabled returns whether the schedule is enabled.
func (s *RecordingSchedule) IsEnabled() bool {
	return BoolVal(s.Enabled)
}

// parseTimeOfDay returns minutes since midnight for "HH:MM".
func parseTimeOfDay(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, ErrInvalidTimeOfDay
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Window returns the start and end of the window in minutes since midnight.
func (s *RecordingSchedule) Window() (start, end int, err error) {
	if start, err = parseTimeOfDay(s.StartTime); err != nil {
		return 0, 0, ErrValidation{Field: "start_time", Message: err.Error()}
	}
	if end, err = parseTimeOfDay(s.EndTime); err != nil {
		return 0, 0, ErrValidation{Field: "end_time", Message: err.Error()}
	}
	return start, end, nil
}

// Contains reports whether t falls inside the schedule's window. The window
// is [start, end) on each selected weekday; start == end covers the whole
// day. A wrapping window belongs to the weekday it starts on.
func (s *RecordingSchedule) Contains(t time.Time) bool {
	start, end, err := s.Window()
	if err != nil {
		return false
	}
	cur := t.Hour()*60 + t.Minute()
	today := t.Weekday()

	switch {
	case start == end:
		return s.Weekdays.Has(today)
	case start < end:
		return s.Weekdays.Has(today) && cur >= start && cur < end
	default:
		yesterday := (today + 6) % 7
		return (s.Weekdays.Has(today) && cur >= start) ||
			(s.Weekdays.Has(yesterday) && cur < end)
	}
}

// Validate performs basic validation on the schedule.
func (s *RecordingSchedule) Validate() error {
	s.Name = strings.TrimSpace(s.Name)
	s.StartTime = strings.TrimSpace(s.StartTime)
	s.EndTime = strings.TrimSpace(s.EndTime)

	if s.Name == "" {
		return ErrNameRequired
	}
	if s.CameraID == "" {
		return ErrCameraIDRequired
	}
	if s.StreamID == "" {
		return ErrStreamIDRequired
	}
	if s.Weekdays&AllWeekdays == 0 {
		return ErrNoWeekdays
	}
	if _, _, err := s.Window(); err != nil {
		return err
	}
	if s.RetentionDays < 0 {
		return ErrValidation{Field: "retention_days", Message: "must not be negative"}
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the schedule and generates ULID.
func (s *RecordingSchedule) BeforeCreate(tx *gorm.DB) error {
	if err := s.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return s.Validate()
}

// BeforeUpdate is a GORM hook that validates the schedule before update.
func (s *RecordingSchedule) BeforeUpdate(_ *gorm.DB) error {
	return s.Validate()
}
