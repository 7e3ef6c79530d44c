package domain

import (
	"fmt"
	"time"
)

// CampaignChannel controls which channels a campaign may dispatch through.
type CampaignChannel string

const (
	ChannelEmail CampaignChannel = "EMAIL"
	ChannelSMS   CampaignChannel = "SMS"
	ChannelBoth  CampaignChannel = "BOTH"
)

// AllowsEmail reports whether the channel policy permits email dispatch.
func (c CampaignChannel) AllowsEmail() bool {
	return c == ChannelEmail || c == ChannelBoth
}

// AllowsSMS reports whether the channel policy permits SMS dispatch.
func (c CampaignChannel) AllowsSMS() bool {
	return c == ChannelSMS || c == ChannelBoth
}

// CampaignKind distinguishes drip sequences from one-shot broadcasts.
type CampaignKind string

const (
	KindSequence  CampaignKind = "SEQUENCE"
	KindBroadcast CampaignKind = "BROADCAST"
)

// Campaign is a named nurture definition. Campaigns and their steps are
// authored elsewhere; the engine treats them as read-only.
type Campaign struct {
	ID        string          `json:"id" db:"id"`
	OwnerID   string          `json:"owner_id" db:"owner_id"`
	OwnerName string          `json:"owner_name" db:"owner_name"`
	Name      string          `json:"name" db:"name"`
	Channel   CampaignChannel `json:"channel" db:"channel"`
	Kind      CampaignKind    `json:"kind" db:"kind"`
	IsActive  bool            `json:"is_active" db:"is_active"`

	// Scheduling constraints. SendDays holds weekdays 0=Sunday..6=Saturday.
	// QuietStart/QuietEnd are "HH:MM" local times bounding the daily window
	// during which sends are permitted.
	SendTimeLocal string `json:"send_time_local" db:"send_time_local"`
	SendDays      []int  `json:"send_days" db:"send_days"`
	QuietStart    string `json:"quiet_start" db:"quiet_start"`
	QuietEnd      string `json:"quiet_end" db:"quiet_end"`

	StopOnReply       bool `json:"stop_on_reply" db:"stop_on_reply"`
	ThrottlePerMinute int  `json:"throttle_per_minute" db:"throttle_per_minute"`
	DedupeWindowDays  int  `json:"dedupe_window_days" db:"dedupe_window_days"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// StepKind is the closed set of message kinds a step can carry. The renderer
// and dispatcher switch exhaustively over these values.
type StepKind string

const (
	StepEmail                  StepKind = "email"
	StepSMS                    StepKind = "sms"
	StepPropertyRecommendation StepKind = "property_recommendation"
)

// Valid reports whether k is a known step kind.
func (k StepKind) Valid() bool {
	switch k {
	case StepEmail, StepSMS, StepPropertyRecommendation:
		return true
	}
	return false
}

// SentEvent returns the audit event name recorded when a step of this kind
// is dispatched, e.g. "email_sent".
func (k StepKind) SentEvent() string {
	return string(k) + "_sent"
}

// ScheduleType selects how a step's due time is computed.
type ScheduleType string

const (
	ScheduleDelay   ScheduleType = "delay"
	ScheduleWeekly  ScheduleType = "weekly"
	ScheduleMonthly ScheduleType = "monthly"
)

// Attachment describes a file attached to an email step.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Mime string `json:"mime"`
	Size int64  `json:"size"`
}

// TrackableLink is a labeled URL embedded in step content.
type TrackableLink struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// CampaignStep is one scheduled message definition within a campaign's
// sequence. Step numbers are 1-based and unique per campaign; the resolver
// treats a missing step_number = current+1 as sequence completion.
type CampaignStep struct {
	ID         string   `json:"id" db:"id"`
	CampaignID string   `json:"campaign_id" db:"campaign_id"`
	StepNumber int      `json:"step_number" db:"step_number"`
	Kind       StepKind `json:"kind" db:"kind"`
	Subject    string   `json:"subject" db:"subject"`
	Body       string   `json:"body" db:"body"`

	ScheduleType ScheduleType `json:"schedule_type" db:"schedule_type"`
	DelayHours   int          `json:"delay_hours" db:"delay_hours"`
	DayOfWeek    int          `json:"day_of_week" db:"day_of_week"`
	DayOfMonth   int          `json:"day_of_month" db:"day_of_month"`
	TimeOfDay    string       `json:"time_of_day" db:"time_of_day"`

	AIPersonalize bool            `json:"ai_personalize" db:"ai_personalize"`
	Attachments   []Attachment    `json:"attachments" db:"attachments"`
	Links         []TrackableLink `json:"links" db:"links"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ValidateSchedule checks the step's schedule parameters for integrity.
// A failure here is a data problem, not a transient one; the orchestrator
// force-completes enrollments that hit it rather than retrying forever.
func (s *CampaignStep) ValidateSchedule() error {
	switch s.ScheduleType {
	case ScheduleDelay:
		if s.DelayHours < 0 {
			return fmt.Errorf("step %d: negative delay_hours %d", s.StepNumber, s.DelayHours)
		}
	case ScheduleWeekly:
		if s.DayOfWeek < 0 || s.DayOfWeek > 6 {
			return fmt.Errorf("step %d: day_of_week %d out of range", s.StepNumber, s.DayOfWeek)
		}
	case ScheduleMonthly:
		if s.DayOfMonth < 1 || s.DayOfMonth > 31 {
			return fmt.Errorf("step %d: day_of_month %d out of range", s.StepNumber, s.DayOfMonth)
		}
	default:
		return fmt.Errorf("step %d: unknown schedule_type %q", s.StepNumber, s.ScheduleType)
	}
	return nil
}
