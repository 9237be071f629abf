package spend

import "time"

// SpendEvent is a GORM model for the spend_events table. One row per
// completion call, failed calls included.
type SpendEvent struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	BuildID        string    `gorm:"not null;index:idx_spend_build" json:"build_id"`
	Project        string    `gorm:"not null;index:idx_spend_project_day" json:"project"`
	Stage          string    `gorm:"not null" json:"stage"`
	Attempt        int       `gorm:"not null;default:1" json:"attempt"`
	Provider       string    `gorm:"not null" json:"provider"`
	Model          string    `gorm:"not null" json:"model"`
	InputTokens    int       `gorm:"not null;default:0" json:"input_tokens"`
	OutputTokens   int       `gorm:"not null;default:0" json:"output_tokens"`
	ThinkingTokens int       `gorm:"not null;default:0" json:"thinking_tokens"`
	ReservedTokens int       `gorm:"not null;default:0" json:"reserved_tokens"`
	RawCost        float64   `gorm:"not null;default:0;type:numeric(12,6)" json:"raw_cost"`
	DurationMs     int       `gorm:"default:0" json:"duration_ms"`
	Status         string    `gorm:"default:success" json:"status"`
	ErrorClass     string    `json:"error_class,omitempty"`
	DayKey         string    `gorm:"not null;index:idx_spend_project_day" json:"day_key"`
	MonthKey       string    `gorm:"not null" json:"month_key"`
}

func (SpendEvent) TableName() string { return "spend_events" }

// Statuses recorded on a SpendEvent.
const (
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// SpendBreakdownItem represents a row in a breakdown query
type SpendBreakdownItem struct {
	Key            string  `gorm:"column:group_key" json:"key"`
	RawCost        float64 `json:"raw_cost"`
	InputTokens    int     `json:"input_tokens"`
	OutputTokens   int     `json:"output_tokens"`
	ThinkingTokens int     `json:"thinking_tokens"`
	Count          int     `json:"count"`
}

// BreakdownOpts controls how breakdowns are grouped
type BreakdownOpts struct {
	GroupBy  string // "provider", "model", "stage", "build_id", "project"
	Project  string
	DayKey   string // YYYY-MM-DD
	MonthKey string // YYYY-MM
	BuildID  string
}

// RecordInput contains all data needed to record a spend event
type RecordInput struct {
	BuildID        string
	Project        string
	Stage          string
	Attempt        int
	Provider       string
	Model          string
	InputTokens    int
	OutputTokens   int
	ThinkingTokens int
	ReservedTokens int
	Duration       time.Duration
	Status         string
	ErrorClass     string
}
