// Package spend journals the cost of every completion call a build makes.
package spend

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"antivibe/internal/pricing"
)

// Recorder is the write side of the journal the orchestrator depends on.
type Recorder interface {
	Record(ctx context.Context, input RecordInput) (*SpendEvent, error)
}

// Journal records and queries spend events.
type Journal struct {
	db *gorm.DB
}

// Open connects to dsn and migrates the spend table. Postgres URLs and
// key=value DSNs use the postgres driver; anything else is a sqlite path,
// with ":memory:" for a throwaway journal.
func Open(dsn string) (*Journal, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("spend: empty DSN")
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var dialector gorm.Dialector
	isSQLite := false
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"), strings.HasPrefix(dsn, "host="):
		dialector = postgres.Open(dsn)
	default:
		dialector = sqlite.Open(strings.TrimPrefix(dsn, "sqlite://"))
		isSQLite = true
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("spend: failed to connect: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("spend: failed to get underlying sql.DB: %w", err)
	}
	if isSQLite {
		// A second connection to ":memory:" would see an empty database.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}
	return NewJournal(db)
}

// NewJournal wraps an existing connection and migrates the spend table.
func NewJournal(db *gorm.DB) (*Journal, error) {
	if err := db.AutoMigrate(&SpendEvent{}); err != nil {
		return nil, fmt.Errorf("spend: migration failed: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying connection pool.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return fmt.Errorf("spend: %w", err)
	}
	return sqlDB.Close()
}

// Record computes the cost via the pricing engine, persists a SpendEvent,
// and returns it. Thinking tokens bill as output.
func (j *Journal) Record(ctx context.Context, input RecordInput) (*SpendEvent, error) {
	engine := pricing.Get()
	now := time.Now().UTC()

	event := SpendEvent{
		BuildID:        input.BuildID,
		Project:        input.Project,
		Stage:          input.Stage,
		Attempt:        input.Attempt,
		Provider:       input.Provider,
		Model:          input.Model,
		InputTokens:    input.InputTokens,
		OutputTokens:   input.OutputTokens,
		ThinkingTokens: input.ThinkingTokens,
		ReservedTokens: input.ReservedTokens,
		RawCost:        engine.RawCost(input.Provider, input.Model, input.InputTokens, input.OutputTokens+input.ThinkingTokens),
		DurationMs:     int(input.Duration.Milliseconds()),
		Status:         input.Status,
		ErrorClass:     input.ErrorClass,
		DayKey:         now.Format("2006-01-02"),
		MonthKey:       now.Format("2006-01"),
	}

	if event.Status == "" {
		event.Status = StatusSuccess
	}
	if event.Attempt == 0 {
		event.Attempt = 1
	}

	if err := j.db.WithContext(ctx).Create(&event).Error; err != nil {
		return nil, fmt.Errorf("spend: failed to create event: %w", err)
	}
	return &event, nil
}

// BuildSpend returns the total cost and all events for a specific build.
func (j *Journal) BuildSpend(ctx context.Context, buildID string) (float64, []SpendEvent, error) {
	var events []SpendEvent
	if err := j.db.WithContext(ctx).Where("build_id = ?", buildID).Order("id ASC").Find(&events).Error; err != nil {
		return 0, nil, fmt.Errorf("spend: build query failed: %w", err)
	}

	var total float64
	for _, e := range events {
		total += e.RawCost
	}
	return total, events, nil
}

// ProjectDailySpend returns the total cost and event count for a project
// on a given day.
func (j *Journal) ProjectDailySpend(ctx context.Context, project string, day time.Time) (float64, int, error) {
	var result struct {
		Total float64
		Count int
	}

	err := j.db.WithContext(ctx).Model(&SpendEvent{}).
		Select("COALESCE(SUM(raw_cost), 0) as total, COUNT(*) as count").
		Where("project = ? AND day_key = ?", project, day.UTC().Format("2006-01-02")).
		Scan(&result).Error
	if err != nil {
		return 0, 0, fmt.Errorf("spend: daily query failed: %w", err)
	}
	return result.Total, result.Count, nil
}

// Breakdown returns spend grouped by the dimension specified in opts.GroupBy.
func (j *Journal) Breakdown(ctx context.Context, opts BreakdownOpts) ([]SpendBreakdownItem, error) {
	groupCol := "provider"
	switch opts.GroupBy {
	case "model", "stage", "build_id", "project":
		groupCol = opts.GroupBy
	}

	query := j.db.WithContext(ctx).Model(&SpendEvent{}).
		Select(
			groupCol+" as group_key, "+
				"COALESCE(SUM(raw_cost), 0) as raw_cost, "+
				"COALESCE(SUM(input_tokens), 0) as input_tokens, "+
				"COALESCE(SUM(output_tokens), 0) as output_tokens, "+
				"COALESCE(SUM(thinking_tokens), 0) as thinking_tokens, "+
				"COUNT(*) as count").
		Group(groupCol).
		Order("raw_cost DESC, group_key ASC")

	if opts.Project != "" {
		query = query.Where("project = ?", opts.Project)
	}
	if opts.DayKey != "" {
		query = query.Where("day_key = ?", opts.DayKey)
	}
	if opts.MonthKey != "" {
		query = query.Where("month_key = ?", opts.MonthKey)
	}
	if opts.BuildID != "" {
		query = query.Where("build_id = ?", opts.BuildID)
	}

	var items []SpendBreakdownItem
	if err := query.Scan(&items).Error; err != nil {
		return nil, fmt.Errorf("spend: breakdown query failed: %w", err)
	}
	return items, nil
}

// ExportCSV generates a CSV file of a build's spend events in call order.
func (j *Journal) ExportCSV(ctx context.Context, buildID string) ([]byte, error) {
	_, events, err := j.BuildSpend(ctx, buildID)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	// Header
	header := []string{
		"id", "created_at", "build_id", "project", "stage", "attempt",
		"provider", "model",
		"input_tokens", "output_tokens", "thinking_tokens", "reserved_tokens",
		"raw_cost", "duration_ms", "status", "error_class",
	}
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("spend: csv header write failed: %w", err)
	}

	for _, e := range events {
		row := []string{
			strconv.FormatInt(e.ID, 10),
			e.CreatedAt.UTC().Format(time.RFC3339),
			e.BuildID,
			e.Project,
			e.Stage,
			strconv.Itoa(e.Attempt),
			e.Provider,
			e.Model,
			strconv.Itoa(e.InputTokens),
			strconv.Itoa(e.OutputTokens),
			strconv.Itoa(e.ThinkingTokens),
			strconv.Itoa(e.ReservedTokens),
			strconv.FormatFloat(e.RawCost, 'f', 6, 64),
			strconv.Itoa(e.DurationMs),
			e.Status,
			e.ErrorClass,
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("spend: csv row write failed: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("spend: csv flush failed: %w", err)
	}

	return buf.Bytes(), nil
}
