package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"antivibe/internal/config"
	"antivibe/internal/orchestrator"
	"antivibe/internal/spend"
)

func runSpend(ctx context.Context, args []string) error {
	settings := config.FromEnv()

	fs := flag.NewFlagSet("spend", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	dsn := fs.String("spend-dsn", settings.SpendDSN, "spend journal (postgres URL or sqlite path)")
	buildID := fs.String("build", "", "export this build's events as CSV")
	projectName := fs.String("project", "", "report a project's spend for -day")
	day := fs.String("day", "", "day for -project, YYYY-MM-DD (default today, UTC)")
	groupBy := fs.String("group-by", "", "breakdown for -project: provider, model, stage or build_id")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", orchestrator.ErrConfig, err)
	}
	if *dsn == "" {
		return fmt.Errorf("%w: -spend-dsn or ANTIVIBE_SPEND_DSN is required", orchestrator.ErrConfig)
	}
	if (*buildID == "") == (*projectName == "") {
		return fmt.Errorf("%w: exactly one of -build or -project is required", orchestrator.ErrConfig)
	}

	j, err := spend.Open(*dsn)
	if err != nil {
		return err
	}
	defer j.Close()

	if *buildID != "" {
		data, err := j.ExportCSV(ctx, *buildID)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	}

	when := time.Now().UTC()
	if *day != "" {
		if when, err = time.Parse("2006-01-02", *day); err != nil {
			return fmt.Errorf("%w: -day: %w", orchestrator.ErrConfig, err)
		}
	}
	total, count, err := j.ProjectDailySpend(ctx, *projectName, when)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s: $%.4f over %d calls\n", *projectName, when.Format("2006-01-02"), total, count)

	if *groupBy == "" {
		return nil
	}
	items, err := j.Breakdown(ctx, spend.BreakdownOpts{
		GroupBy: *groupBy,
		Project: *projectName,
		DayKey:  when.Format("2006-01-02"),
	})
	if err != nil {
		return err
	}
	for _, it := range items {
		fmt.Printf("  %-24s $%.4f  in=%d out=%d thinking=%d calls=%d\n",
			it.Key, it.RawCost, it.InputTokens, it.OutputTokens, it.ThinkingTokens, it.Count)
	}
	return nil
}
