// Command antivibe generates a project from a declarative description by
// driving a language model through planning, schema, code, tests and docs,
// validating the result and publishing it atomically.
//
// Usage:
//
//	antivibe build -project todo.yaml     # run one build and print the summary
//	antivibe serve [-addr :8080]          # run the HTTP API
//	antivibe spend -build <id>            # export a build's spend events as CSV
//	antivibe token -subject <name>        # issue an API bearer token
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"antivibe/internal/ai"
	"antivibe/internal/artifact"
	"antivibe/internal/budget"
	"antivibe/internal/logging"
	"antivibe/internal/orchestrator"
)

// Exit codes.
const (
	exitOK                  = 0
	exitFailure             = 1
	exitConfig              = 2
	exitBudget              = 3
	exitProvider            = 4
	exitParse               = 5
	exitValidationExhausted = 6
	exitCancelled           = 130
)

func main() {
	if err := godotenv.Load(); err != nil {
		// Missing .env is normal; the environment is used as is.
		_ = godotenv.Load("../.env")
	}
	logging.Init()
	defer logging.Sync()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitConfig)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "build":
		err = runBuild(ctx, os.Args[2:])
	case "serve":
		err = runServe(ctx, os.Args[2:])
	case "spend":
		err = runSpend(ctx, os.Args[2:])
	case "token":
		err = runToken(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		printUsage()
		os.Exit(exitConfig)
	}

	code := exitCode(err)
	if err != nil && code != exitCancelled {
		logging.L().Error("command failed", zap.String("command", os.Args[1]), zap.Error(err))
	}
	stop()
	logging.Sync()
	os.Exit(code)
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, orchestrator.ErrCancelled), errors.Is(err, context.Canceled):
		return exitCancelled
	case errors.Is(err, orchestrator.ErrConfig):
		return exitConfig
	case errors.Is(err, budget.ErrBudgetExceeded):
		return exitBudget
	case errors.Is(err, ai.ErrProvider):
		return exitProvider
	case errors.Is(err, artifact.ErrParse):
		return exitParse
	case errors.Is(err, orchestrator.ErrValidationExhausted):
		return exitValidationExhausted
	default:
		return exitFailure
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `
antivibe - budgeted, validated project generation

Usage:
  antivibe <command> [flags]

Commands:
  build   Run one build of a project file (YAML or JSON)
  serve   Run the HTTP API
  spend   Export a build's spend events as CSV
  token   Issue a bearer token for the HTTP API
  help    Show this help message

Exit codes (build):
  0 ok, 2 configuration, 3 budget exceeded, 4 provider, 5 unparseable output,
  6 validation exhausted, 130 cancelled

Environment Variables:
  ANTIVIBE_PROVIDER         claude | gemini | replay (default: claude)
  ANTIVIBE_API_KEY          provider key (or ANTHROPIC_API_KEY / GEMINI_API_KEY)
  ANTIVIBE_MODEL            model override
  ANTIVIBE_MAX_TOKENS       token ceiling per build (default: 200000)
  ANTIVIBE_THINKING_BUDGET  thinking token ceiling per build (default: 0)
  ANTIVIBE_SPEND_DSN        spend journal (postgres URL or sqlite path)
  ANTIVIBE_S3_BUCKET        archive published trees to S3
  ANTIVIBE_ARCHIVE_DIR      archive published trees to a local directory
  ANTIVIBE_ADDR             API listen address (default: :8080)
  ANTIVIBE_BUILD_ROOT       API build output directory (default: builds)
  JWT_SECRET                enables bearer auth on the API
`)
}
