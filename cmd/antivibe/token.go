package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"antivibe/internal/config"
	"antivibe/internal/orchestrator"
)

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	subject := fs.String("subject", "", "token subject")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	newSecret := fs.Bool("new-secret", false, "print a fresh JWT_SECRET instead of a token")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", orchestrator.ErrConfig, err)
	}

	if *newSecret {
		secret, err := config.GenerateSecureSecret(48)
		if err != nil {
			return err
		}
		fmt.Println(secret)
		return nil
	}
	if *subject == "" {
		return fmt.Errorf("%w: -subject is required", orchestrator.ErrConfig)
	}
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return fmt.Errorf("%w: JWT_SECRET is not set", orchestrator.ErrConfig)
	}
	token, err := config.IssueToken(secret, *subject, *ttl, time.Now())
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
