// Package main issues bearer tokens for local testing of the hand-off API.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/suPer8Hu/handoff/internal/auth"
	"github.com/suPer8Hu/handoff/internal/config"
)

func main() {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	flag.StringVar(&subject, "sub", "", "user or operator id (required)")
	flag.StringVar(&role, "role", "user", "token role (user, operator)")
	flag.DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if subject == "" {
		fmt.Fprintln(os.Stderr, "Error: -sub is required")
		flag.Usage()
		os.Exit(2)
	}
	if role != "user" && role != "operator" {
		fmt.Fprintf(os.Stderr, "Error: unknown role %q\n", role)
		os.Exit(2)
	}

	// JWT_SECRET comes from the same environment the server reads
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	tok, err := auth.SignJWT(subject, role, cfg.JWTSecret, ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(tok)
}
