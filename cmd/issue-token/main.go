// Command issue-token mints a bearer token for local testing. In production
// tokens come from the identity collaborator, signed with the same secret.
//
//	JWT_SECRET=... go run ./cmd/issue-token -user asha -email asha@example.com
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/sakif/carbon-ledger/internal/auth"
	"github.com/sakif/carbon-ledger/internal/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file (optional)")
	userID := flag.String("user", "", "user id (token subject)")
	email := flag.String("email", "", "email claim")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "usage: issue-token -user ID [-email ADDR] [-ttl 24h]")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err == nil {
		err = cfg.ApplyEnv(os.LookupEnv)
	}
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	tokens, err := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		slog.Error("invalid auth config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	tok, err := tokens.Issue(*userID, *email, *ttl)
	if err != nil {
		slog.Error("failed to issue token", slog.String("error", err.Error()))
		os.Exit(1)
	}
	fmt.Println(tok)
}
