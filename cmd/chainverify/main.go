// Command chainverify re-derives one tenant's event hash chain from the
// events table and reports the first broken link.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/spf13/pflag"

	"github.com/V4T54L/agentlens-ingest/internal/adapter/repository/postgres"
	"github.com/V4T54L/agentlens-ingest/internal/domain"
)

const (
	exitOK     = 0
	exitError  = 1
	exitBroken = 2
)

func main() {
	_ = godotenv.Load()

	flags := pflag.NewFlagSet("chainverify", pflag.ExitOnError)
	org := flags.String("org", "", "organization id whose chain is verified (required)")
	dsn := flags.String("postgres-url", os.Getenv("POSTGRES_URL"), "postgres connection string")
	timeout := flags.Duration("timeout", 5*time.Minute, "overall timeout")
	_ = flags.Parse(os.Args[1:])

	if *org == "" || *dsn == "" {
		fmt.Fprintln(os.Stderr, "chainverify: --org and --postgres-url (or POSTGRES_URL) are required")
		flags.PrintDefaults()
		os.Exit(exitError)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)

	db, err := sql.Open("postgres", *dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chainverify: %v\n", err)
		cancel()
		os.Exit(exitError)
	}

	code := verify(ctx, postgres.NewChainReader(db), *org, os.Stdout, os.Stderr)
	db.Close()
	cancel()
	os.Exit(code)
}

func verify(ctx context.Context, reader domain.ChainReader, org string, stdout, stderr io.Writer) int {
	links, err := reader.ChainLinks(ctx, org)
	if err != nil {
		fmt.Fprintf(stderr, "chainverify: %v\n", err)
		return exitError
	}

	var brk *domain.ChainBreakError
	switch err := domain.VerifyChain(links); {
	case err == nil:
		fmt.Fprintf(stdout, "org %s: %d events, chain intact\n", org, len(links))
		return exitOK
	case errors.As(err, &brk):
		fmt.Fprintf(stdout, "org %s: %v\n", org, brk)
		return exitBroken
	default:
		fmt.Fprintf(stderr, "chainverify: %v\n", err)
		return exitError
	}
}
