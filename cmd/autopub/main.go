package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"autopub/internal/admin"
	"autopub/internal/app"
	"autopub/internal/config"
)

func main() {
	var (
		cfgPath    string
		issueToken string
		tokenTTL   time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	flag.StringVar(&issueToken, "issue-token", "", "print an admin API token for this subject and exit")
	flag.DurationVar(&tokenTTL, "token-ttl", 30*24*time.Hour, "lifetime of -issue-token tokens")
	flag.Parse()

	// .env is optional; real environment variables win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Println("fatal: .env:", err)
		os.Exit(1)
	}

	if issueToken != "" {
		os.Exit(printToken(cfgPath, issueToken, tokenTTL))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = a.Stop(stopCtx, app.StopFatal)
		stopCancel()
		os.Exit(1)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatal
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatal {
		fmt.Println("fatal:", a.Err())
		os.Exit(1)
	}
}

func printToken(cfgPath, subject string, ttl time.Duration) int {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		fmt.Println("fatal:", err)
		return 1
	}
	if cfg.Admin == nil || cfg.Admin.JWTSecret == "" {
		fmt.Println("fatal: admin.jwt_secret is not set")
		return 1
	}
	tok, err := admin.IssueToken(cfg.Admin.JWTSecret, subject, ttl)
	if err != nil {
		fmt.Println("fatal:", err)
		return 1
	}
	fmt.Println(tok)
	return 0
}
