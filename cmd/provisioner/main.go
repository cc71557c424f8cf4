package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/nhle/provisioner/internal/app"
	"github.com/nhle/provisioner/internal/credential"
	"github.com/nhle/provisioner/internal/logging"
	"github.com/nhle/provisioner/internal/model"
	"github.com/nhle/provisioner/internal/register"
	"github.com/nhle/provisioner/internal/store"
)

type flags struct {
	config       string
	initConfig   bool
	count        int
	list         bool
	attempts     bool
	limit        int
	refresh      string
	forget       string
	setSecret    string
	deleteSecret string
	noKeyring    bool
}

func main() {
	var f flags
	pflag.StringVarP(&f.config, "config", "c", model.DefaultConfigPath(), "path to the YAML config file")
	pflag.BoolVar(&f.initConfig, "init-config", false, "write the default config to --config and exit")
	pflag.IntVarP(&f.count, "count", "n", 1, "number of accounts to provision")
	pflag.BoolVarP(&f.list, "list", "l", false, "list provisioned accounts and exit")
	pflag.BoolVar(&f.attempts, "attempts", false, "list recent registration attempts and exit")
	pflag.IntVar(&f.limit, "limit", 20, "number of rows shown by --list and --attempts")
	pflag.StringVar(&f.refresh, "refresh", "", "sign a stored account in again and replace its session token")
	pflag.StringVar(&f.forget, "forget", "", "delete the stored account with this email")
	pflag.StringVar(&f.setSecret, "set-secret", "", "store the secret read from stdin under this config key")
	pflag.StringVar(&f.deleteSecret, "delete-secret", "", "remove this config key from the keyring")
	pflag.BoolVar(&f.noKeyring, "no-keyring", false, "do not read secrets from the system keyring")
	pflag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, f)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, f flags) int {
	if f.initConfig {
		if err := app.InitConfig(f.config); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing config: %v\n", err)
			return 1
		}
		fmt.Printf("Wrote default config to %s\n", f.config)
		return 0
	}

	cfg, err := model.LoadConfig(f.config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 2
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		return 2
	}
	defer func() { _ = log.Sync() }()

	if f.setSecret != "" || f.deleteSecret != "" {
		return manageSecret(ctx, f, log)
	}

	st, err := store.NewSQLiteStore(cfg.StorePath)
	if err != nil {
		log.Error(ctx, "opening store failed", "path", cfg.StorePath, "error", err)
		return 1
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn(ctx, "closing store failed", "error", err)
		}
	}()

	switch {
	case f.list:
		if err := app.ListAccounts(ctx, st, os.Stdout, f.limit); err != nil {
			log.Error(ctx, "listing accounts failed", "error", err)
			return 1
		}
		return 0
	case f.attempts:
		if err := app.ListAttempts(ctx, st, os.Stdout, f.limit); err != nil {
			log.Error(ctx, "listing attempts failed", "error", err)
			return 1
		}
		return 0
	case f.forget != "":
		if err := app.Forget(ctx, st, f.forget); err != nil {
			log.Error(ctx, "deleting account failed", "email", f.forget, "error", err)
			return 1
		}
		return 0
	}

	if !f.noKeyring {
		app.FillSecrets(ctx, cfg, app.OpenKeyring(ctx, log), log)
	}

	a, err := app.New(cfg, st, log)
	if err != nil {
		log.Error(ctx, "invalid configuration", "error", err)
		return 2
	}

	if f.refresh != "" {
		out, err := a.Refresh(ctx, f.refresh)
		if err != nil {
			log.Error(ctx, "refresh failed", "email", f.refresh, "error", err)
			return 1
		}
		app.PrintSummary(os.Stdout, app.Summary{Requested: 1, Outcomes: []register.Outcome{out}})
		if !out.Success {
			return 1
		}
		return 0
	}

	sum, err := a.Run(ctx, f.count)
	app.PrintSummary(os.Stdout, sum)
	if err != nil {
		log.Error(ctx, "run aborted", "error", err)
		return 1
	}
	if sum.Succeeded() < f.count {
		return 1
	}
	return 0
}

// manageSecret stores or removes a keyring entry. Stored values are read
// from stdin so they stay out of the shell history.
func manageSecret(ctx context.Context, f flags, log logging.Logger) int {
	ring, err := credential.Open()
	if err != nil {
		log.Error(ctx, "system keyring unavailable", "error", err)
		return 1
	}

	if f.deleteSecret != "" {
		if err := app.DeleteSecret(ring, f.deleteSecret); err != nil {
			log.Error(ctx, "deleting secret failed", "key", f.deleteSecret, "error", err)
			return exitCode(err)
		}
		return 0
	}

	raw, err := io.ReadAll(io.LimitReader(os.Stdin, 64<<10))
	if err != nil {
		log.Error(ctx, "reading secret from stdin failed", "error", err)
		return 1
	}
	value := strings.TrimRight(string(raw), "\r\n")
	if err := app.SetSecret(ring, f.setSecret, value); err != nil {
		log.Error(ctx, "storing secret failed", "key", f.setSecret, "error", err)
		return exitCode(err)
	}
	return 0
}

func exitCode(err error) int {
	if model.IsConfigError(err) {
		return 2
	}
	return 1
}
