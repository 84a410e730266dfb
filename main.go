package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	_ = godotenv.Load()
	cobra.CheckErr(newRootCommand(viper.New()).Execute())
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	command := &cobra.Command{
		Use:   "xunlock",
		Short: "Resolve X account access challenges for a list of accounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := bindEnvironment(v); err != nil {
				return err
			}
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
		SilenceUsage: true,
	}

	flags := command.Flags()
	flags.String(keyAccounts, "", "YAML file with the accounts to process")
	flags.String(keyProxies, "", "file with one proxy per line (random proxy per account)")
	flags.String(keyProxy, "", "single proxy for every account, scheme://[user:pass@]host:port")
	flags.String(keyOut, "", "write updated accounts to this YAML file")
	flags.Int(keyWorkers, 4, "concurrent accounts")
	flags.String(keyProfile, string(DefaultImpersonation), fmt.Sprintf("browser to impersonate %v", ProfileNames()))
	flags.Int(keyWaitEmailCode, defaultWaitEmailCodeSeconds, "seconds to wait for an email confirmation code")
	flags.Int(keyRetries, defaultRetries, "transport retries per request")
	flags.Duration(keyRetryBackoff, 0, "pause between transport retries")
	flags.Int(keyAttempts, 3, "login attempts per account on network failures")
	flags.String(keyLogFile, "xunlock.log", "log file in addition to stdout")
	flags.StringSlice(keyIMAPHosts, nil, "extra IMAP host mapping, domain=host (repeatable)")

	for _, name := range []string{keyAccounts, keyProxies, keyProxy, keyOut, keyWorkers, keyProfile,
		keyWaitEmailCode, keyRetries, keyRetryBackoff, keyAttempts, keyLogFile, keyIMAPHosts} {
		cobra.CheckErr(v.BindPFlag(name, flags.Lookup(name)))
	}

	return command
}

func run(ctx context.Context, cfg Config) error {
	zl, err := newProcessLogger(cfg.LogFile)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() {
		_ = zl.Sync()
	}()
	logger := newZapLogger(zl)

	for domain, host := range cfg.IMAPHosts {
		RegisterIMAPHost(domain, host)
	}

	accounts, err := LoadAccounts(cfg.AccountsFile)
	if err != nil {
		return err
	}
	logger.Log("Loaded %d accounts", len(accounts))

	var proxyManager *ProxyManager
	if cfg.ProxiesFile != "" {
		proxyManager, err = NewProxyManager(cfg.ProxiesFile)
		if err != nil {
			return err
		}
		logger.Log("Loaded %d proxies", proxyManager.Count())
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler := NewScheduler(cfg.Scheduler, proxyManager, logger)
	logger.Log("Starting %d concurrent workers (profile: %s)...", scheduler.WorkerCount(), cfg.Scheduler.Session.Profile)
	scheduler.Start(ctx)

	go func() {
		defer scheduler.Close()
		for _, account := range accounts {
			if !scheduler.Submit(account) {
				return
			}
		}
	}()

	counts := map[LoginState]int{}
	var fatalErr error
	for result := range scheduler.Results() {
		if result.Fatal {
			fatalErr = result.Error
			continue
		}
		counts[result.State]++
		if result.Error != nil {
			logger.Log("%s: %s after %d attempt(s): %v (status %s)",
				result.Account.DisplayName(), result.State, result.Attempts, result.Error, result.Account.Status)
			continue
		}
		logger.Log("%s: %s (status %s)", result.Account.DisplayName(), result.State, result.Account.Status)
	}

	if cfg.OutFile != "" {
		if err := SaveAccounts(cfg.OutFile, accounts); err != nil {
			return fmt.Errorf("save accounts: %w", err)
		}
	}

	logger.Log("=== Complete: %d resolved, %d delete requested, %d failed ===",
		counts[StateResolved], counts[StateDeleteRequested], counts[StateFailed])

	if fatalErr != nil {
		return fmt.Errorf("aborted: %w", fatalErr)
	}
	return nil
}
