package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "XUNLOCK"

	keyAccounts      = "accounts"
	keyProxies       = "proxies"
	keyProxy         = "proxy"
	keyOut           = "out"
	keyWorkers       = "workers"
	keyProfile       = "profile"
	keyWaitEmailCode = "wait-email-code"
	keyRetries       = "retries"
	keyRetryBackoff  = "retry-backoff"
	keyAttempts      = "attempts"
	keyLogFile       = "log-file"
	keyIMAPHosts     = "imap-host"

	defaultWaitEmailCodeSeconds = 30
	defaultWorkerStaggerDelay   = 50 * time.Millisecond
)

// Config is the resolved run configuration.
type Config struct {
	AccountsFile string
	ProxiesFile  string
	OutFile      string
	LogFile      string
	IMAPHosts    map[string]string
	Scheduler    SchedulerConfig
}

// bindEnvironment maps configuration keys onto environment variables. The email
// wait keeps the variable names used by earlier tooling.
func bindEnvironment(v *viper.Viper) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v.BindEnv(keyWaitEmailCode, "TWS_WAIT_EMAIL_CODE", "LOGIN_CODE_TIMEOUT", envPrefix+"_WAIT_EMAIL_CODE")
}

// loadConfig reads every setting from v, applying defaults and validating the result.
func loadConfig(v *viper.Viper) (Config, error) {
	v.SetDefault(keyWorkers, 4)
	v.SetDefault(keyProfile, string(DefaultImpersonation))
	v.SetDefault(keyWaitEmailCode, defaultWaitEmailCodeSeconds)
	v.SetDefault(keyRetries, defaultRetries)
	v.SetDefault(keyAttempts, 3)

	cfg := Config{
		AccountsFile: v.GetString(keyAccounts),
		ProxiesFile:  v.GetString(keyProxies),
		OutFile:      v.GetString(keyOut),
		LogFile:      v.GetString(keyLogFile),
		IMAPHosts:    map[string]string{},
	}
	if cfg.AccountsFile == "" {
		return Config{}, fmt.Errorf("--%s is required", keyAccounts)
	}

	for _, entry := range v.GetStringSlice(keyIMAPHosts) {
		domain, host, ok := strings.Cut(entry, "=")
		if !ok || domain == "" || host == "" {
			return Config{}, fmt.Errorf("invalid %s entry %q, want domain=host", keyIMAPHosts, entry)
		}
		cfg.IMAPHosts[domain] = host
	}

	profile := ImpersonationProfile(v.GetString(keyProfile))
	if _, err := LookupProfile(profile); err != nil {
		return Config{}, err
	}

	waitSeconds := v.GetInt(keyWaitEmailCode)
	if waitSeconds <= 0 {
		return Config{}, fmt.Errorf("%s must be a positive number of seconds", keyWaitEmailCode)
	}

	retries := v.GetInt(keyRetries)
	if retries == 0 {
		retries = -1
	}

	cfg.Scheduler = SchedulerConfig{
		Workers:      v.GetInt(keyWorkers),
		MaxAttempts:  v.GetInt(keyAttempts),
		StaggerDelay: defaultWorkerStaggerDelay,
		Session: SessionConfig{
			Proxy:        v.GetString(keyProxy),
			Profile:      profile,
			Retries:      retries,
			RetryBackoff: v.GetDuration(keyRetryBackoff),
		},
		Login: LoginConfig{
			EmailCodeTimeout: time.Duration(waitSeconds) * time.Second,
		},
	}
	if cfg.Scheduler.Workers <= 0 {
		return Config{}, fmt.Errorf("%s must be a positive integer", keyWorkers)
	}

	return cfg, nil
}
