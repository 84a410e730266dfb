package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// accountRecord is the on-disk shape of an account.
type accountRecord struct {
	ID            int64         `yaml:"id,omitempty"`
	Username      string        `yaml:"username,omitempty"`
	AuthToken     string        `yaml:"auth_token,omitempty"`
	Ct0           string        `yaml:"ct0,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	Email         string        `yaml:"email,omitempty"`
	EmailPassword string        `yaml:"email_password,omitempty"`
	TOTPSecret    string        `yaml:"totp_secret,omitempty"`
	BackupCode    string        `yaml:"backup_code,omitempty"`
	Status        AccountStatus `yaml:"status,omitempty"`
}

func (r accountRecord) account() (*Account, error) {
	a, err := NewAccount(r.AuthToken)
	if err != nil {
		return nil, err
	}
	a.Profile = Profile{ID: r.ID, Username: r.Username}

	status := r.Status
	if status == "" {
		status = AccountStatusUnknown
	}
	err = a.Apply(AccountUpdate{
		Ct0:           &r.Ct0,
		Password:      &r.Password,
		Email:         &r.Email,
		EmailPassword: &r.EmailPassword,
		TOTPSecret:    &r.TOTPSecret,
		BackupCode:    &r.BackupCode,
		Status:        &status,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func recordOf(a *Account) accountRecord {
	return accountRecord{
		ID:            a.ID,
		Username:      a.Username,
		AuthToken:     a.AuthToken(),
		Ct0:           a.Ct0,
		Password:      a.Password,
		Email:         a.Email,
		EmailPassword: a.EmailPassword,
		TOTPSecret:    a.TOTPSecret,
		BackupCode:    a.BackupCode,
		Status:        a.Status,
	}
}

// LoadAccounts reads a YAML list of accounts. Records with a malformed auth_token are rejected.
func LoadAccounts(path string) ([]*Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts: %w", err)
	}

	var records []accountRecord
	if err := yaml.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse accounts: %w", err)
	}

	accounts := make([]*Account, 0, len(records))
	for i, r := range records {
		a, err := r.account()
		if err != nil {
			return nil, fmt.Errorf("account #%d: %w", i+1, err)
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}

// SaveAccounts writes accounts, including their updated status and tokens, as YAML.
func SaveAccounts(path string, accounts []*Account) error {
	records := make([]accountRecord, 0, len(accounts))
	for _, a := range accounts {
		records = append(records, recordOf(a))
	}
	data, err := yaml.Marshal(records)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
