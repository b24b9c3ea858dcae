package crypto

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fieldops/fieldsync/internal/errors"
)

// AccountAPIToken is the vault account holding the sync server token.
const AccountAPIToken = "api-token"

// Vault stores sealed credentials as files under <dataDir>/secure.
type Vault struct {
	dir    string
	secret string
}

// VaultOption configures a Vault.
type VaultOption func(*Vault)

// WithSecret replaces the machine secret.
func WithSecret(secret string) VaultOption {
	return func(v *Vault) { v.secret = secret }
}

// NewVault creates a Vault rooted in dataDir.
func NewVault(dataDir string, opts ...VaultOption) *Vault {
	v := &Vault{dir: filepath.Join(dataDir, "secure"), secret: MachineSecret()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *Vault) path(account string) (string, error) {
	if account == "" || strings.ContainsAny(account, `/\`) || strings.Contains(account, "..") {
		return "", errors.Newf(errors.ErrValidation, "invalid credential account %q", account)
	}
	return filepath.Join(v.dir, account+".cred"), nil
}

// Put seals value and stores it under account, replacing any previous one.
func (v *Vault) Put(account, value string) error {
	path, err := v.path(account)
	if err != nil {
		return err
	}
	if value == "" {
		return errors.New(errors.ErrValidation, "credential value is empty")
	}
	if err := os.MkdirAll(v.dir, 0o700); err != nil {
		return errors.Storage("create credential directory", err)
	}
	sealed, err := Seal([]byte(value), v.secret)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "seal credential", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sealed), 0o600); err != nil {
		return errors.Storage("write credential", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Storage("write credential", err)
	}
	return nil
}

// Get returns the credential stored under account.
func (v *Vault) Get(account string) (string, error) {
	path, err := v.path(account)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", errors.Newf(errors.ErrNotFound, "credential %s not found", account)
	}
	if err != nil {
		return "", errors.Storage("read credential", err)
	}
	value, err := Open(strings.TrimSpace(string(data)), v.secret)
	if err != nil {
		return "", errors.Wrap(errors.ErrValidation, "credential "+account+" cannot be decrypted on this machine", err)
	}
	return string(value), nil
}

// Delete removes account. Missing accounts are not an error.
func (v *Vault) Delete(account string) error {
	path, err := v.path(account)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Storage("delete credential", err)
	}
	return nil
}
