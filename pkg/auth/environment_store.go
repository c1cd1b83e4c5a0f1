package auth

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvironmentStore reads TELEGRAM_API_ID, TELEGRAM_API_HASH and TELEGRAM_PHONE.
// It is read-only.
type EnvironmentStore struct{}

func NewEnvironmentStore() *EnvironmentStore {
	return &EnvironmentStore{}
}

// Store is not supported for environment variables
func (e *EnvironmentStore) Store(account *Account) error {
	return ErrStoreUnavailable
}

// Retrieve returns the environment credentials under name, or "default" when name is empty
func (e *EnvironmentStore) Retrieve(name string) (*Account, error) {
	id, err := strconv.Atoi(strings.TrimSpace(os.Getenv("TELEGRAM_API_ID")))
	hash := os.Getenv("TELEGRAM_API_HASH")
	if err != nil || id <= 0 || hash == "" {
		return nil, ErrCredentialsNotFound
	}

	if name == "" {
		name = "default"
	}

	return &Account{
		Name:         name,
		APIID:        id,
		APIHash:      hash,
		Phone:        os.Getenv("TELEGRAM_PHONE"),
		LastModified: time.Now(),
	}, nil
}

func (e *EnvironmentStore) List() ([]*Account, error) {
	account, err := e.Retrieve("")
	if err != nil {
		return []*Account{}, nil
	}
	return []*Account{account}, nil
}

// Delete is not supported for environment variables
func (e *EnvironmentStore) Delete(name string) error {
	return ErrStoreUnavailable
}

func (e *EnvironmentStore) Exists(name string) bool {
	_, err := e.Retrieve(name)
	return err == nil
}
