package realtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrBadCredentials is the single indistinguishable login failure: unknown
// number and wrong password look identical to the caller.
var ErrBadCredentials = errors.New("realtime: bad credentials")

// Account is one client account, keyed by phone number.
type Account struct {
	ClientID     string
	CountryCode  string
	Number       string
	PasswordHash string
}

// AccountStore holds client accounts in memory. The production system keeps
// accounts in its own identity service; this store backs the dev daemon and
// tests.
type AccountStore struct {
	params Argon2idParams

	mu      sync.Mutex
	byPhone map[string]Account
}

// NewAccountStore constructs an empty account store.
func NewAccountStore(params Argon2idParams) *AccountStore {
	if params.MemoryKiB == 0 {
		params = DefaultArgon2idParams()
	}
	return &AccountStore{
		params:  params,
		byPhone: make(map[string]Account),
	}
}

func phoneKey(countryCode, number string) string {
	return strings.TrimSpace(countryCode) + " " + strings.TrimSpace(number)
}

// Register creates a client account and returns it.
func (s *AccountStore) Register(_ context.Context, countryCode, number, password string) (Account, error) {
	countryCode = strings.TrimSpace(countryCode)
	number = strings.TrimSpace(number)
	if countryCode == "" || number == "" {
		return Account{}, errors.New("realtime: missing phone number")
	}

	hash, err := HashPassword(password, s.params)
	if err != nil {
		return Account{}, err
	}

	clientID, err := NewULID(time.Now().UTC())
	if err != nil {
		return Account{}, err
	}

	acct := Account{
		ClientID:     clientID,
		CountryCode:  countryCode,
		Number:       number,
		PasswordHash: hash,
	}

	key := phoneKey(countryCode, number)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byPhone[key]; exists {
		return Account{}, errors.New("realtime: account exists")
	}
	s.byPhone[key] = acct
	return acct, nil
}

// Login verifies the credentials and returns the account or ErrBadCredentials.
func (s *AccountStore) Login(_ context.Context, countryCode, number, password string) (Account, error) {
	s.mu.Lock()
	acct, ok := s.byPhone[phoneKey(countryCode, number)]
	s.mu.Unlock()

	if !ok {
		return Account{}, ErrBadCredentials
	}

	match, err := VerifyPassword(password, acct.PasswordHash)
	if err != nil || !match {
		return Account{}, ErrBadCredentials
	}
	return acct, nil
}
