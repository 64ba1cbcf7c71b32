package auth

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const testSecret = "test-secret-key-with-at-least-32-bytes!!"

func init() {
	passwordHashCost = bcrypt.MinCost
}

type memStore struct {
	mu        sync.Mutex
	nextID    int64
	users     map[int64]User
	addresses map[int64]EmailAddress
	refresh   map[string]RefreshTokenRecord
	attempts  map[string]LoginAttempt
}

func newMemStore() *memStore {
	return &memStore{
		users:     map[int64]User{},
		addresses: map[int64]EmailAddress{},
		refresh:   map[string]RefreshTokenRecord{},
		attempts:  map[string]LoginAttempt{},
	}
}

func (m *memStore) GetUserByID(_ context.Context, id int64) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if strings.EqualFold(user.Email, email) {
			return user, nil
		}
	}
	return User{}, ErrNotFound
}

func (m *memStore) CreateUser(_ context.Context, input NewUser) (User, EmailAddress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if strings.EqualFold(user.Email, input.Email) {
			return User{}, EmailAddress{}, ErrEmailTaken
		}
	}

	m.nextID++
	user := User{
		ID:           m.nextID,
		Email:        input.Email,
		PasswordHash: input.PasswordHash,
		FirstName:    input.FirstName,
		LastName:     input.LastName,
		IsStaff:      input.IsStaff,
		IsSuperuser:  input.IsSuperuser,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	m.users[user.ID] = user

	m.nextID++
	address := EmailAddress{ID: m.nextID, UserID: user.ID, Email: input.Email, Verified: input.Verified, Primary: true}
	m.addresses[address.ID] = address

	return user, address, nil
}

func (m *memStore) UpsertSuperuser(ctx context.Context, email, passwordHash string) error {
	user, err := m.GetUserByEmail(ctx, email)
	if err != nil {
		_, _, err = m.CreateUser(ctx, NewUser{Email: email, PasswordHash: &passwordHash, IsStaff: true, IsSuperuser: true, Verified: true})
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	user.PasswordHash = &passwordHash
	user.IsStaff = true
	user.IsSuperuser = true
	m.users[user.ID] = user
	return nil
}

func (m *memStore) UpdateLastLogin(_ context.Context, userID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user := m.users[userID]
	user.LastLogin = &at
	m.users[userID] = user
	return nil
}

func (m *memStore) SwapPasswordHash(_ context.Context, userID int64, oldHash *string, newHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return false, nil
	}
	current := ""
	if user.PasswordHash != nil {
		current = *user.PasswordHash
	}
	expected := ""
	if oldHash != nil {
		expected = *oldHash
	}
	if current != expected {
		return false, nil
	}
	user.PasswordHash = &newHash
	m.users[userID] = user
	return true, nil
}

func (m *memStore) GetEmailAddress(_ context.Context, userID int64, email string) (EmailAddress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, address := range m.addresses {
		if address.UserID == userID && strings.EqualFold(address.Email, email) {
			return address, nil
		}
	}
	return EmailAddress{}, ErrNotFound
}

func (m *memStore) GetEmailAddressByID(_ context.Context, id int64) (EmailAddress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	address, ok := m.addresses[id]
	if !ok {
		return EmailAddress{}, ErrNotFound
	}
	return address, nil
}

func (m *memStore) CreateEmailAddress(_ context.Context, userID int64, email string, verified bool) (EmailAddress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	address := EmailAddress{ID: m.nextID, UserID: userID, Email: email, Verified: verified, Primary: true}
	m.addresses[address.ID] = address
	return address, nil
}

func (m *memStore) MarkEmailVerified(_ context.Context, addressID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	address, ok := m.addresses[addressID]
	if !ok || address.Verified {
		return false, nil
	}
	address.Verified = true
	m.addresses[addressID] = address
	return true, nil
}

// dropAddresses simulates a user whose address row was never created.
func (m *memStore) dropAddresses(userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, address := range m.addresses {
		if address.UserID == userID {
			delete(m.addresses, id)
		}
	}
}

func (m *memStore) CreateRefreshToken(_ context.Context, record RefreshTokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[record.JTI] = record
	return nil
}

func (m *memStore) GetRefreshToken(_ context.Context, jti string) (RefreshTokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.refresh[jti]
	if !ok {
		return RefreshTokenRecord{}, ErrNotFound
	}
	return record, nil
}

func (m *memStore) RotateRefreshToken(_ context.Context, oldJTI string, next RefreshTokenRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.refresh[oldJTI]
	if !ok || record.RevokedAt != nil || time.Now().After(record.ExpiresAt) {
		return 0, ErrInvalidToken
	}
	now := time.Now().UTC()
	record.RevokedAt = &now
	m.refresh[oldJTI] = record
	next.UserID = record.UserID
	m.refresh[next.JTI] = next
	return record.UserID, nil
}

func (m *memStore) RevokeRefreshToken(_ context.Context, record RefreshTokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.refresh[record.JTI]
	if !ok {
		existing = record
	}
	if existing.RevokedAt == nil {
		now := time.Now().UTC()
		existing.RevokedAt = &now
	}
	m.refresh[record.JTI] = existing
	return nil
}

func (m *memStore) GetLoginAttempt(_ context.Context, email string) (LoginAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	attempt, ok := m.attempts[email]
	if !ok {
		return LoginAttempt{Email: email}, nil
	}
	return attempt, nil
}

func (m *memStore) RegisterFailedAttempt(_ context.Context, email string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	attempt := m.attempts[email]
	attempt.Email = email
	attempt.FailedAttempts++
	if attempt.FailedAttempts >= maxAttempts {
		until := now.Add(lockDuration)
		attempt.LockedUntil = &until
		attempt.FailedAttempts = 0
		m.attempts[email] = attempt
		return &until, nil
	}
	m.attempts[email] = attempt
	return nil, nil
}

func (m *memStore) ResetLoginAttempt(_ context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, email)
	return nil
}

type sentMail struct {
	To      string
	Subject string
	HTML    string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (f *fakeMailer) Send(_ context.Context, to, subject, html string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMail{To: to, Subject: subject, HTML: html})
	return nil
}

func (f *fakeMailer) last(t *testing.T) sentMail {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("no mail sent")
	}
	return f.sent[len(f.sent)-1]
}

type fakeMX struct {
	valid map[string]bool
	err   error
}

func (f fakeMX) HasMX(_ context.Context, domain string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.valid[domain], nil
}

type fakeGoogle struct {
	claims ExternalClaims
	err    error
}

func (f fakeGoogle) Verify(_ context.Context, _ string) (ExternalClaims, error) {
	return f.claims, f.err
}

type fakeProfiles struct {
	mu    sync.Mutex
	calls []int64
	err   error
}

func (f *fakeProfiles) NotifyCreated(_ context.Context, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, userID)
	return f.err
}

func (f *fakeProfiles) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeTelemetry struct {
	mu         sync.Mutex
	exceptions []error
	messages   []string
}

func (f *fakeTelemetry) CaptureException(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exceptions = append(f.exceptions, err)
}

func (f *fakeTelemetry) CaptureMessage(message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
}

type fixture struct {
	store     *memStore
	mailer    *fakeMailer
	profiles  *fakeProfiles
	telemetry *fakeTelemetry
	tokens    *TokenIssuer
	verifier  *EmailVerifier
	resetter  *PasswordResetter
	social    *SocialLogin
	service   *Service
	handler   *Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:     newMemStore(),
		mailer:    &fakeMailer{},
		profiles:  &fakeProfiles{},
		telemetry: &fakeTelemetry{},
	}
	f.tokens = NewTokenIssuer(f.store, testSecret, 0, 0)
	f.verifier = NewEmailVerifier(f.store, f.mailer, f.profiles, f.telemetry, VerifierConfig{
		Secret:        testSecret,
		PublicBaseURL: "http://auth.test",
	})
	f.resetter = NewPasswordResetter(f.store, f.mailer, ResetConfig{
		Secret:          testSecret,
		FrontendBaseURL: "http://front.test",
	})
	f.social = NewSocialLogin(f.store, fakeGoogle{claims: ExternalClaims{
		Subject:       "google-sub",
		Email:         "social@example.com",
		EmailVerified: true,
		GivenName:     "Gil",
		FamilyName:    "Hong",
	}}, f.tokens, f.profiles, f.telemetry)
	f.service = NewService(f.store, f.store, f.tokens, f.verifier, fakeMX{valid: map[string]bool{"example.com": true}}, f.telemetry)
	f.handler = NewHandler(f.service, f.tokens, f.verifier, f.resetter, f.social, f.telemetry, HandlerConfig{
		FrontendBaseURL: "http://front.test",
	})
	return f
}

// createUser inserts an account with a known password directly into the store.
func (f *fixture) createUser(t *testing.T, email, password string, verified bool) User {
	t.Helper()
	hash, err := hashPassword(password)
	if err != nil {
		t.Fatal(err)
	}
	user, _, err := f.store.CreateUser(context.Background(), NewUser{Email: email, PasswordHash: &hash, Verified: verified})
	if err != nil {
		t.Fatal(err)
	}
	return user
}
