package portalauth

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/carewire/portalauth/audit"
	"github.com/carewire/portalauth/session"
)

type mockUserStore struct {
	mu    sync.Mutex
	users map[string]*PortalUser

	createErr error
	getErr    error
	updateErr error

	createCalls int
	updateCalls int
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{users: map[string]*PortalUser{}}
}

func (m *mockUserStore) Create(ctx context.Context, user *PortalUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	if m.createErr != nil {
		return m.createErr
	}
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

func (m *mockUserStore) GetByID(ctx context.Context, id string) (*PortalUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *mockUserStore) GetByEmail(ctx context.Context, companyID, email string) (*PortalUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	for _, u := range m.users {
		if u.CompanyID == companyID && u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

func (m *mockUserStore) GetByPatient(ctx context.Context, companyID, patientID string) (*PortalUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	for _, u := range m.users {
		if u.CompanyID == companyID && u.PatientID == patientID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

func (m *mockUserStore) Update(ctx context.Context, user *PortalUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	if m.updateErr != nil {
		return m.updateErr
	}
	if _, ok := m.users[user.ID]; !ok {
		return ErrUserNotFound
	}
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

// get returns the stored copy for assertions.
func (m *mockUserStore) get(id string) *PortalUser {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil
	}
	cp := *u
	return &cp
}

type mockSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*session.Session

	createErr error
}

func newMockSessionStore() *mockSessionStore {
	return &mockSessionStore{sessions: map[string]*session.Session{}}
}

func (m *mockSessionStore) Create(ctx context.Context, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *mockSessionStore) GetByID(ctx context.Context, id string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionInvalid
	}
	cp := *s
	return &cp, nil
}

func (m *mockSessionStore) GetByAccessHash(ctx context.Context, accessTokenHash string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.AccessTokenHash == accessTokenHash {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrSessionInvalid
}

func (m *mockSessionStore) GetByRefreshHash(ctx context.Context, refreshTokenHash string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.RefreshTokenHash == refreshTokenHash {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrSessionInvalid
}

func (m *mockSessionStore) ListActiveByUser(ctx context.Context, userID string) ([]*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*session.Session
	for _, s := range m.sessions {
		if s.UserID == userID && s.IsActive {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockSessionStore) TouchActivity(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionInvalid
	}
	s.LastActivityAt = at
	return nil
}

func (m *mockSessionStore) Revoke(ctx context.Context, id, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionInvalid
	}
	s.Revoke(reason, at)
	return nil
}

func (m *mockSessionStore) RevokeAllForUser(ctx context.Context, userID, reason string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.sessions {
		if s.UserID == userID && s.IsActive {
			s.Revoke(reason, at)
			n++
		}
	}
	return n, nil
}

func (m *mockSessionStore) get(id string) *session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

func (m *mockSessionStore) activeCount(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.UserID == userID && s.IsActive {
			n++
		}
	}
	return n
}

type mockPatientDirectory struct {
	patients map[string]bool
	err      error
}

func (m *mockPatientDirectory) PatientExists(ctx context.Context, companyID, patientID string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	return m.patients[companyID+"/"+patientID], nil
}

type mockEmailSender struct {
	mu      sync.Mutex
	sent    []Email
	sendErr error
}

func (m *mockEmailSender) Send(ctx context.Context, email Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, email)
	return nil
}

func (m *mockEmailSender) last() (Email, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return Email{}, false
	}
	return m.sent[len(m.sent)-1], true
}

func (m *mockEmailSender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type captureRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *captureRecorder) Record(ctx context.Context, entry audit.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *captureRecorder) byAction(action audit.Action) []audit.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Entry
	for _, e := range r.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	svc      *Service
	mr       *miniredis.Miniredis
	rdb      *redis.Client
	users    *mockUserStore
	sessions *mockSessionStore
	patients *mockPatientDirectory
	email    *mockEmailSender
	auditor  *captureRecorder
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

func testConfig() Config {
	cfg := DefaultConfig()
	// Minimum bcrypt cost keeps the suite fast.
	cfg.Password.BcryptCost = 10
	return cfg
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	mr, rdb := newTestRedis(t)
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})

	cfg := testConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}

	env := &testEnv{
		mr:       mr,
		rdb:      rdb,
		users:    newMockUserStore(),
		sessions: newMockSessionStore(),
		patients: &mockPatientDirectory{patients: map[string]bool{}},
		email:    &mockEmailSender{},
		auditor:  &captureRecorder{},
	}

	svc, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserStore(env.users).
		WithSessionStore(env.sessions).
		WithPatientDirectory(env.patients).
		WithEmailSender(env.email).
		WithAuditRecorder(env.auditor).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	env.svc = svc
	return env
}

// seedUser creates an active, verified user directly in the store and
// returns it.
func (env *testEnv) seedUser(t *testing.T, companyID, email, pass string) *PortalUser {
	t.Helper()

	hash, err := env.svc.passwordHash.Hash(pass)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	now := time.Now().UTC()
	user := &PortalUser{
		ID:              newID(),
		CompanyID:       companyID,
		PatientID:       fmt.Sprintf("pat-%s", email),
		Email:           email,
		PasswordHash:    hash,
		IsEmailVerified: true,
		Status:          StatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := env.users.Create(context.Background(), user); err != nil {
		t.Fatalf("seed user failed: %v", err)
	}
	return user
}

// login runs the full password login for a seeded user and returns the
// issued token pair.
func (env *testEnv) login(t *testing.T, user *PortalUser, pass string) *AuthTokens {
	t.Helper()

	tokens, err := env.svc.Login(context.Background(), user.CompanyID, Credentials{
		Email:    user.Email,
		Password: pass,
	}, "10.0.0.1", "test-agent")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	return tokens
}
