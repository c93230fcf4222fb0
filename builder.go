package portalauth

import (
	"errors"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/carewire/portalauth/audit"
	"github.com/carewire/portalauth/internal/flowtoken"
	"github.com/carewire/portalauth/internal/rate"
	"github.com/carewire/portalauth/password"
	"github.com/carewire/portalauth/session"
)

// Builder assembles a [Service] from its dependencies.
//
// Builder instances are single-use: Build may be called once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	users    UserStore
	sessions SessionStore
	auditor  audit.Recorder
	email    EmailSender
	patients PatientDirectory
	logger   *log.Logger

	built bool
}

// New returns a Builder preloaded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

// WithConfig replaces the entire configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithRedis sets the Redis client backing flow tokens, rate limiting and the
// session cache.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithUserStore sets the durable portal-user store.
func (b *Builder) WithUserStore(store UserStore) *Builder {
	b.users = store
	return b
}

// WithSessionStore sets the durable session store.
func (b *Builder) WithSessionStore(store SessionStore) *Builder {
	b.sessions = store
	return b
}

// WithAuditRecorder sets the audit side channel. Optional: a nil recorder
// disables audit emission.
func (b *Builder) WithAuditRecorder(recorder audit.Recorder) *Builder {
	b.auditor = recorder
	return b
}

// WithEmailSender sets the outbound email collaborator. Optional: without
// one, flows that merely notify keep working and verification tokens are
// still issued.
func (b *Builder) WithEmailSender(sender EmailSender) *Builder {
	b.email = sender
	return b
}

// WithPatientDirectory sets the clinical patient lookup used to gate
// registration.
func (b *Builder) WithPatientDirectory(dir PatientDirectory) *Builder {
	b.patients = dir
	return b
}

// WithLogger sets the logger for best-effort failure reporting. Defaults to
// the standard logger.
func (b *Builder) WithLogger(logger *log.Logger) *Builder {
	b.logger = logger
	return b
}

// Build validates the configuration and dependencies and returns the
// immutable [Service].
func (b *Builder) Build() (*Service, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if err := validateConfig(b.config); err != nil {
		return nil, err
	}
	if b.redis == nil {
		return nil, errors.New("redis client is required")
	}
	if b.users == nil {
		return nil, errors.New("user store is required")
	}
	if b.sessions == nil {
		return nil, errors.New("session store is required")
	}
	if b.patients == nil {
		return nil, errors.New("patient directory is required")
	}

	hasher, err := password.NewHasher(password.Config{Cost: b.config.Password.BcryptCost})
	if err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = log.Default()
	}

	b.built = true
	return &Service{
		config:       b.config,
		users:        b.users,
		sessions:     b.sessions,
		sessionCache: session.NewCache(b.redis, b.config.Session.CachePrefix),
		rateLimiter:  rate.New(b.redis, b.config.RateLimit.Prefix),
		flowTokens:   flowtoken.NewStore(b.redis, b.config.FlowTokens.CachePrefix),
		passwordHash: hasher,
		totp:         newTOTPManager(b.config.TwoFactor, b.config.Issuer),
		auditor:      b.auditor,
		email:        b.email,
		patients:     b.patients,
		metrics:      newMetrics(),
		logger:       logger,
	}, nil
}
