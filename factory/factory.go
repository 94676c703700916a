// Package factory builds the credential module from a config.Config and
// owns the lifetime of the backends it opens.
package factory

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/audit"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/auth"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/cache"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/cache/storage"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/config"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/coordinator"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/dek"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/envelope"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/httpauth"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/identity"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/interfaces"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/kms"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/session"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/store"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/types"
)

// Module is the wired credential subsystem
type Module struct {
	Config      *config.Config
	Auditor     interfaces.AuditLogger
	KMS         kms.Provider
	ServerKey   *kms.ServerCacheKey
	Cache       interfaces.Cache
	Records     interfaces.RecordStore
	Identity    interfaces.IdentityProvider
	Manager     *dek.Manager
	Sessions    *cache.SessionStore
	SplitCache  *cache.SplitDEKCache
	Limiter     *cache.RateLimiter
	LastSeen    *session.LastSeenTracker
	Validator   *session.Validator
	Coordinator *coordinator.Coordinator
	Auth        *auth.Service
	Middleware  *httpauth.Middleware
	Handlers    *httpauth.Handlers

	closers []func(context.Context) error
	logger  zerolog.Logger
}

// New validates cfg and builds every component. Backends opened before a
// failure are closed again.
func New(ctx context.Context, cfg *config.Config) (*Module, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", types.ErrConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Module{
		Config: cfg,
		logger: log.With().Str("component", "factory").Logger(),
	}
	built := false
	defer func() {
		if !built {
			if closeErr := m.closeBackends(context.Background()); closeErr != nil {
				m.logger.Warn().Err(closeErr).Msg("Failed to close backends after build error")
			}
		}
	}()

	var err error

	m.Auditor = createAuditLogger(cfg.Audit)

	if m.KMS, err = createKMSProvider(ctx, cfg.Encryption.KMS); err != nil {
		return nil, err
	}
	if m.ServerKey, err = kms.LoadServerCacheKey(ctx, cfg.Encryption.ServerCacheKeyPath, m.KMS); err != nil {
		return nil, fmt.Errorf("failed to load server cache key: %w", err)
	}
	if err = m.createCacheStorage(ctx, cfg.Cache); err != nil {
		return nil, err
	}
	if err = m.createRecordStore(ctx, cfg.Store); err != nil {
		return nil, err
	}
	if m.Identity, err = createIdentityProvider(cfg.Identity, m.Records); err != nil {
		return nil, err
	}

	m.SplitCache = cache.NewSplitDEKCache(m.Cache, cfg.Encryption.SplitDEKTTL)
	m.Manager = dek.NewManager(
		envelope.NewKeyDeriver(cfg.Encryption.KDFIterations),
		nil,
		m.Auditor,
		m.SplitCache,
		m.ServerKey,
	)
	m.Sessions = cache.NewSessionStore(m.Cache)
	m.Limiter = cache.NewRateLimiter(m.Cache)
	m.LastSeen = session.NewLastSeenTracker(m.Sessions, m.Identity, cfg.Session.LastSeenInterval, cfg.Identity.Timeout)
	m.Validator = session.NewValidator(m.Sessions, m.Identity,
		session.WithTTLPolicy(session.TTLPolicy{
			Admin:    cfg.Session.AdminTTL,
			Default:  cfg.Session.UserTTL,
			Extended: cfg.Session.ExtendedTTL,
		}),
		session.WithProviderTimeout(cfg.Identity.Timeout),
		session.WithLastSeenTracker(m.LastSeen),
		session.WithRotationHook(m.Manager.RotateAll),
		session.WithAuditLogger(m.Auditor),
	)
	m.Coordinator = coordinator.New(m.Identity, m.Manager, m.Sessions, m.Validator,
		coordinator.WithProviderTimeout(cfg.Identity.Timeout),
		coordinator.WithLockTTL(cfg.PasswordChange.LockTTL),
		coordinator.WithAuditLogger(m.Auditor),
	)
	m.Auth = auth.NewService(m.Identity, m.Records, m.Manager, m.Sessions, m.Limiter, m.Validator,
		auth.WithProviderTimeout(cfg.Identity.Timeout),
		auth.WithRegistrationLockTTL(cfg.Registration.LockTTL),
		auth.WithAuditLogger(m.Auditor),
	)
	m.Middleware = httpauth.NewMiddleware(m.Validator, httpauth.CookieOptions{
		TokenName: cfg.Cookies.TokenName,
		DEKName:   cfg.Cookies.DEKName,
		Domain:    cfg.Cookies.Domain,
		Path:      cfg.Cookies.Path,
		Insecure:  cfg.Cookies.Insecure,
	})
	m.Handlers = httpauth.NewHandlers(m.Auth, m.Coordinator, m.Middleware)

	m.logger.Info().
		Str("cache", cfg.Cache.Backend).
		Str("store", cfg.Store.Backend).
		Str("identity", cfg.Identity.Provider).
		Str("server_key_source", m.ServerKey.Source()).
		Int("kdf_iterations", cfg.Encryption.KDFIterations).
		Msg("Credential module initialized")
	if m.ServerKey.Ephemeral() {
		m.logger.Warn().Msg("Balanced-tier sessions will not survive a restart")
	}
	built = true
	return m, nil
}

// Shutdown stops running password changes, waits for pending last-seen
// updates and closes the backends.
func (m *Module) Shutdown(ctx context.Context) error {
	var errs []error
	if m.Coordinator != nil {
		if err := m.Coordinator.Registry().Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("password change registry: %w", err))
		}
	}
	if m.LastSeen != nil {
		done := make(chan struct{})
		go func() {
			m.LastSeen.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("last-seen updates: %w", ctx.Err()))
		}
	}
	if err := m.closeBackends(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// closeBackends runs closers in reverse order of creation
func (m *Module) closeBackends(ctx context.Context) error {
	var errs []error
	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	m.closers = nil
	return errors.Join(errs...)
}

func createAuditLogger(cfg config.AuditConfig) interfaces.AuditLogger {
	if !cfg.Enabled {
		return nil
	}
	return audit.NewZerologAuditLogger(cfg.Retention)
}

func createKMSProvider(ctx context.Context, settings *types.KMSConfig) (kms.Provider, error) {
	if settings == nil || settings.Provider == "" {
		return nil, nil
	}
	provider, err := kms.NewProvider(ctx, kms.ConfigFromSettings(*settings))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create KMS provider: %v", types.ErrConfiguration, err)
	}
	return provider, nil
}

func (m *Module) createCacheStorage(ctx context.Context, cfg config.CacheConfig) error {
	switch cfg.Backend {
	case config.CacheGarnet:
		adapter, err := storage.NewGarnetAdapterFromURL(cfg.URL, cfg.KeyPrefix)
		if err != nil {
			return fmt.Errorf("%w: %v", types.ErrConfiguration, err)
		}
		m.closers = append(m.closers, func(context.Context) error { return adapter.Close() })
		if err := adapter.Ping(ctx); err != nil {
			return fmt.Errorf("failed to reach cache: %w", err)
		}
		m.Cache = adapter
	default:
		opts := []storage.Option{storage.WithCleanupInterval(cfg.CleanupInterval)}
		if cfg.MaxSize > 0 {
			opts = append(opts, storage.WithMaxSize(cfg.MaxSize))
		}
		adapter := storage.NewMemoryAdapter(opts...)
		m.closers = append(m.closers, func(context.Context) error { return adapter.Shutdown() })
		m.Cache = adapter
	}
	return nil
}

func (m *Module) createRecordStore(ctx context.Context, cfg config.StoreConfig) error {
	switch cfg.Backend {
	case config.StoreMongoDB:
		var (
			records *store.MongoDBStore
			client  *mongo.Client
			err     error
		)
		if records, client, err = store.ConnectMongoDB(ctx, cfg.MongoURI, cfg.MongoDatabase); err != nil {
			return err
		}
		m.closers = append(m.closers, client.Disconnect)
		m.Records = records
	default:
		records, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return err
		}
		m.closers = append(m.closers, func(context.Context) error { return records.Close() })
		m.Records = records
	}
	return nil
}

func createIdentityProvider(cfg config.IdentityConfig, records interfaces.RecordStore) (interfaces.IdentityProvider, error) {
	switch cfg.Provider {
	case config.IdentityLocal:
		var opts []identity.LocalOption
		if cfg.TokenTTL > 0 {
			opts = append(opts, identity.WithTokenTTL(cfg.TokenTTL))
		}
		if cfg.RotateWithin > 0 {
			opts = append(opts, identity.WithRotateWithin(cfg.RotateWithin))
		}
		if cfg.BcryptCost > 0 {
			opts = append(opts, identity.WithBcryptCost(cfg.BcryptCost))
		}
		return identity.NewLocalProvider(records, []byte(cfg.TokenSecret), opts...)
	default:
		return identity.NewPocketBaseClient(cfg.PocketBaseURL, identity.WithRequestTimeout(cfg.Timeout))
	}
}
