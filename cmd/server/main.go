package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/strydr/strydr-auth/auth"
	"github.com/strydr/strydr-auth/authcode"
	"github.com/strydr/strydr-auth/clients"
	"github.com/strydr/strydr-auth/credentials"
	"github.com/strydr/strydr-auth/internal/config"
	"github.com/strydr/strydr-auth/ratelimit"
	"github.com/strydr/strydr-auth/server"
	"github.com/strydr/strydr-auth/storage/postgres"
	"github.com/strydr/strydr-auth/tenantcrypto"
	"github.com/strydr/strydr-auth/token"
	"github.com/strydr/strydr-auth/token/keys"
	"github.com/strydr/strydr-auth/token/refresh"
)

const gcInterval = time.Hour

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if config.New().GetEnv() == "DEV" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
	log.Info().Msg("server stopped")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("recovered from panic")
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	cfg := config.New()
	displayAppname(cfg.GetAppName())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := buildStores(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "[run] build stores")
	}

	keyManager, err := keys.NewManager(ctx, deps.keys,
		keys.WithGraceWindow(cfg.GetKeyGraceWindow()),
		keys.WithMaxTokenLifetime(cfg.GetAccessTokenExpiry()))
	if err != nil {
		return errors.Wrap(err, "[run] key manager")
	}

	codec, err := token.NewCodec(keyManager, cfg.GetBaseURL(),
		token.WithExpiry(cfg.GetAccessTokenExpiry()),
		token.WithLeeway(cfg.GetExpiryLeeway()))
	if err != nil {
		return errors.Wrap(err, "[run] token codec")
	}

	registry, err := clients.NewRegistry(deps.clients)
	if err != nil {
		return errors.Wrap(err, "[run] client registry")
	}
	codeStore, err := authcode.NewStore(deps.codes,
		authcode.WithLifetime(cfg.GetAuthCodeTimeout()),
		authcode.WithCodeLength(cfg.GetCodeGenerationLength()))
	if err != nil {
		return errors.Wrap(err, "[run] code store")
	}
	refreshStore, err := refresh.NewStore(deps.refresh,
		refresh.WithLifetime(cfg.GetRefreshTokenExpiry()),
		refresh.WithTokenLength(cfg.GetRefreshTokenLength()))
	if err != nil {
		return errors.Wrap(err, "[run] refresh store")
	}

	cipher, err := buildCipher(cfg)
	if err != nil {
		return errors.Wrap(err, "[run] tenant cipher")
	}
	credentialStore, err := credentials.NewStore(deps.credentials, cipher)
	if err != nil {
		return errors.Wrap(err, "[run] credential store")
	}

	gate := ratelimit.NewBucketGate(ratelimit.Limits{
		RegisterPerMinute:  cfg.GetRegisterRatePerMinute(),
		AuthorizePerMinute: cfg.GetAuthorizeRatePerMinute(),
		TokenPerMinute:     cfg.GetTokenRatePerMinute(),
	})

	authService, err := auth.NewAuthorizationService(auth.Stores{
		Clients: registry,
		Codes:   codeStore,
		Refresh: refreshStore,
	}, codec, auth.WithRateGate(gate))
	if err != nil {
		return errors.Wrap(err, "[run] authorization service")
	}

	httpServer := &http.Server{
		Addr:    cfg.GetPort(),
		Handler: server.New(cfg, authService, registry, keyManager,
			server.WithRateGate(gate),
			server.WithCredentialStore(credentialStore)),
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info().Str("addr", httpServer.Addr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "[run] listen and serve")
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	group.Go(func() error {
		return rotateKeysLoop(groupCtx, keyManager, cfg.GetKeyRotationInterval())
	})

	group.Go(func() error {
		return sweepExpiredLoop(groupCtx, codeStore, refreshStore, keyManager)
	})

	return group.Wait()
}

// rotateKeysLoop rotates the signing key on a fixed interval. The previous
// key stays verification-eligible through the grace window, so in-flight
// tokens keep validating across the rotation.
func rotateKeysLoop(ctx context.Context, manager *keys.Manager, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pair, err := manager.Rotate(ctx)
			if err != nil {
				log.Error().Err(err).Msg("key rotation failed")
				continue
			}
			log.Info().Str("kid", pair.KID).Msg("signing key rotated")
		}
	}
}

// sweepExpiredLoop reclaims storage for expired codes, tokens and pruned
// keys. Expiry is enforced at lookup; this only keeps tables small.
func sweepExpiredLoop(ctx context.Context, codes *authcode.Store, tokens *refresh.Store, manager *keys.Manager) error {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := codes.DeleteExpired(ctx); err != nil {
				log.Error().Err(err).Msg("code sweep failed")
			} else if n > 0 {
				log.Info().Int64("deleted", n).Msg("swept expired authorization codes")
			}
			if n, err := tokens.DeleteExpired(ctx); err != nil {
				log.Error().Err(err).Msg("refresh token sweep failed")
			} else if n > 0 {
				log.Info().Int64("deleted", n).Msg("swept expired refresh tokens")
			}
			if err := manager.Prune(ctx); err != nil {
				log.Error().Err(err).Msg("key prune failed")
			}
		}
	}
}

type storeDeps struct {
	clients     clients.Repo
	codes       authcode.Repo
	refresh     refresh.Repo
	keys        keys.Repo
	credentials credentials.Repo
}

// buildCipher loads the root encryption secret. The secret is injected via
// STRYDR_ROOT_ENCRYPTION_KEY; without it a fresh secret is generated for
// this process only, which makes previously stored credentials unreadable.
func buildCipher(cfg config.Config) (*tenantcrypto.Cipher, error) {
	encoded := cfg.GetRootEncryptionKey()
	if encoded == "" {
		root, err := tenantcrypto.GenerateRootSecret()
		if err != nil {
			return nil, err
		}
		log.Warn().Msg("STRYDR_ROOT_ENCRYPTION_KEY not set, generated an ephemeral root secret; stored credentials will not survive a restart")
		return tenantcrypto.NewCipher(root)
	}
	root, err := tenantcrypto.RootSecretFromBase64(encoded)
	if err != nil {
		return nil, err
	}
	return tenantcrypto.NewCipher(root)
}

// buildStores selects postgres when DATABASE_URL is set and falls back to
// in-memory stores for development.
func buildStores(ctx context.Context, cfg config.Config) (*storeDeps, error) {
	databaseURL := cfg.GetDatabaseURL()
	if databaseURL == "" {
		log.Warn().Msg("DATABASE_URL not set, using in-memory storage")
		return &storeDeps{
			clients:     clients.NewInMemoryRepo(),
			codes:       authcode.NewInMemoryRepo(),
			refresh:     refresh.NewInMemoryRepo(),
			keys:        keys.NewInMemoryRepo(),
			credentials: credentials.NewInMemoryRepo(),
		}, nil
	}

	if err := postgres.RunMigrations(ctx, databaseURL); err != nil {
		return nil, errors.Wrap(err, "[buildStores] migrations")
	}
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "[buildStores] pool")
	}

	return &storeDeps{
		clients:     postgres.NewClientRepo(pool),
		codes:       postgres.NewAuthCodeRepo(pool),
		refresh:     postgres.NewRefreshRepo(pool),
		keys:        postgres.NewKeysRepo(pool),
		credentials: postgres.NewCredentialsRepo(pool),
	}, nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
