package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/crowdpm/device-core/internal/pkg/application/access"
	"github.com/crowdpm/device-core/internal/pkg/application/dpop"
	"github.com/crowdpm/device-core/internal/pkg/application/ingest"
	"github.com/crowdpm/device-core/internal/pkg/application/lifecycle"
	"github.com/crowdpm/device-core/internal/pkg/application/pairing"
	"github.com/crowdpm/device-core/internal/pkg/application/ratelimit"
	"github.com/crowdpm/device-core/internal/pkg/application/registry"
	"github.com/crowdpm/device-core/internal/pkg/application/tokens"
	"github.com/crowdpm/device-core/internal/pkg/domain"
	"github.com/crowdpm/device-core/internal/pkg/infrastructure/eventbus"
	batchesrepo "github.com/crowdpm/device-core/internal/pkg/infrastructure/repositories/batches"
	countersrepo "github.com/crowdpm/device-core/internal/pkg/infrastructure/repositories/counters"
	lifecyclerepo "github.com/crowdpm/device-core/internal/pkg/infrastructure/repositories/lifecycle"
	pairingrepo "github.com/crowdpm/device-core/internal/pkg/infrastructure/repositories/pairing"
	registryrepo "github.com/crowdpm/device-core/internal/pkg/infrastructure/repositories/registry"
	"github.com/crowdpm/device-core/internal/pkg/infrastructure/router"
	"github.com/crowdpm/device-core/internal/pkg/presentation/api"
	"github.com/crowdpm/device-core/pkg/client"
	"github.com/crowdpm/device-core/pkg/types"
)

const serviceName string = "crowdpm-core"

var (
	opaFilePath        string
	visibilityPath     string
	severityConfigPath string
	webhookConfigPath  string
	trustedModelsPath  string
	activationBaseURL  string
	blobBaseURL        string
	blobTokenURL       string
	useSharedReplaySet bool
)

func main() {
	serviceVersion := buildinfo.SourceVersion()
	ctx, logger, cleanup := o11y.Init(context.Background(), serviceName, serviceVersion)
	defer cleanup()

	flag.StringVar(&opaFilePath, "policies", "/opt/crowdpm/config/authz.rego", "an authorization policy file")
	flag.StringVar(&visibilityPath, "visibility", "/opt/crowdpm/config/visibility.yaml", "the ingest visibility policy document")
	flag.StringVar(&severityConfigPath, "severity", "/opt/crowdpm/config/severity.csv", "lifecycle event severity routing table")
	flag.StringVar(&webhookConfigPath, "webhooks", "/opt/crowdpm/config/webhooks.yaml", "lifecycle event webhook subscriber document")
	flag.StringVar(&trustedModelsPath, "trusted-models", "/opt/crowdpm/config/trusted-models.csv", "rate-limit-exempt device models")
	flag.StringVar(&activationBaseURL, "activation-base-url", "https://crowdpm.example/activate", "the human-readable activation URI template")
	flag.StringVar(&blobBaseURL, "blob-base-url", "", "base URL of the Blob Store that accepted ingest batches are sealed into")
	flag.StringVar(&blobTokenURL, "blob-token-url", "", "OAuth2 token URL used to authenticate against the Blob Store")
	flag.BoolVar(&useSharedReplaySet, "shared-replay-set", os.Getenv("CROWDPM_SQLDB_HOST") != "", "back the DPoP replay set with the shared database instead of an in-process map")
	flag.Parse()

	apiPort := fmt.Sprintf(":%s", env.GetVariableOrDefault(logger, "SERVICE_PORT", "8080"))

	keys := setupSigningKeyOrDie(logger)
	signingKeyLoaded := keys != nil

	pairingDB := setupPairingRepositoryOrDie(logger)
	registryDB := setupRegistryRepositoryOrDie(logger)
	replaySet := setupReplaySetOrDie(logger)

	messenger := setupMessagingOrDie(logger)
	bus := eventbus.New(messenger)

	clock := domain.RealClock{}

	verifier := dpop.NewVerifier(dpop.DefaultConfig(), clock, replaySet)
	minter := tokens.NewMinter(keys, tokens.DefaultConfig(), clock)
	validator := tokens.NewValidator(keys, clock)

	limiter := ratelimit.NewTokenBucket()
	seedTrustedModelExemptions(logger, limiter)

	reg := registry.New(registryDB, bus, clock)

	coordinator := pairing.NewCoordinator(pairingDB, verifier, minter, validator, reg, limiter, bus, clock, pairing.DefaultConfig(activationBaseURL))
	issuer := access.New(verifier, minter, reg, limiter, access.DefaultConfig())

	blobStore := setupBlobStoreOrDie(ctx, logger)
	batchStore := setupBatchesRepositoryOrDie(ctx, logger)
	visibility := setupVisibilityPolicyOrDie(logger)

	gateway := ingest.NewGateway(validator, verifier, reg, blobStore, batchStore, bus, visibility, clock, ingest.DefaultConfig())

	notifier := setupLifecycleNotifier(logger, messenger)

	done := make(chan struct{})
	go runGC(ctx, logger, pairingDB, done)
	go runBatchReconciliation(ctx, logger, batchStore, bus, clock, done)
	defer close(done)

	r := router.New(serviceName)

	policies, err := os.Open(opaFilePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("unable to open opa policy file")
	}
	defer policies.Close()

	api.RegisterHandlers(logger, r, policies, coordinator, reg, issuer, gateway, notifier, signingKeyLoaded, serviceVersion)

	if err := http.ListenAndServe(apiPort, r); err != nil {
		logger.Fatal().Err(err).Msg("failed to start router")
	}
}

func setupSigningKeyOrDie(logger zerolog.Logger) tokens.KeyStore {
	raw := os.Getenv("TOKEN_SIGNING_PRIVATE_KEY")
	if raw == "" {
		logger.Warn().Msg("TOKEN_SIGNING_PRIVATE_KEY not set, health check will report unready")
		return nil
	}

	keys, err := tokens.NewStaticKeyStore([]byte(raw))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load token signing key")
	}
	return keys
}

func setupPairingRepositoryOrDie(logger zerolog.Logger) pairing.Store {
	var connect pairingrepo.ConnectorFunc
	if os.Getenv("CROWDPM_SQLDB_HOST") != "" {
		connect = pairingrepo.NewPostgreSQLConnector(logger)
	} else {
		logger.Info().Msg("no sql database configured, using builtin sqlite for pairing sessions")
		connect = pairingrepo.NewSQLiteConnector(logger)
	}

	store, err := pairingrepo.New(connect)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to pairing database")
	}
	return store
}

func setupRegistryRepositoryOrDie(logger zerolog.Logger) registry.Store {
	var connect registryrepo.ConnectorFunc
	if os.Getenv("CROWDPM_SQLDB_HOST") != "" {
		connect = registryrepo.NewPostgreSQLConnector(logger)
	} else {
		logger.Info().Msg("no sql database configured, using builtin sqlite for the device registry")
		connect = registryrepo.NewSQLiteConnector(logger)
	}

	store, err := registryrepo.New(connect)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to registry database")
	}
	return store
}

// openSharedDB opens a plain gorm connection to the same CROWDPM_SQLDB_*
// host the pairing/registry repositories use, so counters.SharedReplaySet
// can run its own AutoMigrate against it without those packages exposing
// their private *gorm.DB.
func openSharedDB(logger zerolog.Logger) (*gorm.DB, error) {
	dbHost := os.Getenv("CROWDPM_SQLDB_HOST")
	username := os.Getenv("CROWDPM_SQLDB_USER")
	dbName := os.Getenv("CROWDPM_SQLDB_NAME")
	password := os.Getenv("CROWDPM_SQLDB_PASSWORD")
	sslMode := env.GetVariableOrDefault(logger, "CROWDPM_SQLDB_SSLMODE", "require")

	dbURI := fmt.Sprintf("host=%s user=%s dbname=%s sslmode=%s password=%s", dbHost, username, dbName, sslMode, password)

	sublogger := logger.With().Str("host", dbHost).Str("database", dbName).Logger()
	return gorm.Open(postgres.Open(dbURI), &gorm.Config{
		Logger: gormlogger.New(&sublogger, gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
}

// setupReplaySetOrDie resolves DESIGN.md's Open Question #1: a single
// instance runs fine against MemoryReplaySet, but more than one instance
// behind a load balancer needs the shared, database-backed set so a jti
// replayed against instance B is still caught.
func setupReplaySetOrDie(logger zerolog.Logger) dpop.ReplaySet {
	if !useSharedReplaySet {
		set := dpop.NewMemoryReplaySet()
		go set.RunJanitor(context.Background(), time.Minute)
		return set
	}

	db, err := openSharedDB(logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to shared replay-set database")
	}

	set, err := countersrepo.NewSharedReplaySet(db)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate shared replay-set table")
	}

	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			if n, err := set.Sweep(context.Background()); err != nil {
				logger.Error().Err(err).Msg("failed to sweep shared replay set")
			} else if n > 0 {
				logger.Debug().Msgf("swept %d expired replay keys", n)
			}
		}
	}()

	return set
}

func setupMessagingOrDie(logger zerolog.Logger) messaging.MsgContext {
	config := messaging.LoadConfiguration(serviceName, logger)
	messenger, err := messaging.Initialize(config)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init messenger")
	}
	return messenger
}

func setupBlobStoreOrDie(ctx context.Context, logger zerolog.Logger) ingest.BlobStore {
	if blobBaseURL == "" || blobTokenURL == "" {
		logger.Fatal().Msg("-blob-base-url and -blob-token-url are required")
	}

	clientID := os.Getenv("BLOB_STORE_CLIENT_ID")
	clientSecret := os.Getenv("BLOB_STORE_CLIENT_SECRET")

	blobStore, err := client.New(ctx, blobBaseURL, blobTokenURL, false, clientID, clientSecret, false)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create blob store client")
	}
	return blobStore
}

func setupBatchesRepositoryOrDie(ctx context.Context, logger zerolog.Logger) *batchesrepo.Store {
	cfg := batchesrepo.LoadConfiguration(ctx)
	store, err := batchesrepo.New(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to batches database")
	}
	if err := store.CreateTables(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to create batches tables")
	}
	return store
}

func setupVisibilityPolicyOrDie(logger zerolog.Logger) ingest.VisibilityPolicy {
	f, err := os.Open(visibilityPath)
	if err != nil {
		logger.Warn().Err(err).Msg("no visibility policy document found, defaulting every batch to private")
		policy, perr := ingest.NewYAMLVisibilityPolicy(strings.NewReader(""))
		if perr != nil {
			logger.Fatal().Err(perr).Msg("failed to build default visibility policy")
		}
		return policy
	}
	defer f.Close()

	policy, err := ingest.NewYAMLVisibilityPolicy(f)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse visibility policy document")
	}
	return policy
}

// seedTrustedModelExemptions loads SPEC_FULL §12's CSV of device models
// exempt from per-model rate limiting, the same `;`-delimited,
// header-skip convention as lifecycle.LoadConfiguration's severity table.
func seedTrustedModelExemptions(logger zerolog.Logger, limiter *ratelimit.TokenBucket) {
	f, err := os.Open(trustedModelsPath)
	if err != nil {
		logger.Info().Msg("no trusted-models file found, no rate-limit exemptions seeded")
		return
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = ';'

	rows, err := r.ReadAll()
	if err != nil {
		logger.Error().Err(err).Msg("failed to read trusted-models file")
		return
	}

	var keys []string
	for i, row := range rows {
		if i == 0 || len(row) < 1 {
			continue
		}
		model := strings.TrimSpace(row[0])
		if model == "" {
			continue
		}
		keys = append(keys, "start:model:"+model)
	}

	if len(keys) > 0 {
		limiter.Exempt(keys...)
		logger.Info().Msgf("seeded %d rate-limit exemptions", len(keys))
	}
}

func setupLifecycleNotifier(logger zerolog.Logger, messenger messaging.MsgContext) lifecycle.Notifier {
	var connect lifecyclerepo.ConnectorFunc
	if os.Getenv("CROWDPM_SQLDB_HOST") != "" {
		connect = lifecyclerepo.NewPostgreSQLConnector(logger)
	} else {
		connect = lifecyclerepo.NewSQLiteConnector(logger)
	}

	recorder, err := lifecyclerepo.New(connect)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to lifecycle events database")
	}

	cfg := lifecycle.LoadConfiguration(severityConfigPath)

	var webhookCfg *lifecycle.WebhookConfig
	if f, err := os.Open(webhookConfigPath); err == nil {
		defer f.Close()
		webhookCfg, err = lifecycle.LoadWebhookConfiguration(f)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to parse webhook configuration")
		}
	} else {
		logger.Info().Msg("no webhook configuration found, lifecycle events will not fan out externally")
	}

	return lifecycle.New(recorder, messenger, cfg, lifecycle.NewWebhookSender(webhookCfg))
}

// runBatchReconciliation is the out-of-band scan of spec.md §4.6: batches
// whose event-bus publish failed at request time (ingest.Gateway.Ingest
// logs and returns an error, but the blob write and the batch record
// already committed) are re-published here, the same ticker-driven
// background-loop shape as runGC.
func runBatchReconciliation(ctx context.Context, logger zerolog.Logger, store *batchesrepo.Store, bus *eventbus.Bus, clock domain.Clock, done <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Minute)
	defer ticker.Stop()

	const staleAfter = time.Minute
	const batchLimit = 100

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			stale, err := store.ListUnpublished(ctx, clock.Now().Add(-staleAfter), batchLimit)
			if err != nil {
				logger.Error().Err(err).Msg("failed to list unpublished batches")
				continue
			}

			for _, b := range stale {
				now := clock.Now()
				err := bus.Publish(ctx, &types.IngestRawReceived{
					DeviceID:    b.DeviceID,
					BatchID:     b.BatchID,
					Path:        b.StoragePath,
					Visibility:  b.Visibility,
					PublishedAt: now,
				})
				if err != nil {
					logger.Error().Err(err).Str("batch_id", b.BatchID).Msg("reconciliation re-publish failed, will retry next scan")
					continue
				}

				if err := store.MarkPublished(ctx, b.BatchID, now); err != nil {
					logger.Error().Err(err).Str("batch_id", b.BatchID).Msg("failed to mark reconciled batch published")
				}
			}

			if len(stale) > 0 {
				logger.Info().Msgf("reconciliation re-published %d batches", len(stale))
			}
		}
	}
}

// runGC periodically evicts expired pairing sessions, mirroring the
// teacher's application.Watchdog background-worker shape
// (internal/pkg/application/watchdog.go).
func runGC(ctx context.Context, logger zerolog.Logger, store pairing.Store, done <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			n, err := store.DeleteExpired(ctx, 3600)
			if err != nil {
				logger.Error().Err(err).Msg("failed to delete expired pairing sessions")
				continue
			}
			if n > 0 {
				logger.Debug().Msgf("deleted %d expired pairing sessions", n)
			}
		}
	}
}
