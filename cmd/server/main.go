// MyCloud Server
//
// Features:
// - Prometheus metrics & structured logging (zap)
// - Per-owner file trees in PostgreSQL (or memory)
// - Encrypted blobs on S3, MinIO or local disk
// - Chunked large uploads and ordered replay
// - SSE change stream
// - JWT/OIDC auth and per-owner rate limiting
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mycloud/mycloud/internal/api"
	"github.com/mycloud/mycloud/internal/auth"
	"github.com/mycloud/mycloud/internal/blobstore"
	"github.com/mycloud/mycloud/internal/blobstore/local"
	"github.com/mycloud/mycloud/internal/blobstore/minio"
	s3backend "github.com/mycloud/mycloud/internal/blobstore/s3"
	"github.com/mycloud/mycloud/internal/config"
	"github.com/mycloud/mycloud/internal/events"
	"github.com/mycloud/mycloud/internal/files"
	"github.com/mycloud/mycloud/internal/lock"
	"github.com/mycloud/mycloud/internal/logging"
	"github.com/mycloud/mycloud/internal/metadata/memstore"
	"github.com/mycloud/mycloud/internal/metadata/postgres"
	"github.com/mycloud/mycloud/internal/metrics"
	"github.com/mycloud/mycloud/internal/ratelimit"
	"github.com/mycloud/mycloud/internal/retry"
	"github.com/mycloud/mycloud/internal/transfer"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("MyCloud Server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metadata
	var repo files.Repository
	var pgStore *postgres.Store
	switch cfg.MetadataBackend {
	case "postgres":
		logging.Info("connecting to PostgreSQL...")
		pgStore, err = postgres.New(cfg.DatabaseURL)
		if err != nil {
			logging.Fatal("database connection failed", zap.Error(err))
		}
		defer pgStore.Close()

		logging.Info("running migrations...")
		if err := pgStore.Migrate(ctx); err != nil {
			logging.Fatal("migration failed", zap.Error(err))
		}
		repo = pgStore
	default:
		logging.Warn("using in-memory metadata, nothing survives a restart")
		repo = memstore.New()
	}

	// Blob storage
	backend, err := blobstore.NewBackendFromConfig(ctx, cfg.BlobBackend, blobBackendConfig(cfg))
	if err != nil {
		logging.Fatal("blob backend init failed", zap.Error(err))
	}
	blobs := blobstore.NewClient(backend, blobstore.ClientOptions{LinkTTL: cfg.LinkTTL})
	defer blobs.Close()
	logging.Info("blob store initialized", zap.String("backend", backend.Type()))

	// Directory locks
	var locker lock.Locker
	if cfg.LockBackend == "redis" {
		rdb, err := lock.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logging.Fatal("redis connection failed", zap.Error(err))
		}
		defer rdb.Close()
		locker = lock.NewRedisLocker(rdb, "mycloud:lock:", cfg.LockTTL)
		logging.Info("redis directory locks enabled")
	}

	// Initialize auth
	authHandler := auth.New(cfg.JWTSecret)
	oidcProvider, err := auth.NewOIDCProvider(ctx, auth.OIDCConfig{
		IssuerURL: cfg.OIDCIssuerURL,
		ClientID:  cfg.OIDCClientID,
	})
	if err != nil {
		logging.Fatal("OIDC provider init failed", zap.Error(err))
	}
	if oidcProvider != nil {
		authHandler.SetOIDCProvider(oidcProvider)
		logging.Info("OIDC enabled", zap.String("issuer", cfg.OIDCIssuerURL))
	}

	// Initialize SSE broadcaster
	broadcaster := events.NewBroadcaster()

	fileService := files.NewService(repo, blobs, locker,
		files.WithStaleAfter(cfg.LinkRefreshAfter),
		files.WithPublisher(broadcaster))
	downloadRetry := retry.DefaultPolicy()
	downloadRetry.MaxAttempts = cfg.DownloadAttempts
	transferService := transfer.NewService(fileService, blobs, transfer.Options{
		ChunkThreshold: cfg.ChunkThreshold,
		TempDir:        cfg.TempDir,
		Retry:          downloadRetry,
	})
	rateLimiter := ratelimit.New(cfg.RequestsPerMinute)

	srv := api.NewServer(api.Config{
		Files:         fileService,
		Transfer:      transferService,
		Auth:          authHandler,
		Limiter:       rateLimiter,
		Broadcaster:   broadcaster,
		MaxUploadSize: cfg.MaxUploadSize,
		TempDir:       cfg.TempDir,
	})

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
		defer done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("graceful shutdown incomplete", zap.Error(err))
			httpServer.Close()
		}
		metricsServer.Close()
	}()

	// Start periodic metrics update
	if pgStore != nil {
		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					pgStore.UpdateConnectionMetrics()
				}
			}
		}()
	}

	// Start periodic rate limiter cleanup
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rateLimiter.Cleanup(24 * time.Hour)
			}
		}
	}()

	logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
	<-stopped

	// Let detached link refreshes land before the store closes.
	fileService.Wait()
	logging.Info("server stopped")
}

func blobBackendConfig(cfg *config.Config) json.RawMessage {
	var raw []byte
	switch cfg.BlobBackend {
	case "s3":
		raw, _ = json.Marshal(s3backend.BackendConfig{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
		})
	case "minio":
		raw, _ = json.Marshal(minio.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
	default:
		raw, _ = json.Marshal(local.Config{
			RootPath:   cfg.LocalStoragePath,
			CreateDirs: true,
		})
	}
	return raw
}
