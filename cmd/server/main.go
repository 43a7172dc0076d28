package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/qcom/accounts/internal/config"
	"github.com/qcom/accounts/internal/handlers"
	"github.com/qcom/accounts/internal/httputil"
	"github.com/qcom/accounts/internal/metrics"
	"github.com/qcom/accounts/internal/middleware"
	"github.com/qcom/accounts/internal/repository"
	"github.com/qcom/accounts/internal/service"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.WithError(err).Warn("Failed to read .env file")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	} else {
		logger.WithField("level", cfg.Log.Level).Warn("Unknown LOG_LEVEL, using info")
	}

	accountRepo, closer, err := initStore(cfg, logger)
	if err != nil {
		logger.WithError(err).WithField("backend", cfg.Store.Backend).Fatal("Failed to initialize store")
	}
	defer closer.Close()

	codec, err := service.NewTokenCodec(&cfg.JWT)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize token codec")
	}

	m := metrics.New()

	issuer := service.NewTokenIssuer(accountRepo, codec, logger)
	verifier := service.NewTokenVerifier(accountRepo, codec, logger)
	rotator := service.NewRefreshRotator(accountRepo, codec, issuer, logger)
	terminator := service.NewSessionTerminator(accountRepo, logger)
	accountService := service.NewAccountService(accountRepo, issuer, terminator, cfg.Auth, logger)

	authHandlers := handlers.NewAuthHandlers(
		accountService,
		rotator,
		terminator,
		httputil.NewCookies(cfg.Cookie, codec.AccessExpiry(), codec.RefreshExpiry()),
		m,
		logger,
	)

	authMiddleware := middleware.NewAuthMiddleware(verifier, m, logger)
	router := setupRouter(authHandlers, authMiddleware, m, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      middleware.CORSMiddleware(cfg.Server.AllowedOrigins, logger)(router),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"port":    cfg.Server.Port,
			"backend": cfg.Store.Backend,
		}).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}

	logger.Info("Server exited")
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func initStore(cfg *config.Config, logger *logrus.Logger) (repository.AccountRepository, io.Closer, error) {
	switch cfg.Store.Backend {
	case config.StoreRedis:
		client, err := initRedis(cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return repository.NewRedisAccountRepository(client, cfg.Redis.KeyPrefix, logger), client, nil

	case config.StorePostgres:
		db, err := initPostgres(cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return repository.NewPostgresAccountRepository(db, logger), db, nil

	default:
		client, err := initDynamoDB(cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return repository.NewDynamoDBAccountRepository(client, cfg.DynamoDB.TableName, logger), nopCloser{}, nil
	}
}

func initDynamoDB(cfg *config.Config, logger *logrus.Logger) (*dynamodb.Client, error) {
	var awsCfg aws.Config
	var err error

	if cfg.DynamoDB.Endpoint != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.TODO(),
			awsconfig.WithRegion(cfg.DynamoDB.Region),
			awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
				func(service, region string, options ...interface{}) (aws.Endpoint, error) {
					return aws.Endpoint{
						URL:           cfg.DynamoDB.Endpoint,
						SigningRegion: cfg.DynamoDB.Region,
					}, nil
				})),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.TODO(), awsconfig.WithRegion(cfg.DynamoDB.Region))
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg)
	logger.WithField("table", cfg.DynamoDB.TableName).Info("DynamoDB client initialized")
	return client, nil
}

func initRedis(cfg *config.Config, logger *logrus.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Endpoint,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.WithField("endpoint", cfg.Redis.Endpoint).Info("Redis client initialized")
	return client, nil
}

func initPostgres(cfg *config.Config, logger *logrus.Logger) (*sql.DB, error) {
	ctx := context.Background()

	db, err := repository.OpenPostgres(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.Postgres.RunMigrations {
		if err := repository.RunMigrations(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		logger.Info("Database migrations applied")
	}

	logger.Info("Postgres connection initialized")
	return db, nil
}

func setupRouter(
	authHandlers *handlers.AuthHandlers,
	authMiddleware *middleware.AuthMiddleware,
	m *metrics.Metrics,
	logger *logrus.Logger,
) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.MetricsMiddleware(m))
	middleware.InstrumentUnmatched(router, logger, m)

	router.HandleFunc("/health", handlers.Health).Methods("GET")
	router.Handle("/metrics", m.Handler()).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	authHandlers.RegisterRoutes(api, authMiddleware.RequireAuth)

	return router
}
