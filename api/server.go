package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/computersciencehouse/rankit/auth"
	"github.com/computersciencehouse/rankit/config"
	"github.com/computersciencehouse/rankit/database"
	"github.com/computersciencehouse/rankit/logging"
	"github.com/computersciencehouse/rankit/polls"
	"github.com/computersciencehouse/rankit/session"
	"github.com/computersciencehouse/rankit/sse"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	shutdownTimeout = 10 * time.Second
	sweepInterval   = time.Minute
)

type Server struct {
	config *config.Config
}

func NewServer(config *config.Config) *Server {
	return &Server{
		config: config,
	}
}

// Components is the wired object graph behind the HTTP surface.
type Components struct {
	Store       database.Store
	Broker      *sse.Broker
	Coordinator *polls.Coordinator
	Protocol    *session.Protocol
	Tokens      *auth.Tokens
	Engine      *gin.Engine
}

// Wire connects the components around store. The caller runs
// Broker.Listen.
func Wire(cfg *config.Config, store database.Store) *Components {
	broker := sse.NewBroker(cfg.Patience, cfg.Buffer)
	coordinator := polls.NewCoordinator(store, session.RoomPublisher{Broker: broker}, cfg.Duration)
	protocol := session.NewProtocol(coordinator, broker)
	tokens := auth.NewTokens(cfg.Secret, cfg.Duration)

	engine := NewRouter(cfg.Mode, cfg.AllowedOrigins)
	NewPollsController(coordinator, protocol, broker, tokens).RegisterRoutes(engine)

	return &Components{
		Store:       store,
		Broker:      broker,
		Coordinator: coordinator,
		Protocol:    protocol,
		Tokens:      tokens,
		Engine:      engine,
	}
}

func OpenStore(ctx context.Context, cfg *config.Config) (database.Store, error) {
	log := logging.Logger.WithFields(logrus.Fields{"module": "api", "method": "OpenStore", "driver": cfg.Driver})

	switch cfg.Driver {
	case config.DriverMongo:
		client, err := database.Connect(ctx, cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		return database.NewMongoStore(ctx, client, cfg.MongoDatabase, cfg.MongoCollection)

	case config.DriverDynamo:
		opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.DynamoRegion)}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, errors.Wrap(err, "load AWS config")
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.DynamoEndpoint != "" {
				o.BaseEndpoint = aws.String(cfg.DynamoEndpoint)
			}
		})
		log.WithField("table", cfg.DynamoTable).Info("using dynamodb")
		return database.NewDynamoStore(client, cfg.DynamoTable), nil

	case config.DriverMemory:
		log.Warn("using in-memory store, polls do not survive a restart")
		store := database.NewMemoryStore()
		go store.Run(ctx, sweepInterval)
		return store, nil
	}
	return nil, errors.Errorf("unknown store driver %q", cfg.Driver)
}

// Start serves until ctx is cancelled, then drains connections and closes
// the store.
func (s *Server) Start(ctx context.Context) error {
	store, err := OpenStore(ctx, s.config)
	if err != nil {
		return err
	}
	components := Wire(s.config, store)

	brokerCtx, stopBroker := context.WithCancel(context.Background())
	defer stopBroker()
	go components.Broker.Listen(brokerCtx)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: components.Engine,
	}

	errs := make(chan error, 1)
	go func() {
		logging.Logger.WithFields(logrus.Fields{"module": "api", "method": "Start", "port": s.config.Port}).Info("starting server")
		errs <- srv.ListenAndServe()
	}()

	select {
	case err = <-errs:
	case <-ctx.Done():
		logging.Logger.WithFields(logrus.Fields{"module": "api", "method": "Start"}).Info("shutting down")
		// Streams only end once the broker closes their clients.
		stopBroker()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = srv.Shutdown(shutdownCtx)
	}

	if cerr := store.Close(context.Background()); cerr != nil && err == nil {
		err = cerr
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
