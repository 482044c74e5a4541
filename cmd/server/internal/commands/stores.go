package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/chatgate/internal/bootstrap"
	"github.com/wolfeidau/chatgate/internal/store"
	awsstore "github.com/wolfeidau/chatgate/internal/store/aws"
	memorystore "github.com/wolfeidau/chatgate/internal/store/memory"
	postgresstore "github.com/wolfeidau/chatgate/internal/store/postgres"
)

const (
	localDynamoDBEndpoint = "http://localhost:4101"
	localRegion           = "us-east-1"
)

type AWSStoreFlags struct {
	// DynamoDB Configuration
	IdentitiesTable string `help:"DynamoDB table name for identities" env:"CHATGATE_AWS_IDENTITIES_TABLE"`

	// Endpoint override for local development
	DynamoDBEndpointURL string `help:"DynamoDB endpoint URL override (for DynamoDB Local)" default:"" env:"CHATGATE_AWS_DYNAMODB_ENDPOINT_URL"`
}

func (s *AWSStoreFlags) Validate() error {
	if s.IdentitiesTable == "" {
		return errors.New("DynamoDB identities table name is required (--aws-identities-table or CHATGATE_AWS_IDENTITIES_TABLE)")
	}
	return nil
}

type PostgresStoreFlags struct {
	// Connection Configuration
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	// Connection Pool Configuration
	MaxConns        int32 `help:"maximum number of connections in pool" default:"20"`
	MinConns        int32 `help:"minimum number of connections in pool" default:"2"`
	MaxConnLifetime int32 `help:"maximum connection lifetime in seconds" default:"3600"`
	MaxConnIdleTime int32 `help:"maximum connection idle time in seconds" default:"1800"`
	ConnectAttempts uint  `help:"attempts to reach the database on startup" default:"5"`

	// Migration Configuration
	AutoMigrate bool `help:"run database migrations on startup" default:"false" env:"CHATGATE_POSTGRES_AUTO_MIGRATE"`
}

func (s *PostgresStoreFlags) Validate() error {
	if s.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
	}
	return nil
}

// identityStore is the opened store plus its health probe and cleanup.
type identityStore struct {
	store  store.IdentityStore
	pinger store.Pinger
	close  func()
}

func (c *ServerCmd) createIdentityStore(ctx context.Context) (*identityStore, error) {
	switch c.StoreType {
	case "postgres":
		return c.createPostgresIdentityStore(ctx)
	case "aws":
		return c.createAWSIdentityStore(ctx)
	default:
		log.Info().Msg("Using in-memory identity store")
		return &identityStore{store: memorystore.NewIdentityStore(), close: func() {}}, nil
	}
}

func (c *ServerCmd) createPostgresIdentityStore(ctx context.Context) (*identityStore, error) {
	if err := c.PostgresStore.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate postgres flags: %w", err)
	}

	pool, err := postgresstore.NewPool(ctx, &postgresstore.PoolConfig{
		ConnString:      c.PostgresStore.ConnString,
		MaxConns:        c.PostgresStore.MaxConns,
		MinConns:        c.PostgresStore.MinConns,
		MaxConnLifetime: c.PostgresStore.MaxConnLifetime,
		MaxConnIdleTime: c.PostgresStore.MaxConnIdleTime,
		ConnectAttempts: c.PostgresStore.ConnectAttempts,
		AutoMigrate:     c.PostgresStore.AutoMigrate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create identity store pool: %w", err)
	}

	identities := postgresstore.NewIdentityStore(pool)
	log.Info().Bool("auto_migrate", c.PostgresStore.AutoMigrate).Msg("Using PostgreSQL identity store")

	return &identityStore{store: identities, pinger: identities, close: pool.Close}, nil
}

func (c *ServerCmd) createAWSIdentityStore(ctx context.Context) (*identityStore, error) {
	var opts []func(*config.LoadOptions) error
	if c.Development {
		opts = append(opts,
			config.WithRegion(localRegion),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "test")),
		)
		if c.AWSStore.DynamoDBEndpointURL == "" {
			c.AWSStore.DynamoDBEndpointURL = localDynamoDBEndpoint
		}
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	dynamoClientOpts := []func(*dynamodb.Options){}
	if c.AWSStore.DynamoDBEndpointURL != "" {
		dynamoClientOpts = append(dynamoClientOpts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(c.AWSStore.DynamoDBEndpointURL)
		})
	}
	dynamoClient := dynamodb.NewFromConfig(awsConfig, dynamoClientOpts...)

	if c.Development {
		log.Info().Msg("Development mode enabled - creating local DynamoDB tables")

		resources, err := bootstrap.Bootstrap(ctx, bootstrap.Config{
			DynamoClient:   dynamoClient,
			Environment:    "dev",
			CleanResources: c.DevelopmentClean,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to bootstrap development infrastructure: %w", err)
		}
		c.AWSStore.IdentitiesTable = resources.TableNames.Identities
	}

	if err := c.AWSStore.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate aws flags: %w", err)
	}

	identities := awsstore.NewIdentityStore(dynamoClient, c.AWSStore.IdentitiesTable)
	log.Info().Str("table", c.AWSStore.IdentitiesTable).Msg("Using DynamoDB identity store")

	return &identityStore{store: identities, pinger: identities, close: func() {}}, nil
}
