package bootstrap

import (
	"context"
	"fmt"
)

// Bootstrap creates the DynamoDB tables used by the identity store.
// If CleanResources is true, deletes existing tables first to ensure clean state
// If CleanResources is false, creates tables only if they don't exist (preserves data)
func Bootstrap(ctx context.Context, cfg Config) (*Resources, error) {
	if cfg.DynamoClient == nil {
		return nil, fmt.Errorf("DynamoClient is required")
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev" // Default environment
	}

	resources := &Resources{}

	identitiesTable, err := CreateIdentitiesTable(ctx, cfg.DynamoClient, cfg.Environment, cfg.CleanResources)
	if err != nil {
		return nil, fmt.Errorf("failed to create DynamoDB tables: %w", err)
	}
	resources.TableNames.Identities = identitiesTable

	return resources, nil
}

// Cleanup deletes all resources created by Bootstrap
func Cleanup(ctx context.Context, cfg Config, res *Resources) error {
	if err := deleteTableIfExists(ctx, cfg.DynamoClient, res.TableNames.Identities); err != nil {
		return fmt.Errorf("failed to delete identities table: %w", err)
	}

	return nil
}
