package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const tableWaitTimeout = 30 * time.Second

// CreateIdentitiesTable creates the identities table and returns its name.
// If cleanResources is true, deletes the existing table first to ensure clean state
// If cleanResources is false, reuses an existing table (preserves data)
func CreateIdentitiesTable(ctx context.Context, client *dynamodb.Client, env string, cleanResources bool) (string, error) {
	tableName := IdentitiesTableName(env)

	if err := createIdentitiesTable(ctx, client, tableName, cleanResources); err != nil {
		return "", fmt.Errorf("failed to create identities table: %w", err)
	}

	return tableName, nil
}

// CreateSingleIdentitiesTable creates the named identities table (exported for test usage)
// Always deletes existing table first to ensure clean state for tests
func CreateSingleIdentitiesTable(ctx context.Context, client *dynamodb.Client, tableName string) error {
	return createIdentitiesTable(ctx, client, tableName, true)
}

// DeleteTable removes a table if it exists.
func DeleteTable(ctx context.Context, client *dynamodb.Client, tableName string) error {
	return deleteTableIfExists(ctx, client, tableName)
}

// IdentitiesTableName returns the identities table name for an environment.
func IdentitiesTableName(env string) string {
	return fmt.Sprintf("%s_identities", env)
}

// createIdentitiesTable creates a table keyed on "id". Identity items and email
// reservation items ("email#<address>") share the key space.
func createIdentitiesTable(ctx context.Context, client *dynamodb.Client, tableName string, cleanResources bool) error {
	if cleanResources {
		if err := deleteTableIfExists(ctx, client, tableName); err != nil {
			return err
		}
	}

	input := &dynamodb.CreateTableInput{
		TableName: aws.String(tableName),
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("id"),
				KeyType:       types.KeyTypeHash,
			},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("id"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	}

	_, err := client.CreateTable(ctx, input)
	if err != nil {
		// If table already exists and we're not cleaning, that's OK
		var resourceInUse *types.ResourceInUseException
		if !cleanResources && errors.As(err, &resourceInUse) {
			return nil
		}
		return err
	}

	waiter := dynamodb.NewTableExistsWaiter(client)
	return waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(tableName),
	}, tableWaitTimeout)
}

// deleteTableIfExists attempts to delete a table if it exists
func deleteTableIfExists(ctx context.Context, client *dynamodb.Client, tableName string) error {
	_, err := client.DeleteTable(ctx, &dynamodb.DeleteTableInput{
		TableName: aws.String(tableName),
	})

	if err != nil {
		var resourceNotFound *types.ResourceNotFoundException
		if errors.As(err, &resourceNotFound) {
			return nil
		}
		return err
	}

	waiter := dynamodb.NewTableNotExistsWaiter(client)
	return waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(tableName),
	}, tableWaitTimeout)
}
