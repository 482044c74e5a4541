package aws

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/chatgate/internal/models"
	"github.com/wolfeidau/chatgate/internal/store"
)

var _ store.IdentityStore = (*IdentityStore)(nil)

// emailPrefix marks the items that reserve an email address. They share the table
// with identities so registration can claim both in one transaction.
const emailPrefix = "email#"

// identityRecord is the DynamoDB representation of an identity.
type identityRecord struct {
	ID            string `dynamodbav:"id"`
	DisplayName   string `dynamodbav:"display_name"`
	Email         string `dynamodbav:"email,omitempty"`
	IsGuest       bool   `dynamodbav:"is_guest"`
	DownstreamKey string `dynamodbav:"downstream_key,omitempty"`
	PlanName      string `dynamodbav:"plan_name"`
	CreatedAt     int64  `dynamodbav:"created_at"` // unix millis
	UpdatedAt     int64  `dynamodbav:"updated_at"` // unix millis
}

// emailRecord reserves a lowercased email for one identity.
type emailRecord struct {
	ID         string `dynamodbav:"id"`
	IdentityID string `dynamodbav:"identity_id"`
}

func toRecord(identity *models.Identity) *identityRecord {
	rec := &identityRecord{
		ID:            identity.ID.String(),
		DisplayName:   identity.DisplayName,
		IsGuest:       identity.IsGuest,
		DownstreamKey: identity.DownstreamKey,
		PlanName:      identity.PlanName,
		CreatedAt:     identity.CreatedAt.UnixMilli(),
		UpdatedAt:     identity.UpdatedAt.UnixMilli(),
	}
	if identity.Email != nil {
		rec.Email = *identity.Email
	}
	return rec
}

func (r *identityRecord) toModel() (*models.Identity, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid identity id %q: %w", r.ID, err)
	}

	identity := &models.Identity{
		ID:            id,
		DisplayName:   r.DisplayName,
		IsGuest:       r.IsGuest,
		DownstreamKey: r.DownstreamKey,
		PlanName:      r.PlanName,
		CreatedAt:     time.UnixMilli(r.CreatedAt),
		UpdatedAt:     time.UnixMilli(r.UpdatedAt),
	}
	if r.Email != "" {
		email := r.Email
		identity.Email = &email
	}
	return identity, nil
}

// IdentityStore is a DynamoDB implementation of store.IdentityStore.
type IdentityStore struct {
	client    *dynamodb.Client
	tableName string
}

// NewIdentityStore creates a new DynamoDB identity store. The table is keyed on a
// string hash key named "id".
func NewIdentityStore(client *dynamodb.Client, tableName string) *IdentityStore {
	return &IdentityStore{
		client:    client,
		tableName: tableName,
	}
}

// Ping checks the table is reachable.
func (s *IdentityStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.tableName)})
	return wrapAWSError(err, "failed to describe identities table")
}

// Create stores a new identity. Registered identities also reserve their email.
func (s *IdentityStore) Create(ctx context.Context, identity *models.Identity) error {
	now := time.Now()
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = now
	}
	if identity.UpdatedAt.IsZero() {
		identity.UpdatedAt = now
	}
	if identity.PlanName == "" {
		identity.PlanName = models.DefaultPlan
	}

	item, err := attributevalue.MarshalMap(toRecord(identity))
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}

	if identity.Email == nil {
		_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(s.tableName),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(id)"),
		})
	} else {
		var reservation map[string]types.AttributeValue
		reservation, err = attributevalue.MarshalMap(&emailRecord{
			ID:         emailPrefix + emailKey(*identity.Email),
			IdentityID: identity.ID.String(),
		})
		if err != nil {
			return fmt.Errorf("failed to marshal email reservation: %w", err)
		}

		_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: []types.TransactWriteItem{
				{Put: &types.Put{
					TableName:           aws.String(s.tableName),
					Item:                item,
					ConditionExpression: aws.String("attribute_not_exists(id)"),
				}},
				{Put: &types.Put{
					TableName:           aws.String(s.tableName),
					Item:                reservation,
					ConditionExpression: aws.String("attribute_not_exists(id)"),
				}},
			},
		})
	}
	if err != nil {
		if isConditionFailed(err) {
			return store.ErrIdentityAlreadyExists
		}
		return wrapAWSError(err, "failed to create identity")
	}

	log.Debug().
		Str("identity_id", identity.ID.String()).
		Bool("is_guest", identity.IsGuest).
		Msg("identity created")

	return nil
}

// Get retrieves an identity by ID.
func (s *IdentityStore) Get(ctx context.Context, id uuid.UUID) (*models.Identity, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            identityKey(id.String()),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, wrapAWSError(err, "failed to get identity")
	}

	if result.Item == nil {
		return nil, store.ErrIdentityNotFound
	}

	var rec identityRecord
	if err := attributevalue.UnmarshalMap(result.Item, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal identity: %w", err)
	}

	return rec.toModel()
}

// GetByEmail resolves the email reservation and then loads the identity.
func (s *IdentityStore) GetByEmail(ctx context.Context, email string) (*models.Identity, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            identityKey(emailPrefix + emailKey(email)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, wrapAWSError(err, "failed to get email reservation")
	}

	if result.Item == nil {
		return nil, store.ErrIdentityNotFound
	}

	var rec emailRecord
	if err := attributevalue.UnmarshalMap(result.Item, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal email reservation: %w", err)
	}

	id, err := uuid.Parse(rec.IdentityID)
	if err != nil {
		return nil, fmt.Errorf("invalid identity id in email reservation: %w", err)
	}

	return s.Get(ctx, id)
}

// Update applies a patch. An empty DownstreamKey removes the stored key.
func (s *IdentityStore) Update(ctx context.Context, id uuid.UUID, patch store.IdentityPatch) (*models.Identity, error) {
	update := expression.Set(expression.Name("updated_at"), expression.Value(time.Now().UnixMilli()))

	if patch.DisplayName != nil {
		update = update.Set(expression.Name("display_name"), expression.Value(*patch.DisplayName))
	}
	if patch.PlanName != nil {
		update = update.Set(expression.Name("plan_name"), expression.Value(*patch.PlanName))
	}
	if patch.DownstreamKey != nil {
		if *patch.DownstreamKey == "" {
			update = update.Remove(expression.Name("downstream_key"))
		} else {
			update = update.Set(expression.Name("downstream_key"), expression.Value(*patch.DownstreamKey))
		}
	}

	expr, err := expression.NewBuilder().
		WithUpdate(update).
		WithCondition(expression.AttributeExists(expression.Name("id"))).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	result, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       identityKey(id.String()),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionFailed(err) {
			return nil, store.ErrIdentityNotFound
		}
		return nil, wrapAWSError(err, "failed to update identity")
	}

	var rec identityRecord
	if err := attributevalue.UnmarshalMap(result.Attributes, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal identity: %w", err)
	}

	return rec.toModel()
}

// SetDownstreamKeyIfAbsent writes key under a condition that no key exists yet. When
// the condition fails the stored identity is read back to return the winning key.
func (s *IdentityStore) SetDownstreamKeyIfAbsent(ctx context.Context, id uuid.UUID, key string) (string, error) {
	update := expression.Set(expression.Name("downstream_key"), expression.Value(key)).
		Set(expression.Name("updated_at"), expression.Value(time.Now().UnixMilli()))

	condition := expression.AttributeExists(expression.Name("id")).
		And(expression.AttributeNotExists(expression.Name("downstream_key")))

	expr, err := expression.NewBuilder().
		WithUpdate(update).
		WithCondition(condition).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build expression: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       identityKey(id.String()),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err == nil {
		return key, nil
	}

	if !isConditionFailed(err) {
		return "", wrapAWSError(err, "failed to set downstream key")
	}

	// Either the identity is missing or another writer stored a key first.
	existing, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}

	if !existing.HasDownstreamKey() {
		return "", fmt.Errorf("downstream key for %s was cleared concurrently", id)
	}

	return existing.DownstreamKey, nil
}

func identityKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: id},
	}
}

func emailKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
