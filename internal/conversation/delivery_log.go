package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/wolfman30/dentaldesk/pkg/logging"
)

const deliveryTTL = 7 * 24 * time.Hour

// DeliveryStatus is the lifecycle of one enqueued inbound message.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	// DeliveryUnsent means the queue rejected the message. The transport's
	// retry sends it again under the same sequence number.
	DeliveryUnsent    DeliveryStatus = "unsent"
	DeliveryCompleted DeliveryStatus = "completed"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryDropped   DeliveryStatus = "dropped"
)

// DeliveryRecord tracks an inbound message from enqueue to its outcome.
type DeliveryRecord struct {
	DeliveryID        string         `dynamodbav:"deliveryId" json:"delivery_id"`
	ConversationKey   string         `dynamodbav:"conversationKey" json:"conversation_key"`
	Seq               int64          `dynamodbav:"seq" json:"seq"`
	ProviderMessageID string         `dynamodbav:"providerMessageId,omitempty" json:"provider_message_id,omitempty"`
	Status            DeliveryStatus `dynamodbav:"status" json:"status"`
	ErrorMessage      string         `dynamodbav:"errorMessage,omitempty" json:"error_message,omitempty"`
	CreatedAt         string         `dynamodbav:"createdAt" json:"created_at"`
	UpdatedAt         string         `dynamodbav:"updatedAt" json:"updated_at"`
	ExpiresAt         int64          `dynamodbav:"expiresAt,omitempty" json:"-"`
}

// DeliveryLog records delivery outcomes for operators. A provider message id
// is recorded at most once per conversation; RecordPending reports a repeat
// as ErrDuplicateDelivery.
type DeliveryLog interface {
	RecordPending(ctx context.Context, rec *DeliveryRecord) error
	// FindByProvider returns ErrDeliveryNotFound when the id was never recorded.
	FindByProvider(ctx context.Context, conversationKey, providerMessageID string) (*DeliveryRecord, error)
	MarkPending(ctx context.Context, deliveryID string) error
	MarkUnsent(ctx context.Context, deliveryID, errMsg string) error
	MarkCompleted(ctx context.Context, deliveryID string) error
	MarkFailed(ctx context.Context, deliveryID, errMsg string) error
	MarkDropped(ctx context.Context, deliveryID, reason string) error
	Get(ctx context.Context, deliveryID string) (*DeliveryRecord, error)
}

func stampPending(rec *DeliveryRecord, now time.Time) {
	rec.Status = DeliveryPending
	rec.CreatedAt = now.Format(time.RFC3339Nano)
	rec.UpdatedAt = rec.CreatedAt
	if rec.ExpiresAt == 0 {
		rec.ExpiresAt = now.Add(deliveryTTL).Unix()
	}
}

type dynamoAPI interface {
	PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(context.Context, *dynamodb.UpdateItemInput, ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	TransactWriteItems(context.Context, *dynamodb.TransactWriteItemsInput, ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// providerGuard is a marker item that claims a provider message id in the
// same table. Its deliveryId is derived from the conversation and provider id.
type providerGuard struct {
	GuardID    string `dynamodbav:"deliveryId"`
	DeliveryID string `dynamodbav:"targetDeliveryId"`
	ExpiresAt  int64  `dynamodbav:"expiresAt,omitempty"`
}

func providerGuardID(conversationKey, providerMessageID string) string {
	return "provider#" + conversationKey + "#" + providerMessageID
}

// DynamoDeliveryLog persists delivery records to DynamoDB with a TTL.
type DynamoDeliveryLog struct {
	client    dynamoAPI
	tableName string
	logger    *logging.Logger
}

var _ DeliveryLog = (*DynamoDeliveryLog)(nil)

// NewDynamoDeliveryLog builds a log backed by the provided DynamoDB client.
func NewDynamoDeliveryLog(client dynamoAPI, tableName string, logger *logging.Logger) *DynamoDeliveryLog {
	if client == nil {
		panic("conversation: dynamodb client cannot be nil")
	}
	if tableName == "" {
		panic("conversation: table name cannot be empty")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &DynamoDeliveryLog{client: client, tableName: tableName, logger: logger}
}

// RecordPending inserts a pending record. A delivery id is written once. With
// a provider message id the record and its guard item are written in one
// transaction.
func (s *DynamoDeliveryLog) RecordPending(ctx context.Context, rec *DeliveryRecord) error {
	if rec == nil || rec.DeliveryID == "" {
		return errors.New("conversation: delivery id required")
	}
	stampPending(rec, time.Now().UTC())

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("conversation: failed to marshal delivery: %w", err)
	}
	if rec.ProviderMessageID == "" {
		_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(s.tableName),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(deliveryId)"),
		})
		if err != nil {
			return fmt.Errorf("conversation: failed to persist delivery: %w", err)
		}
		return nil
	}

	guard, err := attributevalue.MarshalMap(providerGuard{
		GuardID:    providerGuardID(rec.ConversationKey, rec.ProviderMessageID),
		DeliveryID: rec.DeliveryID,
		ExpiresAt:  rec.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("conversation: failed to marshal provider guard: %w", err)
	}
	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{TableName: aws.String(s.tableName), Item: guard, ConditionExpression: aws.String("attribute_not_exists(deliveryId)")}},
			{Put: &types.Put{TableName: aws.String(s.tableName), Item: item, ConditionExpression: aws.String("attribute_not_exists(deliveryId)")}},
		},
	})
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, reason := range canceled.CancellationReasons {
			if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
				return fmt.Errorf("%w: %s", ErrDuplicateDelivery, rec.ProviderMessageID)
			}
		}
	}
	if err != nil {
		return fmt.Errorf("conversation: failed to persist delivery: %w", err)
	}
	return nil
}

// FindByProvider follows the guard item to the delivery it claimed.
func (s *DynamoDeliveryLog) FindByProvider(ctx context.Context, conversationKey, providerMessageID string) (*DeliveryRecord, error) {
	if providerMessageID == "" {
		return nil, ErrDeliveryNotFound
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"deliveryId": &types.AttributeValueMemberS{Value: providerGuardID(conversationKey, providerMessageID)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("conversation: failed to fetch provider guard: %w", err)
	}
	if out.Item == nil {
		return nil, ErrDeliveryNotFound
	}
	var guard providerGuard
	if err := attributevalue.UnmarshalMap(out.Item, &guard); err != nil {
		return nil, fmt.Errorf("conversation: failed to decode provider guard: %w", err)
	}
	return s.Get(ctx, guard.DeliveryID)
}

func (s *DynamoDeliveryLog) MarkPending(ctx context.Context, deliveryID string) error {
	return s.setStatus(ctx, deliveryID, DeliveryPending, "")
}

func (s *DynamoDeliveryLog) MarkUnsent(ctx context.Context, deliveryID, errMsg string) error {
	return s.setStatus(ctx, deliveryID, DeliveryUnsent, errMsg)
}

func (s *DynamoDeliveryLog) MarkCompleted(ctx context.Context, deliveryID string) error {
	return s.setStatus(ctx, deliveryID, DeliveryCompleted, "")
}

func (s *DynamoDeliveryLog) MarkFailed(ctx context.Context, deliveryID, errMsg string) error {
	return s.setStatus(ctx, deliveryID, DeliveryFailed, errMsg)
}

func (s *DynamoDeliveryLog) MarkDropped(ctx context.Context, deliveryID, reason string) error {
	return s.setStatus(ctx, deliveryID, DeliveryDropped, reason)
}

// Get fetches a delivery by id.
func (s *DynamoDeliveryLog) Get(ctx context.Context, deliveryID string) (*DeliveryRecord, error) {
	if deliveryID == "" {
		return nil, errors.New("conversation: delivery id required")
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"deliveryId": &types.AttributeValueMemberS{Value: deliveryID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("conversation: failed to fetch delivery: %w", err)
	}
	if out.Item == nil {
		return nil, ErrDeliveryNotFound
	}
	var rec DeliveryRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("conversation: failed to decode delivery: %w", err)
	}
	return &rec, nil
}

func (s *DynamoDeliveryLog) setStatus(ctx context.Context, deliveryID string, status DeliveryStatus, errMsg string) error {
	if deliveryID == "" {
		return errors.New("conversation: delivery id required")
	}
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"deliveryId": &types.AttributeValueMemberS{Value: deliveryID},
		},
		UpdateExpression: aws.String("SET #status = :status, #error = :error, #updated = :updated"),
		ExpressionAttributeNames: map[string]string{
			"#status":  "status",
			"#error":   "errorMessage",
			"#updated": "updatedAt",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status":  &types.AttributeValueMemberS{Value: string(status)},
			":error":   &types.AttributeValueMemberS{Value: errMsg},
			":updated": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
		},
		ConditionExpression: aws.String("attribute_exists(deliveryId)"),
	})
	if err != nil {
		return fmt.Errorf("conversation: failed to update delivery %s: %w", deliveryID, err)
	}
	return nil
}

// MemoryDeliveryLog keeps delivery records in process.
type MemoryDeliveryLog struct {
	mu         sync.Mutex
	records    map[string]DeliveryRecord
	byProvider map[string]string
}

var _ DeliveryLog = (*MemoryDeliveryLog)(nil)

func NewMemoryDeliveryLog() *MemoryDeliveryLog {
	return &MemoryDeliveryLog{records: make(map[string]DeliveryRecord), byProvider: make(map[string]string)}
}

func (m *MemoryDeliveryLog) RecordPending(_ context.Context, rec *DeliveryRecord) error {
	if rec == nil || rec.DeliveryID == "" {
		return errors.New("conversation: delivery id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.DeliveryID]; ok {
		return fmt.Errorf("conversation: delivery %s already recorded", rec.DeliveryID)
	}
	guard := providerGuardID(rec.ConversationKey, rec.ProviderMessageID)
	if rec.ProviderMessageID != "" {
		if _, ok := m.byProvider[guard]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateDelivery, rec.ProviderMessageID)
		}
		m.byProvider[guard] = rec.DeliveryID
	}
	stampPending(rec, time.Now().UTC())
	m.records[rec.DeliveryID] = *rec
	return nil
}

func (m *MemoryDeliveryLog) FindByProvider(_ context.Context, conversationKey, providerMessageID string) (*DeliveryRecord, error) {
	if providerMessageID == "" {
		return nil, ErrDeliveryNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byProvider[providerGuardID(conversationKey, providerMessageID)]
	if !ok {
		return nil, ErrDeliveryNotFound
	}
	rec := m.records[id]
	return &rec, nil
}

func (m *MemoryDeliveryLog) MarkPending(_ context.Context, id string) error {
	return m.set(id, DeliveryPending, "")
}

func (m *MemoryDeliveryLog) MarkUnsent(_ context.Context, id, errMsg string) error {
	return m.set(id, DeliveryUnsent, errMsg)
}

func (m *MemoryDeliveryLog) MarkCompleted(_ context.Context, id string) error {
	return m.set(id, DeliveryCompleted, "")
}

func (m *MemoryDeliveryLog) MarkFailed(_ context.Context, id, errMsg string) error {
	return m.set(id, DeliveryFailed, errMsg)
}

func (m *MemoryDeliveryLog) MarkDropped(_ context.Context, id, reason string) error {
	return m.set(id, DeliveryDropped, reason)
}

func (m *MemoryDeliveryLog) Get(_ context.Context, id string) (*DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrDeliveryNotFound
	}
	return &rec, nil
}

func (m *MemoryDeliveryLog) set(id string, status DeliveryStatus, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrDeliveryNotFound
	}
	rec.Status = status
	rec.ErrorMessage = msg
	rec.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	m.records[id] = rec
	return nil
}
