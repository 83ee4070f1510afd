package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"llm-chat-gateway/internal/domain"
)

const (
	skPrefixMsg       = "MSG#"
	skMeta            = "META#"
	maxBatchWrite     = 25
	maxUnprocessedTry = 5

	// ownerIndexName is a GSI with partition key ownerId and sort key
	// updatedAt, projecting all attributes.
	ownerIndexName = "ownerId-updatedAt-index"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoClient.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// DynamoClient stores conversations in a single DynamoDB table. Each
// conversation is one partition holding a META# item and one MSG#<seq> item
// per message. Items carry no TTL: conversations live until deleted. List
// needs the owner GSI named by ownerIndexName.
type DynamoClient struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

var _ ConversationStore = (*DynamoClient)(nil)

// NewDynamoClient creates a DynamoDB-backed ConversationStore.
func NewDynamoClient(api dynamodbAPI, tableName string) (*DynamoClient, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoClient{
		api:       api,
		tableName: tableName,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// convPK returns the DynamoDB partition key for a conversation.
func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

// msgSK returns the sort key for the message at position seq. Zero padding
// keeps lexical and numeric order identical.
func msgSK(seq int) string {
	return fmt.Sprintf("%s%010d", skPrefixMsg, seq)
}

func (c *DynamoClient) Create(ctx context.Context, ownerID string) (domain.Conversation, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return domain.Conversation{}, errors.New("repository: owner id must not be empty")
	}
	now := c.now()
	conv := domain.Conversation{
		ID:        newID(),
		OwnerID:   ownerID,
		Messages:  []domain.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                metaItem(conv, 0),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		if isConditionFailure(err) {
			return domain.Conversation{}, ErrConflict
		}
		return domain.Conversation{}, fmt.Errorf("repository: Create: %w", err)
	}
	return conv, nil
}

// Get reads the whole partition with a consistent query.
func (c *DynamoClient) Get(ctx context.Context, id string) (domain.Conversation, error) {
	conv, _, err := c.load(ctx, id)
	return conv, err
}

// load returns the conversation and the message count recorded on META.
func (c *DynamoClient) load(ctx context.Context, id string) (domain.Conversation, int, error) {
	var (
		conv     domain.Conversation
		count    int
		found    bool
		startKey map[string]types.AttributeValue
	)
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: convPK(id)},
			},
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return domain.Conversation{}, 0, fmt.Errorf("repository: Get query: %w", err)
		}
		for _, item := range out.Items {
			sk, err := strAttr(item, "SK")
			if err != nil {
				return domain.Conversation{}, 0, fmt.Errorf("repository: Get unmarshal: %w", err)
			}
			switch {
			case sk == skMeta:
				meta, n, err := itemToMeta(item)
				if err != nil {
					return domain.Conversation{}, 0, fmt.Errorf("repository: Get unmarshal meta: %w", err)
				}
				conv.ID, conv.OwnerID = meta.ID, meta.OwnerID
				conv.CreatedAt, conv.UpdatedAt = meta.CreatedAt, meta.UpdatedAt
				count = n
				found = true
			case strings.HasPrefix(sk, skPrefixMsg):
				msg, err := itemToMessage(item)
				if err != nil {
					return domain.Conversation{}, 0, fmt.Errorf("repository: Get unmarshal message: %w", err)
				}
				conv.Messages = append(conv.Messages, msg)
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	if !found {
		return domain.Conversation{}, 0, ErrNotFound
	}
	if conv.Messages == nil {
		conv.Messages = []domain.Message{}
	}
	return conv, count, nil
}

// Append writes the message and advances the META message count in one
// transaction conditioned on the count read beforehand. A concurrent append
// that committed first makes the condition fail, which surfaces as ErrConflict.
// The returned conversation is built from the state read before the write, so
// nothing is read after the commit.
func (c *DynamoClient) Append(ctx context.Context, id string, msg domain.Message) (domain.Conversation, error) {
	if !msg.Role.Valid() {
		return domain.Conversation{}, errors.New("repository: message role is invalid")
	}
	conv, count, err := c.load(ctx, id)
	if err != nil {
		return domain.Conversation{}, err
	}

	now := c.now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                messageItem(id, count, msg),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Update: &types.Update{
					TableName: aws.String(c.tableName),
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: convPK(id)},
						"SK": &types.AttributeValueMemberS{Value: skMeta},
					},
					UpdateExpression:    aws.String("SET messageCount = :next, updatedAt = :now"),
					ConditionExpression: aws.String("attribute_exists(PK) AND messageCount = :expected"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":next":     numAttr(count + 1),
						":expected": numAttr(count),
						":now":      &types.AttributeValueMemberS{Value: formatTime(now)},
					},
				},
			},
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			// A META item deleted since load fails the same condition.
			if _, merr := c.getMeta(ctx, id); errors.Is(merr, ErrNotFound) {
				return domain.Conversation{}, ErrNotFound
			}
			return domain.Conversation{}, ErrConflict
		}
		return domain.Conversation{}, fmt.Errorf("repository: Append: %w", err)
	}

	conv.Messages = append(conv.Messages, msg.Clone())
	conv.UpdatedAt = now
	return conv, nil
}

// List queries the owner index. Only META items carry ownerId, so the index
// holds one entry per conversation.
func (c *DynamoClient) List(ctx context.Context, ownerID string) ([]domain.ConversationSummary, error) {
	var (
		out      = make([]domain.ConversationSummary, 0)
		startKey map[string]types.AttributeValue
	)
	for {
		page, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			IndexName:              aws.String(ownerIndexName),
			KeyConditionExpression: aws.String("ownerId = :owner"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":owner": &types.AttributeValueMemberS{Value: ownerID},
			},
			ScanIndexForward:  aws.Bool(false),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("repository: List query: %w", err)
		}
		for _, item := range page.Items {
			meta, count, err := itemToMeta(item)
			if err != nil {
				return nil, fmt.Errorf("repository: List unmarshal: %w", err)
			}
			summary := meta.Summary()
			summary.MessageCount = count
			out = append(out, summary)
		}
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		startKey = page.LastEvaluatedKey
	}
	sortSummaries(out)
	return out, nil
}

// Delete removes every item of the conversation, META last so that a partial
// failure leaves the conversation visible and deletable again.
func (c *DynamoClient) Delete(ctx context.Context, id, ownerID string) error {
	out, err := c.getMeta(ctx, id)
	if err != nil {
		return err
	}
	meta, _, err := itemToMeta(out)
	if err != nil {
		return fmt.Errorf("repository: Delete decode meta: %w", err)
	}
	if meta.OwnerID != ownerID {
		return ErrForbidden
	}

	keys, err := c.partitionKeys(ctx, id)
	if err != nil {
		return err
	}
	// META# sorts before MSG#; move it to the end.
	ordered := make([]map[string]types.AttributeValue, 0, len(keys))
	var metaKey map[string]types.AttributeValue
	for _, k := range keys {
		if sk, _ := strAttr(k, "SK"); sk == skMeta {
			metaKey = k
			continue
		}
		ordered = append(ordered, k)
	}
	if metaKey != nil {
		ordered = append(ordered, metaKey)
	}

	for start := 0; start < len(ordered); start += maxBatchWrite {
		end := start + maxBatchWrite
		if end > len(ordered) {
			end = len(ordered)
		}
		if err := c.batchDelete(ctx, ordered[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (c *DynamoClient) batchDelete(ctx context.Context, keys []map[string]types.AttributeValue) error {
	reqs := make([]types.WriteRequest, 0, len(keys))
	for _, k := range keys {
		reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: k}})
	}
	pending := map[string][]types.WriteRequest{c.tableName: reqs}
	for attempt := 0; attempt < maxUnprocessedTry && len(pending[c.tableName]) > 0; attempt++ {
		out, err := c.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return fmt.Errorf("repository: Delete batch write: %w", err)
		}
		if out == nil {
			return nil
		}
		pending = out.UnprocessedItems
	}
	if len(pending[c.tableName]) > 0 {
		return fmt.Errorf("repository: Delete left %d unprocessed items", len(pending[c.tableName]))
	}
	return nil
}

func (c *DynamoClient) partitionKeys(ctx context.Context, id string) ([]map[string]types.AttributeValue, error) {
	var (
		keys     []map[string]types.AttributeValue
		startKey map[string]types.AttributeValue
	)
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: convPK(id)},
			},
			ProjectionExpression: aws.String("PK, SK"),
			ConsistentRead:       aws.Bool(true),
			ExclusiveStartKey:    startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("repository: Delete query keys: %w", err)
		}
		for _, item := range out.Items {
			keys = append(keys, map[string]types.AttributeValue{"PK": item["PK"], "SK": item["SK"]})
		}
		if len(out.LastEvaluatedKey) == 0 {
			return keys, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func (c *DynamoClient) getMeta(ctx context.Context, id string) (map[string]types.AttributeValue, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(id)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: get meta: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	return out.Item, nil
}

func isConditionFailure(err error) bool {
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		for _, r := range tce.CancellationReasons {
			switch aws.ToString(r.Code) {
			case "ConditionalCheckFailed", "TransactionConflict":
				return true
			}
		}
		return false
	}
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func numAttr(n int) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.Itoa(n)}
}

func metaItem(conv domain.Conversation, count int) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(conv.ID)},
		"SK":             &types.AttributeValueMemberS{Value: skMeta},
		"conversationId": &types.AttributeValueMemberS{Value: conv.ID},
		"ownerId":        &types.AttributeValueMemberS{Value: conv.OwnerID},
		"createdAt":      &types.AttributeValueMemberS{Value: formatTime(conv.CreatedAt)},
		"updatedAt":      &types.AttributeValueMemberS{Value: formatTime(conv.UpdatedAt)},
		"messageCount":   numAttr(count),
	}
}

func itemToMeta(item map[string]types.AttributeValue) (domain.Conversation, int, error) {
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Conversation{}, 0, err
	}
	owner, err := strAttr(item, "ownerId")
	if err != nil {
		return domain.Conversation{}, 0, err
	}
	count, err := intAttr(item, "messageCount")
	if err != nil {
		return domain.Conversation{}, 0, err
	}
	conv := domain.Conversation{ID: id, OwnerID: owner}
	if s, err := strAttr(item, "createdAt"); err == nil {
		conv.CreatedAt, _ = parseTime(s)
	}
	if s, err := strAttr(item, "updatedAt"); err == nil {
		conv.UpdatedAt, _ = parseTime(s)
	}
	return conv, count, nil
}

func messageItem(conversationID string, seq int, msg domain.Message) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: convPK(conversationID)},
		"SK":        &types.AttributeValueMemberS{Value: msgSK(seq)},
		"role":      &types.AttributeValueMemberS{Value: string(msg.Role)},
		"content":   &types.AttributeValueMemberS{Value: msg.Content},
		"createdAt": &types.AttributeValueMemberS{Value: formatTime(msg.CreatedAt)},
	}
	if m := msg.Meta; m != nil {
		item["provider"] = &types.AttributeValueMemberS{Value: m.Provider}
		item["model"] = &types.AttributeValueMemberS{Value: m.Model}
		item["promptTokens"] = numAttr(m.PromptTokens)
		item["completionTokens"] = numAttr(m.CompletionTokens)
		item["latencyMs"] = numAttr(int(m.Latency.Milliseconds()))
	}
	return item
}

// itemToMessage converts a DynamoDB attribute map to a Message.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Message{}, err
	}
	msg := domain.Message{Role: domain.Role(role), Content: content}
	if s, err := strAttr(item, "createdAt"); err == nil {
		msg.CreatedAt, _ = parseTime(s)
	}
	if providerName, err := strAttr(item, "provider"); err == nil {
		model, _ := strAttr(item, "model")         // allow empty
		prompt, _ := intAttr(item, "promptTokens") // allow missing
		completion, _ := intAttr(item, "completionTokens")
		latency, _ := intAttr(item, "latencyMs")
		msg.Meta = &domain.ProviderMeta{
			Provider:         providerName,
			Model:            model,
			PromptTokens:     prompt,
			CompletionTokens: completion,
			Latency:          time.Duration(latency) * time.Millisecond,
		}
	}
	return msg, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
