package database

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/computersciencehouse/rankit/logging"
	"github.com/sirupsen/logrus"
)

// DynamoStore keeps one item per poll, keyed by PK. The table is expected to
// have DynamoDB TTL enabled on the numeric expiresAt attribute.
type DynamoStore struct {
	Client    *dynamodb.Client
	TableName string
	now       func() time.Time
}

func NewDynamoStore(client *dynamodb.Client, tableName string) *DynamoStore {
	return &DynamoStore{Client: client, TableName: tableName, now: time.Now}
}

type dynamoItem struct {
	Poll
	TTL int64 `dynamodbav:"expiresAt"`
}

const liveCondition = "attribute_exists(PK) AND expiresAt > :now"

func (s *DynamoStore) key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: id}}
}

func (s *DynamoStore) nowValue() types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(s.now().Unix(), 10)}
}

func (s *DynamoStore) CreatePoll(ctx context.Context, poll *Poll) error {
	poll.normalize()
	item, err := attributevalue.MarshalMap(dynamoItem{Poll: *poll, TTL: poll.ExpiresAt.Unix()})
	if err != nil {
		logging.Logger.WithFields(logrus.Fields{"error": err, "module": "database", "method": "CreatePoll", "pollId": poll.Id}).Error("error marshalling poll")
		return err
	}

	_, err = s.Client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &s.TableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		var cce *types.ConditionalCheckFailedException
		if errors.As(err, &cce) {
			return ErrAlreadyExists
		}
		logging.Logger.WithFields(logrus.Fields{"error": err, "module": "database", "method": "CreatePoll", "pollId": poll.Id}).Error("error putting poll")
		return unavailable(err, "put poll %s", poll.Id)
	}
	return nil
}

func (s *DynamoStore) get(ctx context.Context, id string) (*dynamoItem, error) {
	out, err := s.Client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.TableName,
		Key:            s.key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		logging.Logger.WithFields(logrus.Fields{"error": err, "module": "database", "method": "GetPoll", "pollId": id}).Error("error getting poll")
		return nil, unavailable(err, "get poll %s", id)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		logging.Logger.WithFields(logrus.Fields{"error": err, "module": "database", "method": "GetPoll", "pollId": id}).Error("error unmarshalling poll")
		return nil, err
	}
	if item.TTL <= s.now().Unix() {
		return nil, ErrNotFound
	}
	item.Poll.ExpiresAt = time.Unix(item.TTL, 0)
	item.Poll.normalize()
	return &item, nil
}

func (s *DynamoStore) GetPoll(ctx context.Context, id string) (*Poll, error) {
	item, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &item.Poll, nil
}

func (s *DynamoStore) DeletePoll(ctx context.Context, id string) error {
	_, err := s.Client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: &s.TableName,
		Key:       s.key(id),
	})
	if err != nil {
		logging.Logger.WithFields(logrus.Fields{"error": err, "module": "database", "method": "DeletePoll", "pollId": id}).Error("error deleting poll")
		return unavailable(err, "delete poll %s", id)
	}
	return nil
}

// UpdateField issues one UpdateItem with a SET or REMOVE on the addressed
// map entry, conditioned on the poll being alive and on the guard.
func (s *DynamoStore) UpdateField(ctx context.Context, id string, update FieldUpdate) error {
	parts, err := update.segments()
	if err != nil {
		return err
	}

	names := make(map[string]string, len(parts))
	refs := make([]string, len(parts))
	for i, p := range parts {
		ref := fmt.Sprintf("#p%d", i)
		names[ref] = p
		refs[i] = ref
	}
	path := strings.Join(refs, ".")

	values := map[string]types.AttributeValue{":now": s.nowValue()}
	condition := liveCondition
	switch update.Guard {
	case GuardNotStarted:
		condition += " AND hasStarted = :started"
		values[":started"] = &types.AttributeValueMemberBOOL{Value: false}
	case GuardStarted:
		condition += " AND hasStarted = :started"
		values[":started"] = &types.AttributeValueMemberBOOL{Value: true}
	}

	var expression string
	if update.RemoveKey != "" {
		expression = "REMOVE " + path
	} else {
		v, err := attributevalue.Marshal(update.Value)
		if err != nil {
			return err
		}
		values[":v"] = v
		expression = "SET " + path + " = :v"
	}

	_, err = s.Client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 &s.TableName,
		Key:                       s.key(id),
		UpdateExpression:          aws.String(expression),
		ConditionExpression:       aws.String(condition),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var cce *types.ConditionalCheckFailedException
		if errors.As(err, &cce) {
			return s.miss(ctx, id)
		}
		logging.Logger.WithFields(logrus.Fields{"error": err, "module": "database", "method": "UpdateField", "pollId": id, "path": update.Path}).Error("error updating poll")
		return unavailable(err, "update poll %s at %s", id, update.Path)
	}
	return nil
}

func (s *DynamoStore) miss(ctx context.Context, id string) error {
	if _, err := s.get(ctx, id); err != nil {
		return err
	}
	return ErrConditionFailed
}

func (s *DynamoStore) RemainingLifetime(ctx context.Context, id string) (time.Duration, error) {
	item, err := s.get(ctx, id)
	if err != nil {
		return 0, err
	}
	return time.Unix(item.TTL, 0).Sub(s.now()), nil
}

func (s *DynamoStore) Close(ctx context.Context) error {
	return nil
}
