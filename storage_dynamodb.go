package gcalnotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/mashiike/gcalnotify/pkg/gcalnotifyevent"
	"github.com/samber/lo"
	"github.com/shogo82148/go-retry"
)

const (
	calendarKeyPrefix = "CALENDAR#"
	channelKeyPrefix  = "CHANNEL#"
	eventKeyPrefix    = "EVENT#"
	cursorSortKey     = "CURSOR"
	subscriptionSK    = "SUBSCRIPTION"
	channelSortKey    = "CHANNEL"
)

// DynamoDBClient is the subset of *dynamodb.Client used by DynamoDBStorage.
type DynamoDBClient interface {
	dynamodb.ScanAPIClient
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoDBStorage keeps every record in one table keyed by PK/SK.
//
//	PK=CALENDAR#<id> SK=CURSOR          sync state
//	PK=CALENDAR#<id> SK=SUBSCRIPTION    subscription
//	PK=CALENDAR#<id> SK=EVENT#<eventID> snapshot
//	PK=CHANNEL#<id>  SK=CHANNEL         channel id -> calendar id
type DynamoDBStorage struct {
	client    DynamoDBClient
	tableName string
}

func NewDynamoDBStorage(ctx context.Context, cfg StorageOption) (*DynamoDBStorage, error) {
	awsCfg, err := loadAWSConfig()
	if err != nil {
		return nil, err
	}
	s := &DynamoDBStorage{
		client:    dynamodb.NewFromConfig(awsCfg),
		tableName: cfg.TableName,
	}
	slog.InfoContext(ctx, "check describe dynamodb table", "table_name", s.tableName)
	exists, err := s.tableExists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		if !cfg.AutoCreate {
			return nil, fmt.Errorf("dynamodb table `%s` does not exist", s.tableName)
		}
		if err := s.createTable(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *DynamoDBStorage) Close() error {
	return nil
}

func (s *DynamoDBStorage) tableExists(ctx context.Context) (bool, error) {
	table, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "ResourceNotFoundException" {
			return false, nil
		}
		slog.DebugContext(ctx, "DescribeTable failed", "error", err)
		return false, err
	}
	slog.DebugContext(ctx, "exists table", "table_name", s.tableName, "status", table.Table.TableStatus)
	if table.Table.TableStatus == types.TableStatusActive || table.Table.TableStatus == types.TableStatusUpdating {
		return true, nil
	}
	return false, nil
}

func (s *DynamoDBStorage) waitTableActive(ctx context.Context) error {
	policy := retry.Policy{
		MinDelay: 200 * time.Millisecond,
		MaxDelay: 2 * time.Second,
		MaxCount: 20,
		Jitter:   100 * time.Millisecond,
	}
	retrier := policy.Start(ctx)
	var err error
	var exists bool
	slog.DebugContext(ctx, "start wait dynamodb table active", "table_name", s.tableName)
	for retrier.Continue() {
		exists, err = s.tableExists(ctx)
		if err == nil && exists {
			return nil
		}
	}
	if err == nil {
		return errors.New("table not active")
	}
	return fmt.Errorf("table not active: %w", err)
}

func (s *DynamoDBStorage) createTable(ctx context.Context) error {
	slog.InfoContext(ctx, "create dynamodb table", "table_name", s.tableName)
	output, err := s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.tableName),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("PK"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("SK"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("PK"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("SK"), KeyType: types.KeyTypeRange},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "ResourceInUseException" {
			slog.DebugContext(ctx, "create dynamodb table ResourceInUseException, wait table active", "table_name", s.tableName)
			return s.waitTableActive(ctx)
		}
		return err
	}
	slog.InfoContext(ctx, "created dynamodb table", "table_arn", aws.ToString(output.TableDescription.TableArn))
	return s.waitTableActive(ctx)
}

func (s *DynamoDBStorage) getItem(ctx context.Context, pk, sk string) (map[string]types.AttributeValue, error) {
	output, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            dynamoKey(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		slog.WarnContext(ctx, "failed get item", "pk", pk, "sk", sk, "table_name", s.tableName, "error", err)
		return nil, err
	}
	return output.Item, nil
}

func (s *DynamoDBStorage) FindSyncState(ctx context.Context, calendarID string) (*SyncState, error) {
	values, err := s.getItem(ctx, calendarKeyPrefix+calendarID, cursorSortKey)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, &SyncStateNotFound{CalendarID: calendarID}
	}
	return &SyncState{
		CalendarID:   attributeString("CalendarID", values),
		Cursor:       attributeString("Cursor", values),
		LastSyncedAt: attributeTime("LastSyncedAt", values),
	}, nil
}

func (s *DynamoDBStorage) SaveSyncState(ctx context.Context, state *SyncState) error {
	item := dynamoKey(calendarKeyPrefix+state.CalendarID, cursorSortKey)
	item["CalendarID"] = &types.AttributeValueMemberS{Value: state.CalendarID}
	item["Cursor"] = &types.AttributeValueMemberS{Value: state.Cursor}
	item["LastSyncedAt"] = timeAttribute(state.LastSyncedAt)
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("put sync state: %w", err)
	}
	slog.DebugContext(ctx, "put sync state", "calendar_id", state.CalendarID, "table_name", s.tableName)
	return nil
}

func (s *DynamoDBStorage) ClearCursor(ctx context.Context, calendarID string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 dynamoKey(calendarKeyPrefix+calendarID, cursorSortKey),
		UpdateExpression:    aws.String("SET #Cursor=:Cursor"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames: map[string]string{
			"#Cursor": "Cursor",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":Cursor": &types.AttributeValueMemberS{Value: ""},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return nil
		}
		return fmt.Errorf("clear cursor: %w", err)
	}
	return nil
}

func (s *DynamoDBStorage) FindSnapshot(ctx context.Context, calendarID, eventID string) (*Snapshot, error) {
	values, err := s.getItem(ctx, calendarKeyPrefix+calendarID, eventKeyPrefix+eventID)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, &SnapshotNotFound{CalendarID: calendarID, EventID: eventID}
	}
	var event gcalnotifyevent.Event
	if err := json.Unmarshal([]byte(attributeString("Data", values)), &event); err != nil {
		return nil, fmt.Errorf("decode snapshot calendar_id:%s event_id:%s: %w", calendarID, eventID, err)
	}
	return &Snapshot{
		CalendarID: calendarID,
		EventID:    eventID,
		Event:      &event,
		UpdatedAt:  attributeTime("UpdatedAt", values),
	}, nil
}

func (s *DynamoDBStorage) SaveSnapshot(ctx context.Context, snapshot *Snapshot) error {
	bs, err := json.Marshal(snapshot.Event)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	item := dynamoKey(calendarKeyPrefix+snapshot.CalendarID, eventKeyPrefix+snapshot.EventID)
	item["CalendarID"] = &types.AttributeValueMemberS{Value: snapshot.CalendarID}
	item["EventID"] = &types.AttributeValueMemberS{Value: snapshot.EventID}
	item["Data"] = &types.AttributeValueMemberS{Value: string(bs)}
	item["UpdatedAt"] = timeAttribute(snapshot.UpdatedAt)
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

func (s *DynamoDBStorage) DeleteSnapshot(ctx context.Context, calendarID, eventID string) error {
	if _, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       dynamoKey(calendarKeyPrefix+calendarID, eventKeyPrefix+eventID),
	}); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

func (s *DynamoDBStorage) FindAllSubscriptions(ctx context.Context) (<-chan []*Subscription, error) {
	slog.DebugContext(ctx, "scan dynamodb table", "table_name", s.tableName)
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:        aws.String(s.tableName),
		FilterExpression: aws.String("SK = :SK"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":SK": &types.AttributeValueMemberS{Value: subscriptionSK},
		},
	})
	output, err := paginator.NextPage(ctx)
	if err != nil {
		slog.DebugContext(ctx, "scan dynamodb table failed", "error", err)
		return nil, err
	}
	ch := make(chan []*Subscription, 10)
	ch <- lo.Map(output.Items, func(values map[string]types.AttributeValue, _ int) *Subscription {
		return newSubscriptionWithAttributeValues(values)
	})
	if !paginator.HasMorePages() {
		close(ch)
		return ch, nil
	}
	go func() {
		defer close(ch)
		for paginator.HasMorePages() {
			output, err := paginator.NextPage(ctx)
			if err != nil {
				slog.ErrorContext(ctx, "background scan dynamodb table failed", "error", err)
				return
			}
			ch <- lo.Map(output.Items, func(values map[string]types.AttributeValue, _ int) *Subscription {
				return newSubscriptionWithAttributeValues(values)
			})
		}
	}()
	return ch, nil
}

func (s *DynamoDBStorage) FindSubscription(ctx context.Context, calendarID string) (*Subscription, error) {
	values, err := s.getItem(ctx, calendarKeyPrefix+calendarID, subscriptionSK)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, &SubscriptionNotFound{CalendarID: calendarID}
	}
	return newSubscriptionWithAttributeValues(values), nil
}

func (s *DynamoDBStorage) FindSubscriptionByChannelID(ctx context.Context, channelID string) (*Subscription, error) {
	values, err := s.getItem(ctx, channelKeyPrefix+channelID, channelSortKey)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, &ChannelNotFound{ChannelID: channelID}
	}
	sub, err := s.FindSubscription(ctx, attributeString("CalendarID", values))
	if err != nil {
		if IsNotFound(err) {
			return nil, &ChannelNotFound{ChannelID: channelID}
		}
		return nil, err
	}
	if sub.ChannelID != channelID {
		return nil, &ChannelNotFound{ChannelID: channelID}
	}
	return sub, nil
}

func (s *DynamoDBStorage) SaveSubscription(ctx context.Context, sub *Subscription) error {
	current, err := s.FindSubscription(ctx, sub.CalendarID)
	if err != nil && !IsNotFound(err) {
		return err
	}
	items := []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName: aws.String(s.tableName),
				Item:      subscriptionAttributeValues(sub),
			},
		},
		{
			Put: &types.Put{
				TableName: aws.String(s.tableName),
				Item:      channelIndexAttributeValues(sub),
			},
		},
	}
	if current != nil && current.ChannelID != sub.ChannelID {
		items = append(items, types.TransactWriteItem{
			Delete: &types.Delete{
				TableName: aws.String(s.tableName),
				Key:       dynamoKey(channelKeyPrefix+current.ChannelID, channelSortKey),
			},
		})
	}
	if _, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	}); err != nil {
		slog.WarnContext(ctx, "failed put subscription", "calendar_id", sub.CalendarID, "channel_id", sub.ChannelID, "error", err)
		return fmt.Errorf("put subscription: %w", err)
	}
	slog.InfoContext(ctx, "put subscription", "calendar_id", sub.CalendarID, "channel_id", sub.ChannelID, "table_name", s.tableName)
	return nil
}

func (s *DynamoDBStorage) DeleteSubscription(ctx context.Context, sub *Subscription) error {
	if _, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       dynamoKey(channelKeyPrefix+sub.ChannelID, channelSortKey),
	}); err != nil {
		return fmt.Errorf("delete channel index: %w", err)
	}
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 dynamoKey(calendarKeyPrefix+sub.CalendarID, subscriptionSK),
		ConditionExpression: aws.String("ChannelID = :ChannelID"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ChannelID": &types.AttributeValueMemberS{Value: sub.ChannelID},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			slog.DebugContext(ctx, "subscription already replaced", "calendar_id", sub.CalendarID, "channel_id", sub.ChannelID)
			return nil
		}
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

func isConditionalCheckFailed(err error) bool {
	var ae smithy.APIError
	return errors.As(err, &ae) && ae.ErrorCode() == "ConditionalCheckFailedException"
}

func dynamoKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func GetAttributeValueAs[T types.AttributeValue](key string, values map[string]types.AttributeValue) (T, bool) {
	var empty T
	value, ok := values[key]
	if !ok {
		return empty, false
	}
	if v, ok := value.(T); ok {
		return v, true
	}
	return empty, false
}

func attributeString(key string, values map[string]types.AttributeValue) string {
	if v, ok := GetAttributeValueAs[*types.AttributeValueMemberS](key, values); ok {
		return v.Value
	}
	return ""
}

func attributeTime(key string, values map[string]types.AttributeValue) time.Time {
	v, ok := GetAttributeValueAs[*types.AttributeValueMemberN](key, values)
	if !ok {
		return time.Time{}
	}
	ms, err := strconv.ParseFloat(v.Value, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms))
}

func timeAttribute(t time.Time) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{
		Value: strconv.FormatInt(t.UnixMilli(), 10),
	}
}

func newSubscriptionWithAttributeValues(values map[string]types.AttributeValue) *Subscription {
	calendarID := attributeString("CalendarID", values)
	if calendarID == "" {
		calendarID = strings.TrimPrefix(attributeString("PK", values), calendarKeyPrefix)
	}
	return &Subscription{
		CalendarID: calendarID,
		ChannelID:  attributeString("ChannelID", values),
		ResourceID: attributeString("ResourceID", values),
		Token:      attributeString("Token", values),
		Expiration: attributeTime("Expiration", values),
		CreatedAt:  attributeTime("CreatedAt", values),
		UpdatedAt:  attributeTime("UpdatedAt", values),
	}
}

func subscriptionAttributeValues(sub *Subscription) map[string]types.AttributeValue {
	values := dynamoKey(calendarKeyPrefix+sub.CalendarID, subscriptionSK)
	values["CalendarID"] = &types.AttributeValueMemberS{Value: sub.CalendarID}
	values["ChannelID"] = &types.AttributeValueMemberS{Value: sub.ChannelID}
	values["ResourceID"] = &types.AttributeValueMemberS{Value: sub.ResourceID}
	values["Token"] = &types.AttributeValueMemberS{Value: sub.Token}
	values["Expiration"] = timeAttribute(sub.Expiration)
	values["CreatedAt"] = timeAttribute(sub.CreatedAt)
	values["UpdatedAt"] = timeAttribute(sub.UpdatedAt)
	return values
}

func channelIndexAttributeValues(sub *Subscription) map[string]types.AttributeValue {
	values := dynamoKey(channelKeyPrefix+sub.ChannelID, channelSortKey)
	values["CalendarID"] = &types.AttributeValueMemberS{Value: sub.CalendarID}
	values["ChannelID"] = &types.AttributeValueMemberS{Value: sub.ChannelID}
	return values
}
