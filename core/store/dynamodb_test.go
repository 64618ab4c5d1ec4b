package store

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/fleetstore/core"
)

// fakeDynamoDB records the last inputs and returns canned outputs
type fakeDynamoDB struct {
	put     *dynamodb.PutItemInput
	get     *dynamodb.GetItemInput
	queries []*dynamodb.QueryInput
	scan    *dynamodb.ScanInput
	del     *dynamodb.DeleteItemInput

	getOutput    *dynamodb.GetItemOutput
	queryOutputs []*dynamodb.QueryOutput
	scanOutput   *dynamodb.ScanOutput
	err          error
}

func (f *fakeDynamoDB) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.put = params
	return &dynamodb.PutItemOutput{}, f.err
}

func (f *fakeDynamoDB) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.get = params
	if f.err != nil {
		return nil, f.err
	}
	return f.getOutput, nil
}

func (f *fakeDynamoDB) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queries = append(f.queries, params)
	if f.err != nil {
		return nil, f.err
	}
	out := f.queryOutputs[0]
	f.queryOutputs = f.queryOutputs[1:]
	return out, nil
}

func (f *fakeDynamoDB) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.scan = params
	return f.scanOutput, f.err
}

func (f *fakeDynamoDB) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.del = params
	return &dynamodb.DeleteItemOutput{}, f.err
}

func newTestDynamoDB(client DynamoDBAPI, clock *testClock) *DynamoDB {
	return NewDynamoDB(&DynamoDBBuilder{
		Client: client,
		Tables: []TableSchema{testDevices, testTelemetry},
		Clock:  clock.Now,
	})
}

func telemetryAV(deviceID, ts, ttl string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"deviceId":  &types.AttributeValueMemberS{Value: deviceID},
		"timestamp": &types.AttributeValueMemberN{Value: ts},
		"ttl":       &types.AttributeValueMemberN{Value: ttl},
	}
}

func TestDynamoDBPutCondition(t *testing.T) {
	clock := newTestClock()
	fake := &fakeDynamoDB{}
	d := newTestDynamoDB(fake, clock)

	err := d.Put(context.Background(), "Devices", Item{"deviceId": "d1", "status": "active", "timestamp": int64(10)}, AttributeAtMost("timestamp", 10))
	require.NoError(t, err)
	require.NotNil(t, fake.put)
	assert.Equal(t, "Devices", aws.ToString(fake.put.TableName))
	assert.Equal(t, "attribute_not_exists(#pk) OR #cond <= :cond", aws.ToString(fake.put.ConditionExpression))
	assert.Equal(t, "timestamp", fake.put.ExpressionAttributeNames["#cond"])
	assert.Equal(t, &types.AttributeValueMemberN{Value: "10"}, fake.put.ExpressionAttributeValues[":cond"])
	assert.Equal(t, &types.AttributeValueMemberS{Value: "d1"}, fake.put.Item["deviceId"])

	err = d.Put(context.Background(), "Telemetry", Item{"deviceId": "d1", "timestamp": int64(10), "ttl": int64(99)}, NotExists())
	require.NoError(t, err)
	assert.Equal(t, "attribute_not_exists(#pk) OR #exp <= :now", aws.ToString(fake.put.ConditionExpression))

	err = d.Put(context.Background(), "Devices", Item{"status": "active"}, nil)
	assert.Error(t, err, "item without key")
}

func TestDynamoDBErrors(t *testing.T) {
	clock := newTestClock()
	fake := &fakeDynamoDB{err: &types.ConditionalCheckFailedException{Message: aws.String("nope")}}
	d := newTestDynamoDB(fake, clock)

	err := d.Put(context.Background(), "Devices", Item{"deviceId": "d1"}, NotExists())
	assert.True(t, errors.Is(err, core.ErrConditionFailed), err)

	err = d.Delete(context.Background(), "Devices", Key{Partition: "d1"})
	assert.True(t, errors.Is(err, core.ErrNotFound), err)

	fake.err = errors.New("connection reset")
	_, err = d.Get(context.Background(), "Devices", Key{Partition: "d1"})
	assert.True(t, errors.Is(err, core.ErrStoreUnavailable), err)

	fake.err = context.DeadlineExceeded
	_, err = d.Get(context.Background(), "Devices", Key{Partition: "d1"})
	assert.True(t, errors.Is(err, core.ErrTimeout), err)
}

func TestDynamoDBGet(t *testing.T) {
	clock := newTestClock()
	fake := &fakeDynamoDB{getOutput: &dynamodb.GetItemOutput{}}
	d := newTestDynamoDB(fake, clock)

	_, err := d.Get(context.Background(), "Telemetry", Key{Partition: "d1", Sort: 5})
	assert.True(t, errors.Is(err, core.ErrNotFound))
	assert.Equal(t, &types.AttributeValueMemberN{Value: "5"}, fake.get.Key["timestamp"])
	assert.True(t, aws.ToBool(fake.get.ConsistentRead))

	// expired but not yet removed by DynamoDB
	fake.getOutput = &dynamodb.GetItemOutput{Item: telemetryAV("d1", "5", "1")}
	_, err = d.Get(context.Background(), "Telemetry", Key{Partition: "d1", Sort: 5})
	assert.True(t, errors.Is(err, core.ErrNotFound))

	fake.getOutput = &dynamodb.GetItemOutput{Item: telemetryAV("d1", "5", "99999999999")}
	item, err := d.Get(context.Background(), "Telemetry", Key{Partition: "d1", Sort: 5})
	require.NoError(t, err)
	ts, _ := item.Int64("timestamp")
	assert.Equal(t, int64(5), ts)
}

func TestDynamoDBQuery(t *testing.T) {
	clock := newTestClock()
	live := "99999999999"
	lastKey := map[string]types.AttributeValue{
		"deviceId":  &types.AttributeValueMemberS{Value: "d1"},
		"timestamp": &types.AttributeValueMemberN{Value: "4"},
	}
	fake := &fakeDynamoDB{queryOutputs: []*dynamodb.QueryOutput{
		{Items: []map[string]types.AttributeValue{telemetryAV("d1", "5", live)}, LastEvaluatedKey: lastKey},
		{Items: []map[string]types.AttributeValue{telemetryAV("d1", "4", live)}, LastEvaluatedKey: lastKey},
	}}
	d := newTestDynamoDB(fake, clock)

	page, err := d.Query(context.Background(), "Telemetry", Query{Partition: "d1", Descending: true, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	require.Len(t, fake.queries, 2, "the driver keeps reading until the page is full")

	first := fake.queries[0]
	assert.Equal(t, "#pk = :pk", aws.ToString(first.KeyConditionExpression))
	assert.Equal(t, "(attribute_not_exists(#exp) OR #exp > :now)", aws.ToString(first.FilterExpression))
	assert.False(t, aws.ToBool(first.ScanIndexForward))
	assert.Equal(t, int32(2), aws.ToInt32(first.Limit))
	assert.Equal(t, int32(1), aws.ToInt32(fake.queries[1].Limit))
	assert.Equal(t, lastKey, fake.queries[1].ExclusiveStartKey)

	require.NotEmpty(t, page.NextToken)
	decoded, err := decodeDynamoCursor(page.NextToken)
	require.NoError(t, err)
	assert.Equal(t, lastKey, decoded)
}

func TestDynamoDBIndexQuery(t *testing.T) {
	clock := newTestClock()
	fake := &fakeDynamoDB{queryOutputs: []*dynamodb.QueryOutput{{}}}
	d := newTestDynamoDB(fake, clock)

	page, err := d.Query(context.Background(), "Devices", Query{Index: "StatusIndex", Partition: "active", SortRange: &Range{From: 1, To: 9}})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Empty(t, page.NextToken)

	q := fake.queries[0]
	assert.Equal(t, "StatusIndex", aws.ToString(q.IndexName))
	assert.Equal(t, "#pk = :pk AND #sk BETWEEN :from AND :to", aws.ToString(q.KeyConditionExpression))
	assert.Equal(t, "status", q.ExpressionAttributeNames["#pk"])
	assert.Nil(t, q.FilterExpression, "devices do not expire")

	_, err = d.Query(context.Background(), "Devices", Query{Index: "Nope", Partition: "active"})
	assert.Error(t, err)
}

func TestDynamoDBScanAndDelete(t *testing.T) {
	clock := newTestClock()
	fake := &fakeDynamoDB{scanOutput: &dynamodb.ScanOutput{Items: []map[string]types.AttributeValue{
		telemetryAV("d1", "5", "1"),
		telemetryAV("d2", "5", "99999999999"),
	}}}
	d := newTestDynamoDB(fake, clock)

	page, err := d.Scan(context.Background(), "Telemetry", 10, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "d2", page.Items[0]["deviceId"])

	require.NoError(t, d.Delete(context.Background(), "Devices", Key{Partition: "d1"}))
	assert.Equal(t, "attribute_exists(#pk)", aws.ToString(fake.del.ConditionExpression))
	_, hasSort := fake.del.Key["timestamp"]
	assert.False(t, hasSort)
}

func TestDynamoCursor(t *testing.T) {
	_, err := decodeDynamoCursor("%%%")
	assert.True(t, errors.Is(err, core.ErrInvalidInput))
}
