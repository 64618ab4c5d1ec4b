// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/goccy/go-json"

	"github.com/relabs-tech/fleetstore/core"
)

// DynamoDBAPI is the part of the DynamoDB client used by the driver
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoDB is a store backed by Amazon DynamoDB. Tables and indexes must exist, expiry is
// delegated to DynamoDB's time to live feature on the tables' expiry attribute.
type DynamoDB struct {
	client DynamoDBAPI
	tables map[string]TableSchema
	now    func() time.Time
}

// DynamoDBBuilder is a builder helper for the DynamoDB store
type DynamoDBBuilder struct {
	// Client is the DynamoDB client. This is mandatory.
	Client DynamoDBAPI
	// Tables are the table schemas. This is mandatory.
	Tables []TableSchema
	// Clock returns the current time. The default is time.Now
	Clock func() time.Time
}

// NewDynamoDB returns a new DynamoDB store
func NewDynamoDB(b *DynamoDBBuilder) *DynamoDB {
	if b.Client == nil {
		panic("client missing")
	}
	if len(b.Tables) == 0 {
		panic("tables missing")
	}
	d := &DynamoDB{
		client: b.Client,
		tables: make(map[string]TableSchema),
		now:    b.Clock,
	}
	if d.now == nil {
		d.now = time.Now
	}
	for _, schema := range b.Tables {
		if err := schema.Validate(); err != nil {
			panic(err)
		}
		d.tables[schema.Name] = schema
	}
	return d
}

// NewDynamoDBClient creates a DynamoDB client from an AWS configuration. If endpoint is not
// empty, it replaces the regional endpoint, for example for DynamoDB Local.
func NewDynamoDBClient(cfg aws.Config, endpoint string) *dynamodb.Client {
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.EndpointResolver = dynamodb.EndpointResolverFromURL(endpoint)
		}
	})
}

func (d *DynamoDB) table(name string) (TableSchema, error) {
	schema, ok := d.tables[name]
	if !ok {
		return schema, fmt.Errorf("unknown table %s", name)
	}
	return schema, nil
}

// expression collects attribute names and values of a DynamoDB expression
type expression struct {
	names  map[string]string
	values map[string]types.AttributeValue
}

func newExpression() *expression {
	return &expression{names: map[string]string{}, values: map[string]types.AttributeValue{}}
}

func (e *expression) name(placeholder, attribute string) string {
	e.names[placeholder] = attribute
	return placeholder
}

func (e *expression) number(placeholder string, n int64) string {
	e.values[placeholder] = &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
	return placeholder
}

func (e *expression) str(placeholder string, s string) string {
	e.values[placeholder] = &types.AttributeValueMemberS{Value: s}
	return placeholder
}

func (e *expression) attributeValues() map[string]types.AttributeValue {
	if len(e.values) == 0 {
		return nil
	}
	return e.values
}

// notExpired returns a filter for live items, empty if the table has no expiry
func (e *expression) notExpired(schema TableSchema, now time.Time) string {
	if schema.ExpiryAttribute == "" {
		return ""
	}
	exp := e.name("#exp", schema.ExpiryAttribute)
	return fmt.Sprintf("(attribute_not_exists(%s) OR %s > %s)", exp, exp, e.number(":now", now.Unix()))
}

// putCondition renders condition. Expired items count as absent.
func putCondition(schema TableSchema, condition *Condition, now time.Time) (string, *expression) {
	e := newExpression()
	absent := "attribute_not_exists(" + e.name("#pk", schema.PartitionKey) + ")"
	if schema.ExpiryAttribute != "" {
		absent += " OR " + e.name("#exp", schema.ExpiryAttribute) + " <= " + e.number(":now", now.Unix())
	}
	switch condition.kind {
	case conditionAttributeAtMost:
		return absent + " OR " + e.name("#cond", condition.Attribute) + " <= " + e.number(":cond", condition.Value), e
	default:
		return absent, e
	}
}

func (d *DynamoDB) keyAttributes(schema TableSchema, key Key) map[string]types.AttributeValue {
	av := map[string]types.AttributeValue{
		schema.PartitionKey: &types.AttributeValueMemberS{Value: key.Partition},
	}
	if schema.SortKey != "" {
		av[schema.SortKey] = &types.AttributeValueMemberN{Value: strconv.FormatInt(key.Sort, 10)}
	}
	return av
}

// putItemInput builds the input for Put
func (d *DynamoDB) putItemInput(schema TableSchema, item Item, condition *Condition) (*dynamodb.PutItemInput, error) {
	if _, err := schema.KeyOf(item); err != nil {
		return nil, err
	}
	av, err := attributevalue.MarshalMap(map[string]interface{}(item))
	if err != nil {
		return nil, fmt.Errorf("%w: cannot marshal item: %v", core.ErrInvalidInput, err)
	}
	input := &dynamodb.PutItemInput{
		TableName: aws.String(schema.Name),
		Item:      av,
	}
	if condition != nil {
		expr, e := putCondition(schema, condition, d.now())
		input.ConditionExpression = aws.String(expr)
		input.ExpressionAttributeNames = e.names
		input.ExpressionAttributeValues = e.attributeValues()
	}
	return input, nil
}

// Put implements Store
func (d *DynamoDB) Put(ctx context.Context, table string, item Item, condition *Condition) error {
	schema, err := d.table(table)
	if err != nil {
		return err
	}
	input, err := d.putItemInput(schema, item, condition)
	if err != nil {
		return err
	}
	if _, err = d.client.PutItem(ctx, input); err != nil {
		return dynamoError("put item into "+table, err)
	}
	return nil
}

// Get implements Store
func (d *DynamoDB) Get(ctx context.Context, table string, key Key) (Item, error) {
	schema, err := d.table(table)
	if err != nil {
		return nil, err
	}
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(schema.Name),
		Key:            d.keyAttributes(schema, key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, dynamoError("get item from "+table, err)
	}
	if len(out.Item) == 0 {
		return nil, fmt.Errorf("%w: %s %s", core.ErrNotFound, table, key.Partition)
	}
	item, err := unmarshalItem(out.Item)
	if err != nil {
		return nil, err
	}
	if schema.expired(item, d.now()) {
		return nil, fmt.Errorf("%w: %s %s", core.ErrNotFound, table, key.Partition)
	}
	return item, nil
}

// queryInput builds the input for Query
func (d *DynamoDB) queryInput(schema TableSchema, query Query, limit int) (*dynamodb.QueryInput, error) {
	pkAttr, skAttr, err := schema.keyAttributes(query.Index)
	if err != nil {
		return nil, err
	}
	e := newExpression()
	keyCondition := e.name("#pk", pkAttr) + " = " + e.str(":pk", query.Partition)
	if query.SortRange != nil && skAttr != "" {
		keyCondition += fmt.Sprintf(" AND %s BETWEEN %s AND %s", e.name("#sk", skAttr),
			e.number(":from", query.SortRange.From), e.number(":to", query.SortRange.To))
	}
	input := &dynamodb.QueryInput{
		TableName:              aws.String(schema.Name),
		KeyConditionExpression: aws.String(keyCondition),
		ScanIndexForward:       aws.Bool(!query.Descending),
		Limit:                  aws.Int32(int32(limit)),
	}
	if filter := e.notExpired(schema, d.now()); filter != "" {
		input.FilterExpression = aws.String(filter)
	}
	if query.Index != "" {
		input.IndexName = aws.String(query.Index)
	}
	input.ExpressionAttributeNames = e.names
	input.ExpressionAttributeValues = e.attributeValues()
	return input, nil
}

// Query implements Store. Because expired items are filtered after DynamoDB applied the limit,
// the driver keeps reading until the page is full or the partition is exhausted.
func (d *DynamoDB) Query(ctx context.Context, table string, query Query) (*Page, error) {
	schema, err := d.table(table)
	if err != nil {
		return nil, err
	}
	startKey, err := decodeDynamoCursor(query.Token)
	if err != nil {
		return nil, err
	}
	limit := limitOrDefault(query.Limit)
	page := &Page{Items: []Item{}}
	for {
		input, err := d.queryInput(schema, query, limit-len(page.Items))
		if err != nil {
			return nil, err
		}
		input.ExclusiveStartKey = startKey
		out, err := d.client.Query(ctx, input)
		if err != nil {
			return nil, dynamoError("query "+table, err)
		}
		if err := d.appendItems(schema, page, out.Items); err != nil {
			return nil, err
		}
		startKey = out.LastEvaluatedKey
		if len(startKey) == 0 || len(page.Items) >= limit {
			break
		}
	}
	if len(startKey) > 0 {
		page.NextToken = encodeDynamoCursor(startKey)
	}
	return page, nil
}

// Scan implements Store
func (d *DynamoDB) Scan(ctx context.Context, table string, limit int, token string) (*Page, error) {
	schema, err := d.table(table)
	if err != nil {
		return nil, err
	}
	startKey, err := decodeDynamoCursor(token)
	if err != nil {
		return nil, err
	}
	limit = limitOrDefault(limit)
	page := &Page{Items: []Item{}}
	for {
		e := newExpression()
		input := &dynamodb.ScanInput{
			TableName:         aws.String(schema.Name),
			Limit:             aws.Int32(int32(limit - len(page.Items))),
			ExclusiveStartKey: startKey,
		}
		if filter := e.notExpired(schema, d.now()); filter != "" {
			input.FilterExpression = aws.String(filter)
			input.ExpressionAttributeNames = e.names
			input.ExpressionAttributeValues = e.attributeValues()
		}
		out, err := d.client.Scan(ctx, input)
		if err != nil {
			return nil, dynamoError("scan "+table, err)
		}
		if err := d.appendItems(schema, page, out.Items); err != nil {
			return nil, err
		}
		startKey = out.LastEvaluatedKey
		if len(startKey) == 0 || len(page.Items) >= limit {
			break
		}
	}
	if len(startKey) > 0 {
		page.NextToken = encodeDynamoCursor(startKey)
	}
	return page, nil
}

func (d *DynamoDB) appendItems(schema TableSchema, page *Page, avs []map[string]types.AttributeValue) error {
	now := d.now()
	for _, av := range avs {
		item, err := unmarshalItem(av)
		if err != nil {
			return err
		}
		if !schema.expired(item, now) {
			page.Items = append(page.Items, item)
		}
	}
	return nil
}

// Delete implements Store
func (d *DynamoDB) Delete(ctx context.Context, table string, key Key) error {
	schema, err := d.table(table)
	if err != nil {
		return err
	}
	e := newExpression()
	condition := "attribute_exists(" + e.name("#pk", schema.PartitionKey) + ")"
	if filter := e.notExpired(schema, d.now()); filter != "" {
		condition += " AND " + filter
	}
	_, err = d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(schema.Name),
		Key:                       d.keyAttributes(schema, key),
		ConditionExpression:       aws.String(condition),
		ExpressionAttributeNames:  e.names,
		ExpressionAttributeValues: e.attributeValues(),
	})
	if err != nil {
		err = dynamoError("delete item from "+table, err)
		if errors.Is(err, core.ErrConditionFailed) {
			return fmt.Errorf("%w: %s %s", core.ErrNotFound, table, key.Partition)
		}
		return err
	}
	return nil
}

func unmarshalItem(av map[string]types.AttributeValue) (Item, error) {
	item := Item{}
	if err := attributevalue.UnmarshalMap(av, &item); err != nil {
		return nil, fmt.Errorf("%w: cannot unmarshal item: %v", core.ErrStoreUnavailable, err)
	}
	return item, nil
}

// dynamoError maps DynamoDB errors to the store error taxonomy
func dynamoError(operation string, err error) error {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return fmt.Errorf("%w: %s", core.ErrConditionFailed, operation)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", core.ErrTimeout, operation, err)
	}
	return fmt.Errorf("%w: %s: %v", core.ErrStoreUnavailable, operation, err)
}

// encodeDynamoCursor encodes a LastEvaluatedKey as opaque token. Key attributes are
// always strings or numbers.
func encodeDynamoCursor(key map[string]types.AttributeValue) string {
	plain := map[string]string{}
	for name, av := range key {
		switch v := av.(type) {
		case *types.AttributeValueMemberS:
			plain[name] = "S:" + v.Value
		case *types.AttributeValueMemberN:
			plain[name] = "N:" + v.Value
		}
	}
	b, _ := json.Marshal(plain)
	return base64.URLEncoding.EncodeToString(b)
}

func decodeDynamoCursor(token string) (map[string]types.AttributeValue, error) {
	if token == "" {
		return nil, nil
	}
	b, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid cursor format: %v", core.ErrInvalidInput, err)
	}
	plain := map[string]string{}
	if err := json.Unmarshal(b, &plain); err != nil {
		return nil, fmt.Errorf("%w: invalid cursor format: %v", core.ErrInvalidInput, err)
	}
	key := map[string]types.AttributeValue{}
	for name, v := range plain {
		switch {
		case strings.HasPrefix(v, "S:"):
			key[name] = &types.AttributeValueMemberS{Value: strings.TrimPrefix(v, "S:")}
		case strings.HasPrefix(v, "N:"):
			key[name] = &types.AttributeValueMemberN{Value: strings.TrimPrefix(v, "N:")}
		default:
			return nil, fmt.Errorf("%w: invalid cursor attribute %s", core.ErrInvalidInput, name)
		}
	}
	return key, nil
}
