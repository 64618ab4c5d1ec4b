// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package store provides an indexed key-value store for fleet records.

A store manages a fixed set of tables, each described by a TableSchema. Items are addressed by a
string partition key and an optional numeric sort key. Secondary indexes allow range queries on
other attributes. Items carrying an expiry attribute (epoch seconds) are invisible to all reads as
soon as the expiry time has passed; they are removed physically later, either by the backing
database or by a Janitor.

Three drivers implement the Store interface: Memory, DynamoDB and Postgres.
*/
package store

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

// Item is a single record, a set of named attributes
type Item map[string]interface{}

// Key addresses an item. Sort is ignored for tables without sort key.
type Key struct {
	Partition string
	Sort      int64
}

// IndexSchema describes a secondary index. Items without the index attributes
// are not part of the index.
type IndexSchema struct {
	PartitionKey string
	SortKey      string
}

// TableSchema describes a table
type TableSchema struct {
	// Name is the name of the table. This is mandatory.
	Name string
	// PartitionKey is the name of the string partition key attribute. This is mandatory.
	PartitionKey string
	// SortKey is the name of the numeric sort key attribute. This is optional.
	SortKey string
	// Indexes are the secondary indexes by name
	Indexes map[string]IndexSchema
	// ExpiryAttribute is the name of a numeric attribute holding the expiry time
	// in epoch seconds. This is optional.
	ExpiryAttribute string
}

var validAttributeName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks that the schema is usable by all drivers
func (s TableSchema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("table name missing")
	}
	names := []string{s.PartitionKey}
	if s.SortKey != "" {
		names = append(names, s.SortKey)
	}
	if s.ExpiryAttribute != "" {
		names = append(names, s.ExpiryAttribute)
	}
	for name, index := range s.Indexes {
		if name == "" || index.PartitionKey == "" || index.SortKey == "" {
			return fmt.Errorf("table %s: index '%s' incomplete", s.Name, name)
		}
		names = append(names, index.PartitionKey, index.SortKey)
	}
	for _, n := range names {
		if !validAttributeName.MatchString(n) {
			return fmt.Errorf("table %s: invalid attribute name '%s'", s.Name, n)
		}
	}
	return nil
}

// KeyOf extracts the key of an item
func (s TableSchema) KeyOf(item Item) (Key, error) {
	var key Key
	pk, ok := item.String(s.PartitionKey)
	if !ok || pk == "" {
		return key, fmt.Errorf("table %s: item has no partition key %s", s.Name, s.PartitionKey)
	}
	key.Partition = pk
	if s.SortKey != "" {
		sk, ok := item.Int64(s.SortKey)
		if !ok {
			return key, fmt.Errorf("table %s: item has no numeric sort key %s", s.Name, s.SortKey)
		}
		key.Sort = sk
	}
	return key, nil
}

// keyAttributes returns the partition and sort attribute for a query on index,
// the table itself if index is empty.
func (s TableSchema) keyAttributes(index string) (string, string, error) {
	if index == "" {
		return s.PartitionKey, s.SortKey, nil
	}
	i, ok := s.Indexes[index]
	if !ok {
		return "", "", fmt.Errorf("table %s has no index %s", s.Name, index)
	}
	return i.PartitionKey, i.SortKey, nil
}

// expired returns true if the item's expiry time has passed
func (s TableSchema) expired(item Item, now time.Time) bool {
	if s.ExpiryAttribute == "" {
		return false
	}
	expiry, ok := item.Int64(s.ExpiryAttribute)
	return ok && expiry <= now.Unix()
}

type conditionKind int

const (
	conditionNotExists conditionKind = iota + 1
	conditionAttributeAtMost
)

// Condition is a precondition for a write
type Condition struct {
	kind      conditionKind
	Attribute string
	Value     int64
}

// NotExists is satisfied when no live item with the same key exists
func NotExists() *Condition {
	return &Condition{kind: conditionNotExists}
}

// AttributeAtMost is satisfied when no live item with the same key exists, or when the existing
// item's numeric attribute is less than or equal to value. It implements optimistic
// last-writer-wins on monotonically increasing attributes such as timestamps.
func AttributeAtMost(attribute string, value int64) *Condition {
	return &Condition{kind: conditionAttributeAtMost, Attribute: attribute, Value: value}
}

// satisfiedBy evaluates the condition against the current live item, nil if there is none
func (c *Condition) satisfiedBy(existing Item) bool {
	if c == nil || existing == nil {
		return true
	}
	switch c.kind {
	case conditionNotExists:
		return false
	case conditionAttributeAtMost:
		v, ok := existing.Int64(c.Attribute)
		return ok && v <= c.Value
	}
	return false
}

// Range is an inclusive range of sort key values
type Range struct {
	From int64
	To   int64
}

// Query selects the items of one partition of a table or of a secondary index
type Query struct {
	// Index is the name of the secondary index, empty to query the table itself
	Index string
	// Partition is the partition key value
	Partition string
	// SortRange optionally restricts the sort key
	SortRange *Range
	// Descending returns the newest (highest sort key) first
	Descending bool
	// Limit is the maximum number of items on the page, DefaultPageSize if not positive
	Limit int
	// Token continues a previous query
	Token string
}

// Page is a finite result of a query or a scan
type Page struct {
	Items []Item
	// NextToken is non-empty when more items are available
	NextToken string
}

// DefaultPageSize is used when a query or scan has no limit
const DefaultPageSize = 1000

// Store is the interface of all drivers.
//
// Errors wrap core.ErrNotFound, core.ErrConditionFailed, core.ErrStoreUnavailable or core.ErrTimeout.
type Store interface {
	// Put writes an item, replacing an existing item with the same key if the condition holds
	Put(ctx context.Context, table string, item Item, condition *Condition) error
	// Get reads a live item
	Get(ctx context.Context, table string, key Key) (Item, error)
	// Query reads a page of live items of one partition
	Query(ctx context.Context, table string, query Query) (*Page, error)
	// Scan reads a page of all live items of a table
	Scan(ctx context.Context, table string, limit int, token string) (*Page, error)
	// Delete removes a live item
	Delete(ctx context.Context, table string, key Key) error
}

// Sweeper is implemented by drivers which need help removing expired items
type Sweeper interface {
	// Sweep removes items which expired before now and returns their number
	Sweep(ctx context.Context, now time.Time) (int, error)
}

func limitOrDefault(limit int) int {
	if limit <= 0 || limit > DefaultPageSize {
		return DefaultPageSize
	}
	return limit
}
