// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/relabs-tech/fleetstore/core"
)

// Memory is an in-process store. It is used for local development and tests.
// Items are copied shallowly on the way in and out.
type Memory struct {
	mu     sync.RWMutex
	tables map[string]*memoryTable
	now    func() time.Time
}

type memoryTable struct {
	schema TableSchema
	items  map[Key]Item
}

// MemoryBuilder is a builder helper for the Memory store
type MemoryBuilder struct {
	// Tables are the table schemas. This is mandatory.
	Tables []TableSchema
	// Clock returns the current time. The default is time.Now
	Clock func() time.Time
}

// NewMemory returns a new in-memory store
func NewMemory(b *MemoryBuilder) *Memory {
	if len(b.Tables) == 0 {
		panic("tables missing")
	}
	m := &Memory{
		tables: make(map[string]*memoryTable),
		now:    b.Clock,
	}
	if m.now == nil {
		m.now = time.Now
	}
	for _, schema := range b.Tables {
		if err := schema.Validate(); err != nil {
			panic(err)
		}
		m.tables[schema.Name] = &memoryTable{schema: schema, items: make(map[Key]Item)}
	}
	return m
}

func (m *Memory) table(name string) (*memoryTable, error) {
	t, ok := m.tables[name]
	if !ok {
		return nil, fmt.Errorf("unknown table %s", name)
	}
	return t, nil
}

// liveItem returns the item for key unless it is missing or expired
func (t *memoryTable) liveItem(key Key, now time.Time) Item {
	item, ok := t.items[key]
	if !ok || t.schema.expired(item, now) {
		return nil
	}
	return item
}

// Put implements Store
func (m *Memory) Put(ctx context.Context, table string, item Item, condition *Condition) error {
	if err := ctx.Err(); err != nil {
		return contextError(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.table(table)
	if err != nil {
		return err
	}
	key, err := t.schema.KeyOf(item)
	if err != nil {
		return err
	}
	if !condition.satisfiedBy(t.liveItem(key, m.now())) {
		return fmt.Errorf("%w: %s %s/%d", core.ErrConditionFailed, table, key.Partition, key.Sort)
	}
	t.items[key] = item.Clone()
	return nil
}

// Get implements Store
func (m *Memory) Get(ctx context.Context, table string, key Key) (Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, contextError(err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, err := m.table(table)
	if err != nil {
		return nil, err
	}
	if t.schema.SortKey == "" {
		key.Sort = 0
	}
	item := t.liveItem(key, m.now())
	if item == nil {
		return nil, fmt.Errorf("%w: %s %s", core.ErrNotFound, table, key.Partition)
	}
	return item.Clone(), nil
}

// Query implements Store
func (m *Memory) Query(ctx context.Context, table string, query Query) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, contextError(err)
	}
	offset, err := decodeOffsetCursor(query.Token)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, err := m.table(table)
	if err != nil {
		return nil, err
	}
	pkAttr, skAttr, err := t.schema.keyAttributes(query.Index)
	if err != nil {
		return nil, err
	}

	type entry struct {
		key  Key
		sort int64
		item Item
	}
	now := m.now()
	var entries []entry
	for key, item := range t.items {
		if pk, ok := item.String(pkAttr); !ok || pk != query.Partition {
			continue
		}
		var sk int64
		if skAttr != "" {
			var ok bool
			if sk, ok = item.Int64(skAttr); !ok {
				continue
			}
		}
		if query.SortRange != nil && (sk < query.SortRange.From || sk > query.SortRange.To) {
			continue
		}
		if t.schema.expired(item, now) {
			continue
		}
		entries = append(entries, entry{key: key, sort: sk, item: item})
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.sort != b.sort {
			if query.Descending {
				return a.sort > b.sort
			}
			return a.sort < b.sort
		}
		return lessKey(a.key, b.key)
	})

	items := make([]Item, len(entries))
	for i := range entries {
		items[i] = entries[i].item
	}
	return paginate(items, offset, query.Limit), nil
}

// Scan implements Store. Items are ordered by partition key ascending and sort key descending.
func (m *Memory) Scan(ctx context.Context, table string, limit int, token string) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, contextError(err)
	}
	offset, err := decodeOffsetCursor(token)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, err := m.table(table)
	if err != nil {
		return nil, err
	}
	now := m.now()
	keys := make([]Key, 0, len(t.items))
	for key, item := range t.items {
		if !t.schema.expired(item, now) {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Partition != keys[j].Partition {
			return keys[i].Partition < keys[j].Partition
		}
		return keys[i].Sort > keys[j].Sort
	})
	items := make([]Item, len(keys))
	for i, key := range keys {
		items[i] = t.items[key]
	}
	return paginate(items, offset, limit), nil
}

// Delete implements Store
func (m *Memory) Delete(ctx context.Context, table string, key Key) error {
	if err := ctx.Err(); err != nil {
		return contextError(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.table(table)
	if err != nil {
		return err
	}
	if t.schema.SortKey == "" {
		key.Sort = 0
	}
	live := t.liveItem(key, m.now()) != nil
	delete(t.items, key)
	if !live {
		return fmt.Errorf("%w: %s %s", core.ErrNotFound, table, key.Partition)
	}
	return nil
}

// Sweep implements Sweeper
func (m *Memory) Sweep(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, t := range m.tables {
		for key, item := range t.items {
			if t.schema.expired(item, now) {
				delete(t.items, key)
				count++
			}
		}
	}
	return count, nil
}

func lessKey(a, b Key) bool {
	if a.Partition != b.Partition {
		return a.Partition < b.Partition
	}
	return a.Sort < b.Sort
}

// paginate cuts a page out of a complete, ordered result
func paginate(items []Item, offset, limit int) *Page {
	limit = limitOrDefault(limit)
	page := &Page{}
	if offset >= len(items) {
		page.Items = []Item{}
		return page
	}
	end := offset + limit
	if end < len(items) {
		page.NextToken = encodeOffsetCursor(end)
	} else {
		end = len(items)
	}
	page.Items = make([]Item, 0, end-offset)
	for _, item := range items[offset:end] {
		page.Items = append(page.Items, item.Clone())
	}
	return page
}
