// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/fleetstore/core"
	"github.com/relabs-tech/fleetstore/core/csql"
)

// Postgres is a store backed by a postgres database. Every table is a relation with the item
// as jsonb column, secondary indexes are expression indexes on the item.
type Postgres struct {
	db     *csql.DB
	tables map[string]TableSchema
	now    func() time.Time
}

// PostgresBuilder is a builder helper for the Postgres store
type PostgresBuilder struct {
	// DB is a postgres database. This is mandatory.
	DB *csql.DB
	// Tables are the table schemas. This is mandatory.
	Tables []TableSchema
	// Clock returns the current time. The default is time.Now
	Clock func() time.Time
}

var validPostgresTable = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// NewPostgres returns a new Postgres store. It creates the relations and indexes if they
// do not exist yet.
func NewPostgres(ctx context.Context, b *PostgresBuilder) (*Postgres, error) {
	if b.DB == nil {
		panic("DB missing")
	}
	if len(b.Tables) == 0 {
		panic("tables missing")
	}
	p := &Postgres{
		db:     b.DB,
		tables: make(map[string]TableSchema),
		now:    b.Clock,
	}
	if p.now == nil {
		p.now = time.Now
	}
	for _, schema := range b.Tables {
		if err := schema.Validate(); err != nil {
			return nil, err
		}
		if !validPostgresTable.MatchString(schema.Name) {
			return nil, fmt.Errorf("invalid table name '%s'", schema.Name)
		}
		if err := p.createTable(ctx, schema); err != nil {
			return nil, fmt.Errorf("cannot create table %s: %w", schema.Name, err)
		}
		p.tables[schema.Name] = schema
	}
	return p, nil
}

func (p *Postgres) relation(schema TableSchema) string {
	return p.db.Schema + `."` + schema.Name + `"`
}

func (p *Postgres) createTable(ctx context.Context, schema TableSchema) error {
	relation := p.relation(schema)
	query := `CREATE TABLE IF NOT EXISTS ` + relation + ` (
partition_key varchar NOT NULL,
sort_key bigint NOT NULL DEFAULT 0,
item jsonb NOT NULL,
expires_at bigint,
PRIMARY KEY(partition_key, sort_key));
CREATE INDEX IF NOT EXISTS "` + schema.Name + `_expires_at" ON ` + relation + `(expires_at) WHERE expires_at IS NOT NULL;
`
	for name, index := range schema.Indexes {
		query += `CREATE INDEX IF NOT EXISTS "` + schema.Name + `_` + name + `" ON ` + relation +
			` ((item->>'` + index.PartitionKey + `'), ((item->>'` + index.SortKey + `')::bigint));
`
	}
	_, err := p.db.ExecContext(ctx, query)
	return err
}

func (p *Postgres) table(name string) (TableSchema, error) {
	schema, ok := p.tables[name]
	if !ok {
		return schema, fmt.Errorf("unknown table %s", name)
	}
	return schema, nil
}

// Put implements Store
func (p *Postgres) Put(ctx context.Context, table string, item Item, condition *Condition) error {
	schema, err := p.table(table)
	if err != nil {
		return err
	}
	key, err := schema.KeyOf(item)
	if err != nil {
		return err
	}
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("%w: cannot marshal item: %v", core.ErrInvalidInput, err)
	}
	var expiresAt sql.NullInt64
	if schema.ExpiryAttribute != "" {
		expiresAt.Int64, expiresAt.Valid = item.Int64(schema.ExpiryAttribute)
	}

	args := []interface{}{key.Partition, key.Sort, string(body), expiresAt}
	query := `INSERT INTO ` + p.relation(schema) + ` AS t (partition_key, sort_key, item, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (partition_key, sort_key) DO UPDATE SET item = EXCLUDED.item, expires_at = EXCLUDED.expires_at`
	if condition != nil {
		args = append(args, p.now().Unix())
		expired := `(t.expires_at IS NOT NULL AND t.expires_at <= $5)`
		switch condition.kind {
		case conditionAttributeAtMost:
			args = append(args, condition.Attribute, condition.Value)
			query += ` WHERE ` + expired + ` OR (t.item->>$6)::numeric <= $7`
		default:
			query += ` WHERE ` + expired
		}
	}

	res, err := p.db.ExecContext(ctx, query+";", args...)
	if err != nil {
		return postgresError("put item into "+table, err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return postgresError("put item into "+table, err)
	}
	if count == 0 {
		return fmt.Errorf("%w: %s %s/%d", core.ErrConditionFailed, table, key.Partition, key.Sort)
	}
	return nil
}

// Get implements Store
func (p *Postgres) Get(ctx context.Context, table string, key Key) (Item, error) {
	schema, err := p.table(table)
	if err != nil {
		return nil, err
	}
	if schema.SortKey == "" {
		key.Sort = 0
	}
	var body []byte
	err = p.db.QueryRowContext(ctx, `SELECT item FROM `+p.relation(schema)+`
WHERE partition_key = $1 AND sort_key = $2 AND (expires_at IS NULL OR expires_at > $3);`,
		key.Partition, key.Sort, p.now().Unix()).Scan(&body)
	if err == csql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s %s", core.ErrNotFound, table, key.Partition)
	}
	if err != nil {
		return nil, postgresError("get item from "+table, err)
	}
	return unmarshalJSONItem(body)
}

// Query implements Store
func (p *Postgres) Query(ctx context.Context, table string, query Query) (*Page, error) {
	schema, err := p.table(table)
	if err != nil {
		return nil, err
	}
	offset, err := decodeOffsetCursor(query.Token)
	if err != nil {
		return nil, err
	}
	limit := limitOrDefault(query.Limit)

	direction := "ASC"
	if query.Descending {
		direction = "DESC"
	}
	args := []interface{}{query.Partition, p.now().Unix()}
	var where, order string
	if query.Index == "" {
		where = `partition_key = $1`
		order = `sort_key ` + direction
		if query.SortRange != nil {
			where += ` AND sort_key BETWEEN $3 AND $4`
			args = append(args, query.SortRange.From, query.SortRange.To)
		}
	} else {
		index, ok := schema.Indexes[query.Index]
		if !ok {
			return nil, fmt.Errorf("table %s has no index %s", table, query.Index)
		}
		sortExpr := `(item->>'` + index.SortKey + `')::bigint`
		where = `item->>'` + index.PartitionKey + `' = $1 AND item ? '` + index.SortKey + `'`
		order = sortExpr + ` ` + direction + `, partition_key, sort_key`
		if query.SortRange != nil {
			where += ` AND ` + sortExpr + ` BETWEEN $3 AND $4`
			args = append(args, query.SortRange.From, query.SortRange.To)
		}
	}
	args = append(args, limit+1, offset)
	sqlQuery := fmt.Sprintf(`SELECT item FROM %s WHERE %s AND (expires_at IS NULL OR expires_at > $2)
ORDER BY %s LIMIT $%d OFFSET $%d;`, p.relation(schema), where, order, len(args)-1, len(args))
	return p.page(ctx, "query "+table, sqlQuery, args, offset, limit)
}

// Scan implements Store. Items are ordered by partition key ascending and sort key descending.
func (p *Postgres) Scan(ctx context.Context, table string, limit int, token string) (*Page, error) {
	schema, err := p.table(table)
	if err != nil {
		return nil, err
	}
	offset, err := decodeOffsetCursor(token)
	if err != nil {
		return nil, err
	}
	limit = limitOrDefault(limit)
	sqlQuery := `SELECT item FROM ` + p.relation(schema) + ` WHERE (expires_at IS NULL OR expires_at > $1)
ORDER BY partition_key ASC, sort_key DESC LIMIT $2 OFFSET $3;`
	return p.page(ctx, "scan "+table, sqlQuery, []interface{}{p.now().Unix(), limit + 1, offset}, offset, limit)
}

// page runs a query selecting limit+1 items and converts the result into a page
func (p *Postgres) page(ctx context.Context, operation, sqlQuery string, args []interface{}, offset, limit int) (*Page, error) {
	rows, err := p.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, postgresError(operation, err)
	}
	defer rows.Close()
	page := &Page{Items: []Item{}}
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, postgresError(operation, err)
		}
		if len(page.Items) == limit {
			page.NextToken = encodeOffsetCursor(offset + limit)
			break
		}
		item, err := unmarshalJSONItem(body)
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, postgresError(operation, err)
	}
	return page, nil
}

// Delete implements Store
func (p *Postgres) Delete(ctx context.Context, table string, key Key) error {
	schema, err := p.table(table)
	if err != nil {
		return err
	}
	if schema.SortKey == "" {
		key.Sort = 0
	}
	res, err := p.db.ExecContext(ctx, `DELETE FROM `+p.relation(schema)+`
WHERE partition_key = $1 AND sort_key = $2 AND (expires_at IS NULL OR expires_at > $3);`,
		key.Partition, key.Sort, p.now().Unix())
	if err != nil {
		return postgresError("delete item from "+table, err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return postgresError("delete item from "+table, err)
	}
	if count == 0 {
		return fmt.Errorf("%w: %s %s", core.ErrNotFound, table, key.Partition)
	}
	return nil
}

// Sweep implements Sweeper
func (p *Postgres) Sweep(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for _, schema := range p.tables {
		if schema.ExpiryAttribute == "" {
			continue
		}
		res, err := p.db.ExecContext(ctx, `DELETE FROM `+p.relation(schema)+
			` WHERE expires_at IS NOT NULL AND expires_at <= $1;`, now.Unix())
		if err != nil {
			return total, postgresError("sweep "+schema.Name, err)
		}
		count, _ := res.RowsAffected()
		total += int(count)
	}
	return total, nil
}

func unmarshalJSONItem(body []byte) (Item, error) {
	item := Item{}
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, fmt.Errorf("%w: cannot unmarshal item: %v", core.ErrStoreUnavailable, err)
	}
	return item, nil
}

// postgresError maps database errors to the store error taxonomy
func postgresError(operation string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", core.ErrTimeout, operation, err)
	}
	return fmt.Errorf("%w: %s: %v", core.ErrStoreUnavailable, operation, err)
}
