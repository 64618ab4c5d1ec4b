// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relabs-tech/fleetstore/core"
)

// bounded limits the latency of every call of the wrapped store
type bounded struct {
	next    Store
	timeout time.Duration
}

// WithTimeout returns a store which cancels every call to s after timeout. Calls which
// exceed the bound fail with core.ErrTimeout.
func WithTimeout(s Store, timeout time.Duration) Store {
	if timeout <= 0 {
		panic("timeout must be positive")
	}
	return &bounded{next: s, timeout: timeout}
}

func (b *bounded) Put(ctx context.Context, table string, item Item, condition *Condition) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return timeoutError(ctx, b.next.Put(ctx, table, item, condition))
}

func (b *bounded) Get(ctx context.Context, table string, key Key) (Item, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	item, err := b.next.Get(ctx, table, key)
	return item, timeoutError(ctx, err)
}

func (b *bounded) Query(ctx context.Context, table string, query Query) (*Page, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	page, err := b.next.Query(ctx, table, query)
	return page, timeoutError(ctx, err)
}

func (b *bounded) Scan(ctx context.Context, table string, limit int, token string) (*Page, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	page, err := b.next.Scan(ctx, table, limit, token)
	return page, timeoutError(ctx, err)
}

func (b *bounded) Delete(ctx context.Context, table string, key Key) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return timeoutError(ctx, b.next.Delete(ctx, table, key))
}

// timeoutError classifies err as timeout if the deadline of ctx has passed
func timeoutError(ctx context.Context, err error) error {
	if err == nil || errors.Is(err, core.ErrTimeout) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", core.ErrTimeout, err)
	}
	return err
}

// contextError maps a context error to the store error taxonomy
func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", core.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
}
