package core

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrappedErrors(t *testing.T) {
	err := fmt.Errorf("%w: devices table", ErrStoreUnavailable)
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestNotifierFunc(t *testing.T) {
	var got Notification
	var n Notifier = NotifierFunc(func(ctx context.Context, n Notification) error {
		got = n
		return nil
	})
	require.NoError(t, n.Notify(context.Background(), Notification{Resource: "device", Operation: OperationCreate, Key: "d1"}))
	assert.Equal(t, "d1", got.Key)
}
