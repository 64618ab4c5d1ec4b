// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package notifications delivers resource notifications to message brokers.

Notifications are sent after the resource was durably written. Delivery is at least once
from the point of view of the broker client; there is no outbox, so a crash between the write
and the notification loses the notification.
*/
package notifications

import (
	"context"

	"go.uber.org/multierr"

	"github.com/relabs-tech/fleetstore/core"
)

// Multi fans a notification out to all notifiers and reports all their errors
type Multi []core.Notifier

// Notify implements core.Notifier
func (m Multi) Notify(ctx context.Context, n core.Notification) error {
	var err error
	for _, notifier := range m {
		err = multierr.Append(err, notifier.Notify(ctx, n))
	}
	return err
}
