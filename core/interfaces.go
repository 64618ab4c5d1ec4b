// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package core

import "context"

// Notification describes a change of a fleet resource after it was durably written
type Notification struct {
	// Resource is the resource name, for example "device" or "telemetry"
	Resource string `json:"resource"`
	// Operation is the operation which was executed
	Operation Operation `json:"operation"`
	// Key is the partition key of the resource, usually the device id. Notifiers
	// use it to keep notifications of one device in order.
	Key string `json:"key"`
	// Payload is the JSON representation of the resource
	Payload []byte `json:"payload"`
}

// Notifier is an interface to receive resource notifications
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc is an adapter to use ordinary functions as Notifier
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify calls f(ctx, n)
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}
