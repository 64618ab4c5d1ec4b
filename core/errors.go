// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package core

import "errors"

// Errors shared by all fleet components. Implementations wrap them with
// additional context, callers test for them with errors.Is.
var (
	// ErrNotFound is returned when an addressed record does not exist or has expired
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput is returned when a request lacks required fields or is malformed
	ErrInvalidInput = errors.New("invalid input")
	// ErrConditionFailed is returned when a conditional write lost against a concurrent writer
	ErrConditionFailed = errors.New("condition failed")
	// ErrUnsupportedOperation is returned for requests which match no known operation
	ErrUnsupportedOperation = errors.New("unsupported operation")
	// ErrStoreUnavailable is returned when the backing store cannot serve a request
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrTimeout is returned when a store call exceeds its latency bound
	ErrTimeout = errors.New("timeout")
	// ErrUnknownIdentity is returned when an identity has no capability binding
	ErrUnknownIdentity = errors.New("unknown identity")
)
