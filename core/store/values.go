// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package store

import (
	"math"
	"strconv"

	"github.com/goccy/go-json"
)

// String returns the string attribute
func (i Item) String(attribute string) (string, bool) {
	s, ok := i[attribute].(string)
	return s, ok
}

// Int64 returns a numeric attribute as integer. Drivers deliver numbers in
// different representations, all integral ones are accepted.
func (i Item) Int64(attribute string) (int64, bool) {
	return ToInt64(i[attribute])
}

// Clone returns a shallow copy of the item
func (i Item) Clone() Item {
	if i == nil {
		return nil
	}
	c := make(Item, len(i))
	for k, v := range i {
		c[k] = v
	}
	return c
}

// ToInt64 converts an integral number to int64
func ToInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) || math.Abs(n) > 1<<53 {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}
