// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package store

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/relabs-tech/fleetstore/core"
)

const offsetCursorPrefix = "o."

// encodeOffsetCursor encodes a result offset to an opaque continuation token
func encodeOffsetCursor(offset int) string {
	encoded := offsetCursorPrefix + strconv.Itoa(offset)
	return base64.URLEncoding.EncodeToString([]byte(encoded))
}

// decodeOffsetCursor decodes a continuation token created by encodeOffsetCursor.
// The empty token is offset 0.
func decodeOffsetCursor(token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	decoded, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid cursor format: %v", core.ErrInvalidInput, err)
	}
	s := string(decoded)
	if !strings.HasPrefix(s, offsetCursorPrefix) {
		return 0, fmt.Errorf("%w: invalid cursor format: %s", core.ErrInvalidInput, token)
	}
	offset, err := strconv.Atoi(strings.TrimPrefix(s, offsetCursorPrefix))
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("%w: invalid offset in cursor: %s", core.ErrInvalidInput, token)
	}
	return offset, nil
}
