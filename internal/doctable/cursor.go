package doctable

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stratadb/strata/pkg/types"
)

// Cursors are the URL-safe base64 of the JSON array of a row's sort-key
// tuple. A "!" prefix requests backward paging.
const reversePrefix = "!"

func encodeCursor(tuple []any, backward bool) string {
	raw, err := json.Marshal(tuple)
	if err != nil {
		// Sort keys are SQL scalars; this cannot fail for real data.
		return ""
	}
	s := base64.RawURLEncoding.EncodeToString(raw)
	if backward {
		return reversePrefix + s
	}
	return s
}

func decodeCursor(s string) (backward bool, tuple []any, err error) {
	if s == "" {
		return false, nil, nil
	}
	if strings.HasPrefix(s, reversePrefix) {
		backward = true
		s = s[len(reversePrefix):]
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return false, nil, fmt.Errorf("%w: %v", types.ErrBadCursor, err)
	}
	if err := json.Unmarshal(raw, &tuple); err != nil {
		return false, nil, fmt.Errorf("%w: %v", types.ErrBadCursor, err)
	}
	return backward, tuple, nil
}
