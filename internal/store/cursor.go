package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is wrapped by every cursor parse failure.
var ErrInvalidCursor = errors.New("invalid cursor")

// ParseTimeCursor decodes a "<unixnano>:<id>" cursor. An empty cursor yields
// the zero time.
func ParseTimeCursor(cursor string) (time.Time, string, error) {
	if cursor == "" {
		return time.Time{}, "", nil
	}
	n, id, err := splitCursor(cursor)
	if err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, n).UTC(), id, nil
}

func EncodeTimeCursor(ts time.Time, id string) string {
	return fmt.Sprintf("%d:%s", ts.UTC().UnixNano(), id)
}

// ParsePositionCursor decodes a "<position>:<id>" cursor used by ordered
// listings such as the catalog. ok is false for an empty cursor.
func ParsePositionCursor(cursor string) (position int, id string, ok bool, err error) {
	if cursor == "" {
		return 0, "", false, nil
	}
	n, id, err := splitCursor(cursor)
	if err != nil {
		return 0, "", false, err
	}
	return int(n), id, true, nil
}

func EncodePositionCursor(position int, id string) string {
	return fmt.Sprintf("%d:%s", position, id)
}

func splitCursor(cursor string) (int64, string, error) {
	parts := strings.SplitN(cursor, ":", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("%w format", ErrInvalidCursor)
	}
	n, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w value", ErrInvalidCursor)
	}
	if parts[1] == "" {
		return 0, "", fmt.Errorf("%w id", ErrInvalidCursor)
	}
	return n, parts[1], nil
}

func decodePlan(raw []byte) any {
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return string(raw)
	}
	return parsed
}
