package store

import (
	"fmt"
	"strings"
)

type rowScanner interface {
	Scan(dest ...any) error
}

type rows interface {
	rowScanner
	Next() bool
	Err() error
	Close() error
}

// scanList scans all rows with scanFn, wraps scan/iteration errors with
// provided operation names and always closes rows before returning.
func scanList[T any](
	rs rows,
	scanFn func(rowScanner) (T, error),
	scanOp string,
	iterOp string,
) ([]T, error) {
	defer rs.Close()

	var result []T
	for rs.Next() {
		item, err := scanFn(rs)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", scanOp, err)
		}
		result = append(result, item)
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", iterOp, err)
	}
	return result, nil
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
