// Package utils holds paging arithmetic shared by the store and handlers.
package utils

import "math"

// ClampPageSize caps size at max. A max below 1 means no cap.
func ClampPageSize(size, max int) int {
	if max > 0 && size > max {
		return max
	}
	return size
}

// Offset is the number of rows before the first item of page (1-based).
// It saturates instead of overflowing for absurd page numbers.
func Offset(page, pageSize int) int {
	if page < 1 || pageSize < 1 {
		return 0
	}
	if page-1 > math.MaxInt/pageSize {
		return math.MaxInt
	}
	return (page - 1) * pageSize
}

// TotalPages is ceil(total/pageSize), or 0 when either is not positive.
func TotalPages(total int64, pageSize int) int {
	if total <= 0 || pageSize <= 0 {
		return 0
	}
	return int((total + int64(pageSize) - 1) / int64(pageSize))
}
