// Package utils provides small, generic helper functions used across
// different layers of the application. These utilities are independent
// of domain or business logic.
package utils

import "strconv"

// AtoiDefault converts a string to an int using strconv.Atoi.
// If the string is empty or cannot be parsed as an integer,
// it returns the provided default value instead.
//
// Example:
//
//	n := utils.AtoiDefault("42", 0) // returns 42
//	n = utils.AtoiDefault("", 10)   // returns 10
//	n = utils.AtoiDefault("x", 5)   // returns 5
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// ClampPage applies defaults and caps to 1-based page parameters.
func ClampPage(page, pageSize, defaultSize, maxSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultSize
	}
	if maxSize > 0 && pageSize > maxSize {
		pageSize = maxSize
	}
	return page, pageSize
}

// PageBounds returns the [lo, hi) bounds of a 1-based page within total
// items. Pages past the end yield lo == hi == total.
func PageBounds(total, page, pageSize int) (lo, hi int) {
	if page < 1 || pageSize < 1 {
		return 0, 0
	}
	lo = (page - 1) * pageSize
	if lo > total {
		lo = total
	}
	hi = lo + pageSize
	if hi > total {
		hi = total
	}
	return lo, hi
}

// TotalPages returns how many pages of pageSize hold total items.
func TotalPages(total int64, pageSize int) int {
	if pageSize < 1 {
		return 0
	}
	return int((total + int64(pageSize) - 1) / int64(pageSize))
}
