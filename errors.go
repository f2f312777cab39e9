package cache

import (
	"errors"
	"fmt"
)

var (
	ErrCacheClosed    = errors.New("cache is closed")
	ErrEmptyKey       = errors.New("empty key")
	ErrInvalidSegment = errors.New("invalid segment")
)

type CacheError struct {
	Op    string
	Key   string
	Cause error
}

func (e *CacheError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("cache %s %q: %v", e.Op, e.Key, e.Cause)
	}
	return fmt.Sprintf("cache %s: %v", e.Op, e.Cause)
}

func (e *CacheError) Unwrap() error {
	return e.Cause
}

func newCacheError(op, key string, cause error) *CacheError {
	return &CacheError{
		Op:    op,
		Key:   key,
		Cause: cause,
	}
}
