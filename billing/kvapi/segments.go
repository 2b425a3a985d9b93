package kvapi

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pawmatch/gatekeeper/store"
)

// segmentSize bounds the items in one segment record. An append rewrites
// the head and the last segment only, whatever the list length.
const segmentSize = 256

// listHead is the record at {list}:head.
type listHead struct {
	Segments int `json:"segments"`
}

func headKey(list string) string { return list + ":head" }

func segmentKey(list string, n int) string { return list + ":" + strconv.Itoa(n) }

func loadHead(ctx context.Context, kv store.Store, list string) (listHead, error) {
	var h listHead
	err := store.GetJSON(ctx, kv, headKey(list), &h)
	if store.IsNotFound(err) {
		return listHead{}, nil
	}
	return h, err
}

func loadSegment[T any](ctx context.Context, kv store.Store, list string, n int) ([]T, error) {
	var items []T
	err := store.GetJSON(ctx, kv, segmentKey(list, n), &items)
	if store.IsNotFound(err) {
		return nil, nil
	}
	return items, err
}

// appendItem adds item to the end of list. It must run under a lock
// covering list.
func appendItem[T any](ctx context.Context, kv store.Store, list string, item T) error {
	h, err := loadHead(ctx, kv, list)
	if err != nil {
		return err
	}

	n := max(h.Segments-1, 0)
	var items []T
	if h.Segments > 0 {
		if items, err = loadSegment[T](ctx, kv, list, n); err != nil {
			return err
		}
		if len(items) >= segmentSize {
			n++
			items = nil
		}
	}

	// The segment is written before the head so a failed head write leaves
	// at worst an item the next append will find in place.
	if err := store.SetJSON(ctx, kv, segmentKey(list, n), append(items, item), 0); err != nil {
		return fmt.Errorf("kvapi: append %s: %w", list, err)
	}
	if n+1 > h.Segments {
		h.Segments = n + 1
		if err := store.SetJSON(ctx, kv, headKey(list), h, 0); err != nil {
			return fmt.Errorf("kvapi: append %s: %w", list, err)
		}
	}
	return nil
}

// walkNewest calls fn on every item of list from newest to oldest until fn
// returns false. Only the segments it reaches are read.
func walkNewest[T any](ctx context.Context, kv store.Store, list string, fn func(T) bool) error {
	h, err := loadHead(ctx, kv, list)
	if err != nil {
		return err
	}
	for n := h.Segments - 1; n >= 0; n-- {
		items, err := loadSegment[T](ctx, kv, list, n)
		if err != nil {
			return err
		}
		for i := len(items) - 1; i >= 0; i-- {
			if !fn(items[i]) {
				return nil
			}
		}
	}
	return nil
}

// loadAll returns every item of list, oldest first.
func loadAll[T any](ctx context.Context, kv store.Store, list string) ([]T, error) {
	h, err := loadHead(ctx, kv, list)
	if err != nil {
		return nil, err
	}
	var out []T
	for n := range h.Segments {
		items, err := loadSegment[T](ctx, kv, list, n)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
	}
	return out, nil
}
