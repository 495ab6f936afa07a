package httpx

import "context"

// CollectPages drives page-numbered listing until the service returns
// an empty page. fetch receives the 1-based page number.
func CollectPages[T any](ctx context.Context, fetch func(ctx context.Context, page int) ([]T, error)) ([]T, error) {
	var all []T
	for page := 1; ; page++ {
		items, err := fetch(ctx, page)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			return all, nil
		}
		all = append(all, items...)
	}
}

// CollectKeyed paginates like CollectPages but returns items keyed by
// key. A key seen on a later page replaces the earlier occurrence.
func CollectKeyed[T any](ctx context.Context, key func(T) string, fetch func(ctx context.Context, page int) ([]T, error)) (map[string]T, error) {
	items, err := CollectPages(ctx, fetch)
	if err != nil {
		return nil, err
	}
	out := make(map[string]T, len(items))
	for _, item := range items {
		out[key(item)] = item
	}
	return out, nil
}

// CollectCursor drives cursor pagination. fetch receives the cursor of
// the previous page ("" on the first call) and returns the next cursor,
// or "" when the listing is exhausted.
func CollectCursor[T any](ctx context.Context, fetch func(ctx context.Context, after string) ([]T, string, error)) ([]T, error) {
	var all []T
	after := ""
	for {
		items, next, err := fetch(ctx, after)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
		if next == "" {
			return all, nil
		}
		after = next
	}
}
