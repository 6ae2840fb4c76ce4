package correlator

import (
	"context"
	"sort"
	"strings"

	"github.com/amoylab/keyrelay/internal/registry"
	"github.com/amoylab/keyrelay/internal/storage"
)

// Persisted loads every exchange stored under its correlation key, oldest
// first. Settings and device entries sharing the store are skipped.
func Persisted(ctx context.Context, store storage.Store) ([]registry.Entry, error) {
	keys, err := store.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var entries []registry.Entry
	for _, k := range keys {
		if !strings.HasPrefix(k, "<WRMHEADER") {
			continue
		}
		var e registry.Entry
		found, err := storage.GetJSON(ctx, store, k, &e)
		if err != nil {
			return nil, err
		}
		if found {
			entries = append(entries, e)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Timestamp < entries[j].Timestamp })
	return entries, nil
}
