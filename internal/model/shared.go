package model

import "fmt"

// groupOwners computes, for each layer, the index of the layer whose
// sub-module instance it reuses. size groups that many consecutive layers
// onto the first layer of the group; sym additionally mirrors the stack so
// the second half reuses the first half's groups. Every reference points
// strictly backward or at the layer itself, so building instances in
// increasing layer order is always valid.
func groupOwners(nLayer, size int, sym bool) ([]int, error) {
	if size < 1 {
		return nil, fmt.Errorf("model: shared group size %d, must be >= 1", size)
	}
	owners := make([]int, nLayer)
	for i := 0; i < nLayer; i++ {
		gid := i / size
		if sym {
			if mirror := (nLayer - 1 - i) / size; mirror < gid {
				gid = mirror
			}
		}
		owner := gid * size
		if owner > i {
			return nil, fmt.Errorf("model: layer %d would reference layer %d ahead of it", i, owner)
		}
		owners[i] = owner
	}
	return owners, nil
}

// sharedAttentions builds the per-layer attention arena, constructing one
// instance per group owner and aliasing the rest.
func sharedAttentions(cfg *Config, build AttentionFactory) ([]Attention, error) {
	owners, err := groupOwners(cfg.NLayer, cfg.SharedAttnSize, cfg.SharedAttnSym)
	if err != nil {
		return nil, err
	}
	arena := make([]Attention, cfg.NLayer)
	for i, owner := range owners {
		if owner == i {
			if arena[i], err = build(cfg); err != nil {
				return nil, fmt.Errorf("model: attention for layer %d: %w", i, err)
			}
			continue
		}
		if arena[owner] == nil {
			return nil, fmt.Errorf("model: layer %d references unconstructed layer %d", i, owner)
		}
		arena[i] = arena[owner]
	}
	return arena, nil
}

// sharedFeedForwards is the feed-forward counterpart of sharedAttentions.
func sharedFeedForwards(cfg *Config, build FeedForwardFactory) ([]FeedForward, error) {
	owners, err := groupOwners(cfg.NLayer, cfg.SharedMLPSize, cfg.SharedMLPSym)
	if err != nil {
		return nil, err
	}
	arena := make([]FeedForward, cfg.NLayer)
	for i, owner := range owners {
		if owner == i {
			if arena[i], err = build(cfg); err != nil {
				return nil, fmt.Errorf("model: feed-forward for layer %d: %w", i, err)
			}
			continue
		}
		if arena[owner] == nil {
			return nil, fmt.Errorf("model: layer %d references unconstructed layer %d", i, owner)
		}
		arena[i] = arena[owner]
	}
	return arena, nil
}
