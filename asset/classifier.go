// Copyright (c) 2025-2026 The glyphwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package asset

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/glyphlabs/glyphwallet/chain"
	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultCacheSize is the number of classified outpoints kept in
	// memory between refresh rounds.
	DefaultCacheSize = 10000

	// DefaultMaxParallel bounds the concurrent index lookups issued by
	// a single Classify call.
	DefaultMaxParallel = 8

	// heuristicMinValue is the smallest output value the fallback
	// heuristic treats as a probable inscription carrier. Inscription
	// outputs are typically postage-sized, just above the dust floor.
	heuristicMinValue = btcutil.Amount(330)

	// heuristicMaxValue is the largest output value the fallback
	// heuristic treats as a probable inscription carrier.
	heuristicMaxValue = btcutil.Amount(10000)

	// heuristicMaxTxOuts is the largest funding transaction output
	// count the fallback heuristic treats as a probable inscription
	// reveal shape.
	heuristicMaxTxOuts = 3
)

// AssetSource resolves which assets, if any, an outpoint carries. It is
// satisfied by chain.Oracle.
type AssetSource interface {
	// AssetLookup returns the asset attachment of the given outpoint,
	// or chain.ErrNoAssetIndex when no asset index is configured.
	AssetLookup(ctx context.Context,
		op wire.OutPoint) (*chain.AssetInfo, error)
}

// A compile-time assertion that the chain oracle satisfies AssetSource.
var _ AssetSource = (chain.Oracle)(nil)

// Candidate is a single unspent output submitted for classification.
type Candidate struct {
	// OutPoint identifies the output.
	OutPoint wire.OutPoint

	// Value is the output value.
	Value btcutil.Amount

	// TxOutCount is the number of outputs on the transaction that
	// created this output. Zero means the shape is unknown, which
	// makes the fallback heuristic skip its carrier check.
	TxOutCount int
}

// Config bundles the dependencies and tunables of a Classifier.
type Config struct {
	// Source answers asset lookups. Required.
	Source AssetSource

	// CacheSize caps the number of resolved outpoints kept in memory.
	// DefaultCacheSize is used when zero.
	CacheSize int

	// MaxParallel bounds concurrent lookups per Classify call.
	// DefaultMaxParallel is used when zero.
	MaxParallel int
}

// cachedTag wraps a Tag for the cache, which measures elements by count
// rather than bytes.
type cachedTag struct {
	tag Tag
}

// Size returns 1 so the cache caps the number of outpoints it holds.
func (c *cachedTag) Size() (uint64, error) {
	return 1, nil
}

// A compile-time assertion that cachedTag can live in the cache.
var _ cache.Value = (*cachedTag)(nil)

// Classifier resolves the asset attachment of unspent outputs. Index
// answers are cached per outpoint; fallback verdicts produced while the
// index is unreachable are not, so the next round asks again.
type Classifier struct {
	cfg Config

	// resolved caches index-confirmed tags keyed by outpoint. Only
	// authoritative answers go in here.
	resolved *lru.Cache[wire.OutPoint, *cachedTag]
}

// NewClassifier returns a Classifier using the given source and
// tunables.
func NewClassifier(cfg Config) (*Classifier, error) {
	if cfg.Source == nil {
		return nil, errors.New("classifier requires an asset source")
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}

	return &Classifier{
		cfg: cfg,
		resolved: lru.NewCache[wire.OutPoint, *cachedTag](
			uint64(cfg.CacheSize),
		),
	}, nil
}

// Classify resolves a tag for every candidate. Cached answers are
// reused, the rest are fetched from the source with bounded
// parallelism. A candidate whose lookup fails for any reason other than
// context cancellation still gets a tag: a protective Unknown, possibly
// flagged by the carrier heuristic. The only error Classify returns is
// the context's.
func (c *Classifier) Classify(ctx context.Context,
	candidates []Candidate) (map[wire.OutPoint]Tag, error) {

	tags := make(map[wire.OutPoint]Tag, len(candidates))

	// Serve what we can from the cache and collect the rest.
	var misses []Candidate
	for _, cand := range candidates {
		entry, err := c.resolved.Get(cand.OutPoint)
		switch {
		case err == nil:
			tags[cand.OutPoint] = entry.tag

		case errors.Is(err, cache.ErrElementNotFound):
			misses = append(misses, cand)

		default:
			return nil, fmt.Errorf("tag cache: %w", err)
		}
	}
	if len(misses) == 0 {
		return tags, nil
	}

	log.Debugf("Classifying %d outpoints, %d cached", len(candidates),
		len(tags))

	var mtx sync.Mutex
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(c.cfg.MaxParallel)

	for _, cand := range misses {
		eg.Go(func() error {
			tag, authoritative, err := c.lookupTag(ectx, cand)
			if err != nil {
				return err
			}

			if authoritative {
				// Evicted entries are just refetched later, so
				// a full cache is not an error worth failing
				// the round for.
				if _, err := c.resolved.Put(
					cand.OutPoint, &cachedTag{tag: tag},
				); err != nil {
					log.Warnf("Unable to cache tag for "+
						"%v: %v", cand.OutPoint, err)
				}
			}

			mtx.Lock()
			tags[cand.OutPoint] = tag
			mtx.Unlock()

			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return tags, nil
}

// lookupTag resolves a single candidate against the source. The second
// return value reports whether the answer came from the index and may
// be cached, as opposed to a fallback verdict that should be retried.
func (c *Classifier) lookupTag(ctx context.Context,
	cand Candidate) (Tag, bool, error) {

	info, err := c.cfg.Source.AssetLookup(ctx, cand.OutPoint)
	switch {
	case err == nil:
		return tagFromInfo(cand.OutPoint, info), true, nil

	// Cancellation aborts the whole round, it is not a verdict on the
	// output.
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):

		return nil, false, err
	}

	// The index is missing or unreachable. Without an authoritative
	// answer we refuse to call anything spendable, and flag outputs
	// shaped like inscription reveals so the operator knows why they
	// are held back.
	if !errors.Is(err, chain.ErrNoAssetIndex) {
		log.Warnf("Asset lookup for %v failed: %v", cand.OutPoint, err)
	}

	return fallbackTag(cand, err), false, nil
}

// tagFromInfo maps an index answer onto a tag.
func tagFromInfo(op wire.OutPoint, info *chain.AssetInfo) Tag {
	switch {
	case info == nil:
		return Unknown{Reason: "empty index answer"}

	case len(info.Inscriptions) > 0:
		return Inscription{ID: info.Inscriptions[0]}

	case len(info.Runes) == 1:
		return Rune{
			ID:     info.Runes[0].ID,
			Amount: info.Runes[0].Amount,
		}

	// Outputs carrying several rune balances at once cannot be moved
	// through the single-rune transfer flow, so they stay locked
	// until split by hand.
	case len(info.Runes) > 1:
		log.Warnf("Output %v carries %d rune balances, protecting it",
			op, len(info.Runes))
		return Unknown{Reason: "multiple rune balances"}

	default:
		return Spendable{}
	}
}

// fallbackTag produces the protective verdict used when the index gave
// no answer. It only ever narrows spendability.
func fallbackTag(cand Candidate, cause error) Tag {
	carrier := cand.Value >= heuristicMinValue &&
		cand.Value <= heuristicMaxValue &&
		cand.TxOutCount > 0 &&
		cand.TxOutCount <= heuristicMaxTxOuts

	if carrier {
		return Unknown{Reason: "probable inscription carrier"}
	}

	return Unknown{Reason: fmt.Sprintf("asset index unavailable: %v",
		cause)}
}

// Forget drops any cached verdict for the given outpoint. Call it when
// the output is spent so the cache does not pin dead entries.
func (c *Classifier) Forget(op wire.OutPoint) {
	c.resolved.Delete(op)
}
