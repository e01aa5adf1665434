// Copyright (c) 2025-2026 The glyphwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/glyphlabs/glyphwallet/asset"
	"github.com/glyphlabs/glyphwallet/chain"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"
)

// shapeLookupMaxValue bounds which new outputs are worth a funding-tx
// round trip before classification. Larger outputs are no inscription
// postage, so their transaction shape adds nothing to the fallback
// heuristic.
const shapeLookupMaxValue = btcutil.Amount(10_000)

// refresherCfg bundles the dependencies of the snapshot refresher.
type refresherCfg struct {
	// DB is the wallet database holding the snapshot.
	DB walletdb.DB

	// ChainParams describe the active network.
	ChainParams *chaincfg.Params

	// Oracle answers tip, unspent and transaction queries.
	Oracle chain.Oracle

	// Classifier assigns asset tags to newly discovered outputs.
	Classifier *asset.Classifier

	// Book enumerates the wallet's derived addresses.
	Book *addressBook

	// Ticker paces the periodic refresh rounds.
	Ticker ticker.Ticker

	// MaxParallel bounds concurrent oracle calls per round.
	MaxParallel int
}

// refresher keeps the persisted utxo snapshot in step with the chain.
// Every round it re-lists the unspent outputs of all derived addresses,
// classifies the arrivals, and writes the whole delta in one database
// transaction. Between rounds the snapshot is the single source the
// selector reads from.
type refresher struct {
	cfg refresherCfg

	// state is the freshness the rest of the wallet keys off, holding
	// a refreshState value.
	state atomic.Uint32

	// force carries manual refresh requests. The channel sent along
	// receives the round's outcome.
	force chan chan error
}

// A compile-time check to ensure the refresher reports snapshot
// freshness to the wallet state machine.
var _ snapshotSource = (*refresher)(nil)

func newRefresher(cfg refresherCfg) *refresher {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = asset.DefaultMaxParallel
	}

	r := &refresher{
		cfg:   cfg,
		force: make(chan chan error),
	}
	r.state.Store(uint32(refreshPending))

	return r
}

// refreshState returns the current snapshot freshness.
func (r *refresher) refreshState() refreshState {
	return refreshState(r.state.Load())
}

// ForceRefresh runs a round out of band and reports its outcome. It
// blocks until the running loop picks the request up, so the wallet
// must be started.
func (r *refresher) ForceRefresh(ctx context.Context) error {
	done := make(chan error, 1)

	select {
	case r.force <- done:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the refresh loop. An immediate round populates the snapshot on
// startup, after that rounds follow the ticker and any forced requests.
func (r *refresher) run(ctx context.Context) {
	defer r.cfg.Ticker.Stop()
	r.cfg.Ticker.Resume()

	if err := r.refreshOnce(ctx); err != nil {
		log.Warnf("Initial snapshot refresh failed: %v", err)
	}

	for {
		select {
		case <-r.cfg.Ticker.Ticks():
			if err := r.refreshOnce(ctx); err != nil {
				log.Warnf("Snapshot refresh failed: %v", err)
			}

		case done := <-r.force:
			done <- r.refreshOnce(ctx)

		case <-ctx.Done():
			return
		}
	}
}

// discovered is one unspent output reported by the oracle, joined with
// the wallet address it pays to.
type discovered struct {
	unspent chain.Unspent
	addr    btcutil.Address
	script  []byte
}

// refreshOnce runs a full refresh round. A failing round leaves the
// previous snapshot in place, usable but stale.
func (r *refresher) refreshOnce(ctx context.Context) error {
	started := time.Now()

	// While a round is in flight over a usable snapshot the state
	// shows running. A wallet that never completed a round stays
	// pending until the first success.
	usable := r.state.CompareAndSwap(
		uint32(refreshFresh), uint32(refreshRunning),
	)
	success := false
	defer func() {
		if success || usable {
			r.state.Store(uint32(refreshFresh))
		}
	}()

	tip, err := r.cfg.Oracle.TipHeight(ctx)
	if err != nil {
		return fmt.Errorf("tip height: %w", err)
	}

	entries, err := r.cfg.Book.AllAddresses(ctx)
	if err != nil {
		return fmt.Errorf("list addresses: %w", err)
	}

	desired, err := r.listAllUnspent(ctx, entries)
	if err != nil {
		return err
	}

	current, err := r.DBListUtxos(ctx)
	if err != nil {
		return err
	}
	curSet := make(map[wire.OutPoint]*Utxo, len(current))
	for _, u := range current {
		curSet[u.OutPoint] = u
	}

	var (
		puts       []*Utxo
		dels       []wire.OutPoint
		candidates []asset.Candidate
		fresh      = make(map[wire.OutPoint]*Utxo)
	)

	for op, disc := range desired {
		cur, ok := curSet[op]
		if !ok {
			// Newly discovered. It enters the snapshot protected
			// until the classifier has spoken.
			u := &Utxo{
				OutPoint: op,
				Value:    disc.unspent.Value,
				PkScript: disc.script,
				Address:  disc.addr,
				Height:   disc.unspent.BlockHeight,
			}
			fresh[op] = u
			puts = append(puts, u)
			candidates = append(candidates, asset.Candidate{
				OutPoint: op,
				Value:    disc.unspent.Value,
			})

			continue
		}

		if cur.Height != disc.unspent.BlockHeight {
			cur.Height = disc.unspent.BlockHeight
			puts = append(puts, cur)
		}

		// Outputs the index never confirmed get another chance each
		// round. Authoritative tags are served from the classifier
		// cache, so this stays cheap.
		if _, unknown := cur.Tag.(asset.Unknown); unknown ||
			cur.Tag == nil {

			candidates = append(candidates, asset.Candidate{
				OutPoint: op,
				Value:    cur.Value,
			})
		}
	}

	for op := range curSet {
		if _, ok := desired[op]; !ok {
			dels = append(dels, op)
		}
	}

	if len(candidates) > 0 {
		if err := r.fetchShapes(ctx, candidates); err != nil {
			return err
		}

		tags, err := r.cfg.Classifier.Classify(ctx, candidates)
		if err != nil {
			return fmt.Errorf("classify: %w", err)
		}

		for op, tag := range tags {
			if u, ok := fresh[op]; ok {
				u.Tag = tag
				continue
			}

			// A re-check of an existing output only matters when
			// the index finally gave an authoritative answer.
			if _, stillUnknown := tag.(asset.Unknown); stillUnknown {
				continue
			}

			cur := curSet[op]
			cur.Tag = tag
			puts = append(puts, cur)

			log.Infof("Output %v resolved to %v", op, tag)
		}
	}

	if err := r.DBSyncSnapshot(ctx, puts, dels, tip); err != nil {
		return err
	}

	for _, op := range dels {
		r.cfg.Classifier.Forget(op)
	}

	success = true

	log.Debugf("Refreshed snapshot in %v: %d tracked, %d put, "+
		"%d spent, tip %d", time.Since(started), len(desired),
		len(puts), len(dels), tip)

	return nil
}

// listAllUnspent fans the per-address unspent listings out over the
// oracle with bounded parallelism and joins the results by outpoint.
func (r *refresher) listAllUnspent(ctx context.Context,
	entries []addrEntry) (map[wire.OutPoint]*discovered, error) {

	var mtx sync.Mutex
	found := make(map[wire.OutPoint]*discovered)

	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(r.cfg.MaxParallel)

	for _, entry := range entries {
		eg.Go(func() error {
			unspents, err := r.cfg.Oracle.ListUnspent(
				ectx, entry.addr,
			)
			if err != nil {
				return fmt.Errorf("list unspent of %v: %w",
					entry.addr, err)
			}
			if len(unspents) == 0 {
				return nil
			}

			script, err := txscript.PayToAddrScript(entry.addr)
			if err != nil {
				return fmt.Errorf("script of %v: %w",
					entry.addr, err)
			}

			mtx.Lock()
			defer mtx.Unlock()

			for _, unspent := range unspents {
				found[unspent.OutPoint] = &discovered{
					unspent: unspent,
					addr:    entry.addr,
					script:  script,
				}
			}

			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return found, nil
}

// fetchShapes fills in the funding-transaction output counts of
// postage-sized candidates, which is what the classifier's fallback
// heuristic keys on when the asset index is unreachable. Lookup
// failures leave the count at zero, they never fail the round.
func (r *refresher) fetchShapes(ctx context.Context,
	candidates []asset.Candidate) error {

	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(r.cfg.MaxParallel)

	for i := range candidates {
		if candidates[i].Value > shapeLookupMaxValue {
			continue
		}

		eg.Go(func() error {
			tx, err := r.cfg.Oracle.GetRawTransaction(
				ectx, &candidates[i].OutPoint.Hash,
			)
			if err != nil {
				if ectx.Err() != nil {
					return ectx.Err()
				}

				log.Debugf("Shape lookup of %v failed: %v",
					candidates[i].OutPoint, err)

				return nil
			}

			candidates[i].TxOutCount = len(tx.TxOut)

			return nil
		})
	}

	return eg.Wait()
}
