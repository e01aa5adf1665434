// Copyright (c) 2025-2026 The glyphwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"fmt"
	"sync/atomic"
)

// lifecycle defines the operational states of the wallet.
type lifecycle uint32

const (
	// lifecycleStopped is the initial state, or the state after a
	// successful shutdown.
	lifecycleStopped lifecycle = iota

	// lifecycleStarting means the wallet is in the process of starting
	// up and cannot serve requests yet.
	lifecycleStarting

	// lifecycleStarted means the wallet is running and can serve
	// requests.
	lifecycleStarted

	// lifecycleStopping means the wallet is shutting down.
	lifecycleStopping
)

// String returns a human-readable lifecycle state.
func (l lifecycle) String() string {
	switch l {
	case lifecycleStopped:
		return "Stopped"
	case lifecycleStarting:
		return "Starting"
	case lifecycleStarted:
		return "Started"
	case lifecycleStopping:
		return "Stopping"
	default:
		return fmt.Sprintf("Unknown(%d)", uint32(l))
	}
}

// refreshState describes how current the wallet's utxo snapshot is. The
// refresher owns this state; walletState only reads it.
type refreshState uint32

const (
	// refreshPending means no refresh has completed yet. Spends cannot
	// select coins because there is no snapshot.
	refreshPending refreshState = iota

	// refreshRunning means a refresh round is in flight. The previous
	// snapshot, if any, remains readable.
	refreshRunning

	// refreshFresh means at least one refresh has completed and the
	// snapshot is usable. It may still trail the chain; conflicts
	// surface at broadcast.
	refreshFresh
)

// String returns a human-readable refresh state.
func (r refreshState) String() string {
	switch r {
	case refreshPending:
		return "Pending"
	case refreshRunning:
		return "Running"
	case refreshFresh:
		return "Fresh"
	default:
		return fmt.Sprintf("Unknown(%d)", uint32(r))
	}
}

// snapshotSource reports the freshness of the utxo snapshot. It is
// implemented by the refresher and consulted by walletState so that
// lifecycle checks and freshness checks live behind one type.
type snapshotSource interface {
	// refreshState returns the current freshness of the snapshot.
	refreshState() refreshState
}

// walletState tracks the wallet's lifecycle. Freshness of the utxo view
// is delegated to the refresher via the snapshotSource interface.
//
// State transitions:
//   - Stopped -> Starting -> Started: when `Start` is called.
//   - Started -> Stopping -> Stopped: when `Stop` is called.
type walletState struct {
	// lifecycle tracks the wallet's operational state.
	lifecycle atomic.Uint32

	// snapshot reports the freshness of the utxo view. Set once during
	// startup, before any state queries happen.
	snapshot snapshotSource
}

// newWalletState creates a new walletState with the lifecycle set to
// lifecycleStopped.
func newWalletState(src snapshotSource) *walletState {
	s := &walletState{snapshot: src}
	s.lifecycle.Store(uint32(lifecycleStopped))

	return s
}

// currentLifecycle returns the wallet's current lifecycle state.
func (s *walletState) currentLifecycle() lifecycle {
	return lifecycle(s.lifecycle.Load())
}

// isStarted returns true if the wallet is in the started state.
func (s *walletState) isStarted() bool {
	return s.currentLifecycle() == lifecycleStarted
}

// toStarting transitions the wallet from stopped to starting. It errors
// if the wallet is in any other state.
func (s *walletState) toStarting() error {
	ok := s.lifecycle.CompareAndSwap(
		uint32(lifecycleStopped), uint32(lifecycleStarting),
	)
	if !ok {
		return fmt.Errorf("%w: expected %v, got %v in toStarting",
			ErrStateForbidden, lifecycleStopped,
			s.currentLifecycle())
	}

	return nil
}

// toStarted transitions the wallet into the started state. It must only
// be called at the end of a successful startup.
func (s *walletState) toStarted() {
	s.lifecycle.Store(uint32(lifecycleStarted))
}

// toStopping transitions the wallet from started to stopping. It errors
// if the wallet is in any other state.
func (s *walletState) toStopping() error {
	ok := s.lifecycle.CompareAndSwap(
		uint32(lifecycleStarted), uint32(lifecycleStopping),
	)
	if !ok {
		return fmt.Errorf("%w: expected %v, got %v in toStopping",
			ErrStateForbidden, lifecycleStarted,
			s.currentLifecycle())
	}

	return nil
}

// toStopped transitions the wallet into the stopped state. It must only
// be called at the end of a shutdown.
func (s *walletState) toStopped() {
	s.lifecycle.Store(uint32(lifecycleStopped))
}

// validateStarted returns an error unless the wallet is started.
func (s *walletState) validateStarted() error {
	if !s.isStarted() {
		return fmt.Errorf("%w: wallet is %v, want %v",
			ErrStateForbidden, s.currentLifecycle(),
			lifecycleStarted)
	}

	return nil
}

// validateSpendable returns an error unless the wallet is started and a
// utxo snapshot exists. Selection on a stale snapshot is allowed; the
// chain is the final arbiter and conflicts surface at broadcast.
func (s *walletState) validateSpendable() error {
	if err := s.validateStarted(); err != nil {
		return err
	}

	if s.snapshot.refreshState() == refreshPending {
		return ErrNoUtxoSnapshot
	}

	return nil
}
