// Copyright (c) 2025-2026 The glyphwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package asset labels unspent outputs with the asset they carry. A
// plain-value output is Spendable; outputs anchoring an inscription or
// a rune balance are protected from ordinary value spends and only move
// through the transfer flow that names their asset. Outputs the
// classifier could not resolve stay Unknown, which also protects them:
// classification failure narrows spendability, it never widens it.
package asset

import (
	"bytes"
	"fmt"

	"github.com/lightningnetwork/lnd/tlv"
)

// Tag is a sealed interface describing the asset attachment of a single
// unspent output. The only implementations are Spendable, Inscription,
// Rune and Unknown; a nil Tag means unclassified and is treated like
// Unknown everywhere.
type Tag interface {
	// isTag is a marker method that is part of the sealed interface
	// pattern. It is unexported, so only types within this package can
	// be used as a Tag.
	isTag()

	// String renders the tag for logs and errors.
	String() string
}

// Spendable marks an output carrying nothing but plain value. Only
// Spendable outputs may fund ordinary sends and fee inputs.
type Spendable struct{}

// Inscription marks an output anchoring a non-fungible artifact.
type Inscription struct {
	// ID is the inscription identifier.
	ID string
}

// Rune marks an output carrying a fungible token balance.
type Rune struct {
	// ID is the rune identifier.
	ID string

	// Amount is the token quantity in atomic units.
	Amount uint64
}

// Unknown marks an output whose classification did not resolve. Unknown
// outputs are excluded from selection entirely.
type Unknown struct {
	// Reason records why the output stayed unclassified.
	Reason string
}

func (Spendable) isTag()   {}
func (Inscription) isTag() {}
func (Rune) isTag()        {}
func (Unknown) isTag()     {}

// String returns the tag name used in logs.
func (Spendable) String() string { return "spendable" }

// String returns the tag name and inscription id used in logs.
func (i Inscription) String() string {
	return fmt.Sprintf("inscription(%s)", i.ID)
}

// String returns the tag name, rune id and amount used in logs.
func (r Rune) String() string {
	return fmt.Sprintf("rune(%s, %d)", r.ID, r.Amount)
}

// String returns the tag name and reason used in logs.
func (u Unknown) String() string {
	return fmt.Sprintf("unknown(%s)", u.Reason)
}

// A compile-time assertion that every variant implements Tag.
var _ Tag = Spendable{}
var _ Tag = Inscription{}
var _ Tag = Rune{}
var _ Tag = Unknown{}

// IsSpendable reports whether the tag permits spending the output as
// ordinary value. A nil tag does not.
func IsSpendable(t Tag) bool {
	_, ok := t.(Spendable)
	return ok
}

// Protected reports whether the output must never fund an ordinary
// value spend. Everything except Spendable is protected, nil included.
func Protected(t Tag) bool {
	return !IsSpendable(t)
}

// Tag kind bytes used by the serialized form.
const (
	kindSpendable   uint8 = 1
	kindInscription uint8 = 2
	kindRune        uint8 = 3
	kindUnknown     uint8 = 4
)

// Serialized tag record tlv types.
const (
	typeTagKind   tlv.Type = 1
	typeTagID     tlv.Type = 2
	typeTagAmount tlv.Type = 3
)

// MarshalTag serializes a tag for storage. Nil tags are rejected;
// persist only what was actually classified.
func MarshalTag(t Tag) ([]byte, error) {
	var (
		kind   uint8
		id     []byte
		amount uint64
	)

	switch tag := t.(type) {
	case Spendable:
		kind = kindSpendable
	case Inscription:
		kind = kindInscription
		id = []byte(tag.ID)
	case Rune:
		kind = kindRune
		id = []byte(tag.ID)
		amount = tag.Amount
	case Unknown:
		kind = kindUnknown
		id = []byte(tag.Reason)
	default:
		return nil, fmt.Errorf("cannot marshal tag %v", t)
	}

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeTagKind, &kind),
		tlv.MakePrimitiveRecord(typeTagID, &id),
		tlv.MakePrimitiveRecord(typeTagAmount, &amount),
	)
	if err != nil {
		return nil, fmt.Errorf("new stream: %w", err)
	}

	var buf bytes.Buffer
	if err := stream.Encode(&buf); err != nil {
		return nil, fmt.Errorf("encode tag: %w", err)
	}

	return buf.Bytes(), nil
}

// UnmarshalTag deserializes a stored tag.
func UnmarshalTag(raw []byte) (Tag, error) {
	var (
		kind   uint8
		id     []byte
		amount uint64
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeTagKind, &kind),
		tlv.MakePrimitiveRecord(typeTagID, &id),
		tlv.MakePrimitiveRecord(typeTagAmount, &amount),
	)
	if err != nil {
		return nil, fmt.Errorf("new stream: %w", err)
	}

	if err := stream.Decode(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("decode tag: %w", err)
	}

	switch kind {
	case kindSpendable:
		return Spendable{}, nil
	case kindInscription:
		return Inscription{ID: string(id)}, nil
	case kindRune:
		return Rune{ID: string(id), Amount: amount}, nil
	case kindUnknown:
		return Unknown{Reason: string(id)}, nil
	default:
		return nil, fmt.Errorf("unknown tag kind %d", kind)
	}
}
