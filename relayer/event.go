package relayer

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"strings"

	"lukechampine.com/blake3"

	bastioncrypto "github.com/Bastion-Protocol/domainfi-bastion-sub000/crypto"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/native/mirror"
)

var (
	ErrInvalidAssetID = errors.New("relayer: origin asset id must be positive")
	ErrInvalidNonce   = errors.New("relayer: nonce must be positive")
	ErrInvalidHolder  = errors.New("relayer: new holder required")
	ErrInvalidDomain  = errors.New("relayer: domain name required")
)

// CustodyEvent is one observed custody change on the origin chain. The relayer
// receives it from the origin watcher (or an operator replay) and drives it
// through the mirror registry exactly once per (asset, nonce).
type CustodyEvent struct {
	OriginAssetID     uint64                `json:"originAssetId"`
	Domain            string                `json:"domain"`
	PreviousHolder    bastioncrypto.Address `json:"-"`
	NewHolder         bastioncrypto.Address `json:"-"`
	OriginBlockHeight uint64                `json:"originBlockHeight"`
	Nonce             uint64                `json:"nonce"`
	// EventHash is the origin transaction hash the change was observed in.
	EventHash [32]byte `json:"-"`
}

// Validate checks the event is structurally complete before it is journaled.
func (e CustodyEvent) Validate() error {
	if e.OriginAssetID == 0 {
		return ErrInvalidAssetID
	}
	if e.Nonce == 0 {
		return ErrInvalidNonce
	}
	if e.NewHolder.IsZero() {
		return ErrInvalidHolder
	}
	if strings.TrimSpace(e.Domain) == "" {
		return ErrInvalidDomain
	}
	return nil
}

// IsValidationError reports whether err is a structural rejection of the
// event itself. A structurally invalid event can never succeed on
// redelivery, so callers must not retry it.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidAssetID) ||
		errors.Is(err, ErrInvalidNonce) ||
		errors.Is(err, ErrInvalidHolder) ||
		errors.Is(err, ErrInvalidDomain)
}

// Digest derives the deduplication key for at-least-once delivery. Two
// receipts of the same origin observation hash identically regardless of the
// path they arrived through.
func (e CustodyEvent) Digest() string {
	h := blake3.New(32, nil)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], e.OriginAssetID)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], e.Nonce)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], e.OriginBlockHeight)
	h.Write(buf[:])
	h.Write([]byte(strings.ToLower(strings.TrimSpace(e.Domain))))
	h.Write(e.PreviousHolder.Bytes())
	h.Write(e.NewHolder.Bytes())
	h.Write(e.EventHash[:])
	return hex.EncodeToString(h.Sum(nil))
}

// Update converts the event into the registry's mutation form.
func (e CustodyEvent) Update() mirror.CustodyUpdate {
	return mirror.CustodyUpdate{
		OriginAssetID:     e.OriginAssetID,
		Domain:            e.Domain,
		PreviousHolder:    e.PreviousHolder,
		NewHolder:         e.NewHolder,
		OriginBlockHeight: e.OriginBlockHeight,
		Nonce:             e.Nonce,
		EventHash:         e.EventHash,
	}
}
