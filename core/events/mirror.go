package events

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/Bastion-Protocol/domainfi-bastion-sub000/core/types"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/crypto"
)

const (
	// TypeMirrorMinted is emitted when a mirror token is first materialised
	// on the lending ledger.
	TypeMirrorMinted = "mirror.minted"
	// TypeMirrorTransferred is emitted when custody of a mirror token moves
	// between holders.
	TypeMirrorTransferred = "mirror.transferred"
	// TypeMirrorLocked is emitted when a mirror token is pledged as
	// collateral.
	TypeMirrorLocked = "mirror.locked"
	// TypeMirrorUnlocked is emitted when a pledge is released.
	TypeMirrorUnlocked = "mirror.unlocked"
)

type MirrorMinted struct {
	OriginAssetID uint64
	Domain        string
	MirrorTokenID string
	Holder        crypto.Address
	Nonce         uint64
	EventHash     [32]byte
}

func (MirrorMinted) EventType() string { return TypeMirrorMinted }

func (e MirrorMinted) Event() *types.Event {
	attrs := map[string]string{
		"originAssetId": strconv.FormatUint(e.OriginAssetID, 10),
		"domain":        e.Domain,
		"mirrorTokenId": e.MirrorTokenID,
		"holder":        e.Holder.String(),
		"nonce":         strconv.FormatUint(e.Nonce, 10),
	}
	if hash := formatHash(e.EventHash); hash != "" {
		attrs["eventHash"] = hash
	}
	return &types.Event{Type: TypeMirrorMinted, Attributes: attrs}
}

type MirrorTransferred struct {
	OriginAssetID uint64
	MirrorTokenID string
	From          crypto.Address
	To            crypto.Address
	Nonce         uint64
	EventHash     [32]byte
}

func (MirrorTransferred) EventType() string { return TypeMirrorTransferred }

func (e MirrorTransferred) Event() *types.Event {
	attrs := map[string]string{
		"originAssetId": strconv.FormatUint(e.OriginAssetID, 10),
		"mirrorTokenId": e.MirrorTokenID,
		"from":          e.From.String(),
		"to":            e.To.String(),
		"nonce":         strconv.FormatUint(e.Nonce, 10),
	}
	if hash := formatHash(e.EventHash); hash != "" {
		attrs["eventHash"] = hash
	}
	return &types.Event{Type: TypeMirrorTransferred, Attributes: attrs}
}

type MirrorLocked struct {
	OriginAssetID uint64
	MirrorTokenID string
	Holder        crypto.Address
}

func (MirrorLocked) EventType() string { return TypeMirrorLocked }

func (e MirrorLocked) Event() *types.Event {
	return &types.Event{Type: TypeMirrorLocked, Attributes: map[string]string{
		"originAssetId": strconv.FormatUint(e.OriginAssetID, 10),
		"mirrorTokenId": e.MirrorTokenID,
		"holder":        e.Holder.String(),
	}}
}

type MirrorUnlocked struct {
	OriginAssetID uint64
	MirrorTokenID string
	Holder        crypto.Address
}

func (MirrorUnlocked) EventType() string { return TypeMirrorUnlocked }

func (e MirrorUnlocked) Event() *types.Event {
	return &types.Event{Type: TypeMirrorUnlocked, Attributes: map[string]string{
		"originAssetId": strconv.FormatUint(e.OriginAssetID, 10),
		"mirrorTokenId": e.MirrorTokenID,
		"holder":        e.Holder.String(),
	}}
}

func formatHash(hash [32]byte) string {
	empty := true
	for _, b := range hash {
		if b != 0 {
			empty = false
			break
		}
	}
	if empty {
		return ""
	}
	return "0x" + strings.ToLower(hex.EncodeToString(hash[:]))
}
