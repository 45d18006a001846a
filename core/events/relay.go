package events

import (
	"strconv"

	"github.com/Bastion-Protocol/domainfi-bastion-sub000/core/types"
)

const (
	// TypeCustodyApplied is emitted when a custody event has been confirmed
	// against the mirror registry.
	TypeCustodyApplied = "relay.applied"
	// TypeCustodyDeadLettered is emitted when the retry budget for a custody
	// event is exhausted and the asset's pipeline halts for operator review.
	TypeCustodyDeadLettered = "relay.deadlettered"
)

type CustodyApplied struct {
	OriginAssetID uint64
	Nonce         uint64
	Attempts      int
}

func (CustodyApplied) EventType() string { return TypeCustodyApplied }

func (e CustodyApplied) Event() *types.Event {
	return &types.Event{Type: TypeCustodyApplied, Attributes: map[string]string{
		"originAssetId": strconv.FormatUint(e.OriginAssetID, 10),
		"nonce":         strconv.FormatUint(e.Nonce, 10),
		"attempts":      strconv.Itoa(e.Attempts),
	}}
}

type CustodyDeadLettered struct {
	ID            string
	OriginAssetID uint64
	Nonce         uint64
	Reason        string
}

func (CustodyDeadLettered) EventType() string { return TypeCustodyDeadLettered }

func (e CustodyDeadLettered) Event() *types.Event {
	return &types.Event{Type: TypeCustodyDeadLettered, Attributes: map[string]string{
		"id":            e.ID,
		"originAssetId": strconv.FormatUint(e.OriginAssetID, 10),
		"nonce":         strconv.FormatUint(e.Nonce, 10),
		"reason":        e.Reason,
	}}
}
