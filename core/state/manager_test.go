package state

import (
	"math/big"
	"testing"

	bastioncrypto "github.com/Bastion-Protocol/domainfi-bastion-sub000/crypto"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/native/lending"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/native/mirror"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/storage"
)

func testAddress(suffix byte) bastioncrypto.Address {
	raw := make([]byte, 20)
	raw[len(raw)-1] = suffix
	return bastioncrypto.MustNewAddress(bastioncrypto.BastionPrefix, raw)
}

func TestMirrorRecordTokenIndex(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	holder := testAddress(0x01)

	record := &mirror.Record{
		OriginAssetID:    7,
		Domain:           "vault.example.com.",
		MirrorTokenID:    mirror.TokenID(7, "vault.example.com."),
		Holder:           holder,
		LastAppliedNonce: 3,
		Status:           mirror.StatusMinted,
	}
	record.EncodeHolder()
	if err := manager.PutMirrorRecord(record); err != nil {
		t.Fatalf("put mirror record: %v", err)
	}

	byToken, err := manager.GetMirrorRecordByToken(record.MirrorTokenID)
	if err != nil {
		t.Fatalf("get by token: %v", err)
	}
	if byToken == nil || byToken.OriginAssetID != 7 {
		t.Fatalf("token index lookup failed: %+v", byToken)
	}
	if byToken.Holder.String() != holder.String() {
		t.Fatalf("holder not restored after load: %q", byToken.Holder.String())
	}

	missing, err := manager.GetMirrorRecordByToken("mdom-unknown")
	if err != nil {
		t.Fatalf("get unknown token: %v", err)
	}
	if missing != nil {
		t.Fatalf("unknown token should load as nil, got %+v", missing)
	}
}

func TestLoanAddressRestoredOnLoad(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	borrower := testAddress(0x02)

	loan := &lending.Loan{
		Borrower:        borrower,
		Principal:       big.NewInt(500),
		AccruedInterest: big.NewInt(7),
		LastAccrualUnix: 1_700_000_000,
		Status:          lending.LoanActive,
	}
	if err := manager.PutLoan(loan); err != nil {
		t.Fatalf("put loan: %v", err)
	}

	loaded, err := manager.GetLoan(borrower)
	if err != nil {
		t.Fatalf("get loan: %v", err)
	}
	if loaded.Borrower.String() != borrower.String() {
		t.Fatalf("borrower not restored: %q", loaded.Borrower.String())
	}
	if loaded.Debt().Cmp(big.NewInt(507)) != 0 {
		t.Fatalf("debt after load: got %s want 507", loaded.Debt())
	}

	absent, err := manager.GetLoan(testAddress(0x09))
	if err != nil || absent != nil {
		t.Fatalf("absent loan should load as nil, got %+v %v", absent, err)
	}
}

func TestRelayCheckpointRoundTrip(t *testing.T) {
	manager := NewManager(storage.NewMemDB())

	height, err := manager.RelayCheckpoint("origin")
	if err != nil {
		t.Fatalf("checkpoint before write: %v", err)
	}
	if height != 0 {
		t.Fatalf("fresh checkpoint: got %d want 0", height)
	}
	if err := manager.PutRelayCheckpoint("origin", 12_345); err != nil {
		t.Fatalf("put checkpoint: %v", err)
	}
	height, err = manager.RelayCheckpoint("origin")
	if err != nil {
		t.Fatalf("checkpoint after write: %v", err)
	}
	if height != 12_345 {
		t.Fatalf("checkpoint: got %d want 12345", height)
	}
}
