package mirror

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/miekg/dns"

	bastioncrypto "github.com/Bastion-Protocol/domainfi-bastion-sub000/crypto"
)

// Status tracks the lifecycle of a mirrored domain token on the Bastion ledger.
type Status uint8

const (
	// StatusUnminted means no custody event has been applied yet.
	StatusUnminted Status = iota
	// StatusMinted means the mirror token exists and is freely transferable.
	StatusMinted
	// StatusLocked means the token is pledged as collateral and custody is
	// controlled by the collateral vault.
	StatusLocked
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusUnminted, StatusMinted, StatusLocked:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	switch s {
	case StatusUnminted:
		return "unminted"
	case StatusMinted:
		return "minted"
	case StatusLocked:
		return "locked"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Record is the authoritative mapping from an origin asset to its local mirror
// token. LastAppliedNonce is the idempotency guard: it must always equal the
// nonce of the last custody event successfully applied for the asset.
type Record struct {
	OriginAssetID    uint64                `json:"originAssetId"`
	Domain           string                `json:"domain"`
	MirrorTokenID    string                `json:"mirrorTokenId"`
	Holder           bastioncrypto.Address `json:"-"`
	HolderEncoded    string                `json:"holder"`
	LastAppliedNonce uint64                `json:"lastAppliedNonce"`
	Status           Status                `json:"status"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	return &clone
}

// EncodeHolder refreshes the serialisable holder representation before the
// record is persisted.
func (r *Record) EncodeHolder() {
	if r == nil {
		return
	}
	if r.Holder.IsZero() {
		r.HolderEncoded = ""
		return
	}
	r.HolderEncoded = r.Holder.String()
}

// DecodeHolder restores the typed holder address after the record is loaded.
func (r *Record) DecodeHolder() error {
	if r == nil || strings.TrimSpace(r.HolderEncoded) == "" {
		return nil
	}
	addr, err := bastioncrypto.DecodeAddress(r.HolderEncoded)
	if err != nil {
		return fmt.Errorf("mirror record %d: decode holder: %w", r.OriginAssetID, err)
	}
	r.Holder = addr
	return nil
}

// CustodyUpdate is the mirror-side projection of a validated custody event.
// Applying it is a single atomic operation from the registry's point of view.
type CustodyUpdate struct {
	OriginAssetID     uint64
	Domain            string
	PreviousHolder    bastioncrypto.Address
	NewHolder         bastioncrypto.Address
	OriginBlockHeight uint64
	Nonce             uint64
	EventHash         [32]byte
}

// NormalizeDomain validates a mirrored domain name and returns its canonical
// fully-qualified lowercase form.
func NormalizeDomain(domain string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(domain))
	if trimmed == "" {
		return "", fmt.Errorf("domain name required")
	}
	fqdn := dns.Fqdn(trimmed)
	if _, ok := dns.IsDomainName(fqdn); !ok {
		return "", fmt.Errorf("invalid domain name: %s", domain)
	}
	if labels := dns.CountLabel(fqdn); labels < 2 {
		return "", fmt.Errorf("domain name must carry at least two labels: %s", domain)
	}
	return fqdn, nil
}

// TokenID derives the deterministic mirror token identifier for an origin
// asset. Hashing asset id and domain together keeps identifiers stable across
// restarts without storing a separate counter.
func TokenID(originAssetID uint64, domain string) string {
	payload := fmt.Sprintf("mirror|%d|%s", originAssetID, strings.ToLower(strings.TrimSpace(domain)))
	sum := crypto.Keccak256([]byte(payload))
	return "mdom-" + hex.EncodeToString(sum[:8])
}
