// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package credential

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"math/big"
	"sync"
	"time"

	"github.com/corecrypto/engine/internal/treehash"
)

// Registry is the trust engine: a unique anchor, a forest of
// intermediates, and a CRL cache indexed by Distribution Point URL.
// In-memory, but every mutation is mirrored to the keystore by the caller.
type Registry struct {
	mu            sync.RWMutex
	anchor        *x509.Certificate
	intermediates map[string]*x509.Certificate // keyed by subject key id (hex) or subject hash
	crls          map[string]*CRLEntry         // keyed by Distribution Point URL
	pendingDPs    map[string]struct{}
}

// CRLEntry is a cached, parsed revocation list for one Distribution Point.
type CRLEntry struct {
	DistributionPoint string
	Revoked           map[string]struct{} // serial.String() set
	Expiration        time.Time
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		intermediates: make(map[string]*x509.Certificate),
		crls:          make(map[string]*CRLEntry),
		pendingDPs:    make(map[string]struct{}),
	}
}

func subjectKey(cert *x509.Certificate) string {
	if len(cert.SubjectKeyId) > 0 {
		return hex.EncodeToString(cert.SubjectKeyId)
	}
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return hex.EncodeToString(sum[:])
}

// RegisterAnchor installs (or replaces) the unique root trust anchor.
func (r *Registry) RegisterAnchor(cert *x509.Certificate) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.anchor = cert
	return r.notePendingDPsLocked(cert)
}

// RegisterIntermediate adds cert to the intermediate forest, returning any
// CRL Distribution Points it references that are not yet registered.
func (r *Registry) RegisterIntermediate(cert *x509.Certificate) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intermediates[subjectKey(cert)] = cert
	return r.notePendingDPsLocked(cert)
}

func (r *Registry) notePendingDPsLocked(cert *x509.Certificate) []string {
	var fresh []string
	for _, dp := range cert.CRLDistributionPoints {
		if _, seen := r.crls[dp]; seen {
			continue
		}
		if _, pending := r.pendingDPs[dp]; pending {
			continue
		}
		r.pendingDPs[dp] = struct{}{}
		fresh = append(fresh, dp)
	}
	return fresh
}

// PendingDistributionPoints returns a snapshot of CRL Distribution Points
// referenced by a registered certificate but not yet fulfilled by
// RegisterCRL; C7/C8 use it to report the fan-out list without re-parsing
// a chain.
func (r *Registry) PendingDistributionPoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.pendingDPs))
	for dp := range r.pendingDPs {
		out = append(out, dp)
	}
	return out
}

// RegisterCRL stores (or replaces) the revocation list for a Distribution
// Point. dirty is true iff the revocation set differs from any previously
// stored version for the same Distribution Point.
func (r *Registry) RegisterCRL(dp string, revokedSerials []*big.Int, expiration time.Time) (dirty bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]struct{}, len(revokedSerials))
	for _, s := range revokedSerials {
		next[s.String()] = struct{}{}
	}

	prev, existed := r.crls[dp]
	dirty = !existed || !sameSerialSet(prev.Revoked, next)

	r.crls[dp] = &CRLEntry{DistributionPoint: dp, Revoked: next, Expiration: expiration}
	delete(r.pendingDPs, dp)
	return dirty, nil
}

func sameSerialSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// ValidateChain walks chain (leaf first) to the registered anchor,
// enforcing each link's validity window against now and checking every
// link's serial against all applicable registered CRLs. It returns the
// list of CRL Distribution Points newly referenced by this chain (threaded
// through, to every API that can introduce a
// credential), or an error of kind ChainIncomplete / Revoked / Expired /
// UnknownCA.
func (r *Registry) ValidateChain(chain []*x509.Certificate, now time.Time) ([]string, error) {
	if len(chain) == 0 {
		return nil, ErrChainIncomplete
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.anchor == nil {
		return nil, ErrUnknownCA
	}

	var newDPs []string
	visited := map[string]bool{}
	cur := chain[0]
	for i := 0; ; i++ {
		if err := r.checkLinkLocked(cur, now); err != nil {
			return nil, err
		}
		newDPs = append(newDPs, r.notePendingDPsLocked(cur)...)

		if isSignedBy(cur, r.anchor) {
			break // cur is directly signed by the trust anchor: path complete.
		}

		var next *x509.Certificate
		switch {
		case i+1 < len(chain):
			next = chain[i+1]
		default:
			var ok bool
			next, ok = r.intermediates[issuerKey(cur)]
			if !ok {
				return nil, ErrChainIncomplete
			}
		}
		if !isSignedBy(cur, next) {
			return nil, ErrChainIncomplete
		}
		key := subjectKey(next)
		if visited[key] {
			return nil, ErrChainIncomplete
		}
		visited[key] = true
		cur = next
	}
	return dedupe(newDPs), nil
}

func issuerKey(cert *x509.Certificate) string {
	if len(cert.AuthorityKeyId) > 0 {
		return hex.EncodeToString(cert.AuthorityKeyId)
	}
	sum := sha256.Sum256(cert.RawIssuer)
	return hex.EncodeToString(sum[:])
}

func isSignedBy(cert, issuer *x509.Certificate) bool {
	return cert.CheckSignatureFrom(issuer) == nil
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// checkLinkLocked enforces the not-before/not-after window and the CRL
// check for a single certificate. Caller holds r.mu.
func (r *Registry) checkLinkLocked(cert *x509.Certificate, now time.Time) error {
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return ErrExpired
	}
	for _, dp := range cert.CRLDistributionPoints {
		entry, ok := r.crls[dp]
		if !ok {
			continue
		}
		// §9(b): a certificate whose only applicable CRL has itself
		// expired is treated as not validated (fail closed).
		if now.After(entry.Expiration) {
			return ErrExpired
		}
		if _, revoked := entry.Revoked[cert.SerialNumber.String()]; revoked {
			return ErrRevoked
		}
	}
	return nil
}

// WireIdentity is the identity extracted from a validated X.509 leaf.
type WireIdentity struct {
	ClientID    string
	Handle      string
	DisplayName string
	Domain      string
	Thumbprint  string
	Serial      string
	NotBefore   time.Time
	NotAfter    time.Time
	Status      Status
}

// ExtractIdentity maps a validated leaf certificate to a WireIdentity.
// Wire's E2EI profile encodes the handle/client-id in a SAN URI of the
// form "im:wireapp=%40<handle>@<domain>/<client-id>"; the display name is
// the certificate's Subject Common Name.
func (r *Registry) ExtractIdentity(leaf *x509.Certificate) (*WireIdentity, error) {
	id := &WireIdentity{
		DisplayName: leaf.Subject.CommonName,
		Serial:      leaf.SerialNumber.String(),
		NotBefore:   leaf.NotBefore,
		NotAfter:    leaf.NotAfter,
		Status:      r.statusFor(leaf),
	}
	sum := sha256.Sum256(leaf.Raw)
	id.Thumbprint = hex.EncodeToString(sum[:])

	for _, u := range leaf.URIs {
		if u.Scheme != "im" {
			continue
		}
		handle, domain, clientID, ok := parseWireIdentityURI(u.Opaque)
		if ok {
			id.Handle, id.Domain, id.ClientID = handle, domain, clientID
			break
		}
	}
	return id, nil
}

func (r *Registry) statusFor(leaf *x509.Certificate) Status {
	now := time.Now()
	if now.After(leaf.NotAfter) || now.Before(leaf.NotBefore) {
		return StatusExpired
	}
	for _, dp := range leaf.CRLDistributionPoints {
		entry, ok := r.crls[dp]
		if !ok {
			continue
		}
		if _, revoked := entry.Revoked[leaf.SerialNumber.String()]; revoked {
			return StatusRevoked
		}
	}
	return StatusValid
}

// parseWireIdentityURI parses "wireapp=%40<handle>@<domain>/<client-id>".
func parseWireIdentityURI(opaque string) (handle, domain, clientID string, ok bool) {
	const prefix = "wireapp="
	if len(opaque) <= len(prefix) || opaque[:len(prefix)] != prefix {
		return "", "", "", false
	}
	rest := opaque[len(prefix):]
	slash := -1
	for i, c := range rest {
		if c == '/' {
			slash = i
			break
		}
	}
	if slash < 0 {
		return "", "", "", false
	}
	userAndDomain, clientID := rest[:slash], rest[slash+1:]
	at := -1
	for i, c := range userAndDomain {
		if c == '@' {
			at = i
			break
		}
	}
	if at < 0 {
		return "", "", "", false
	}
	handle = trimHandlePrefix(userAndDomain[:at])
	domain = userAndDomain[at+1:]
	return handle, domain, clientID, true
}

func trimHandlePrefix(s string) string {
	const encoded = "%40"
	if len(s) >= len(encoded) && s[:len(encoded)] == encoded {
		return s[len(encoded):]
	}
	return s
}

// ProposalRef computes the 16-byte proposal reference for a TLS-encoded
// MLS Proposal message.
func ProposalRef(tlsEncoded []byte) [16]byte {
	return treehash.Ref("mls10-proposal-ref", tlsEncoded)
}

var (
	ErrChainIncomplete = newCertErr("credential: chain incomplete: unknown intermediate or anchor")
	ErrRevoked         = newCertErr("credential: certificate revoked")
	ErrExpired         = newCertErr("credential: certificate or its CRL expired")
	ErrUnknownCA       = newCertErr("credential: no trust anchor registered")
)

type certError struct{ msg string }

func (e *certError) Error() string { return e.msg }

func newCertErr(msg string) error { return &certError{msg} }
