// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package e2ei

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

// acmeProgress holds the ACME directory/account/order bookkeeping the
// engine accumulates as the host drives it through RFC 8555 exchanges.
// Every field here is exactly what a later Build* call needs to address
// its request; nothing is guessed or defaulted.
type acmeProgress struct {
	directoryURL  string
	newAccountURL string
	newOrderURL   string

	accountURL string // the ACME "kid" once AccountCreated

	orderURL       string
	finalizeURL    string
	certificateURL string
	authzURLs      []string
	authz          map[string]*authzEntry

	dpopDone bool
	oidcDone bool
}

type authzEntry struct {
	Status     string
	Challenges []challenge
}

type challenge struct {
	Type   string `json:"type"`
	URL    string `json:"url"`
	Token  string `json:"token"`
	Status string `json:"status"`
}

// --- Directory ---

type directoryResponse struct {
	NewNonce   string `json:"newNonce"`
	NewAccount string `json:"newAccount"`
	NewOrder   string `json:"newOrder"`
}

// IngestDirectoryResponse parses the ACME directory document. The directory fetch itself is a bare GET with
// no request body, so there is no matching Build step.
func (e *Enrollment) IngestDirectoryResponse(directoryURL string, body []byte) error {
	if err := requireState(e, Created); err != nil {
		return err
	}
	var resp directoryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("%w: directory: %v", ErrACMEProtocol, err)
	}
	if resp.NewAccount == "" || resp.NewOrder == "" {
		return fmt.Errorf("%w: directory missing newAccount/newOrder", ErrACMEProtocol)
	}
	e.acme.directoryURL = directoryURL
	e.acme.newAccountURL = resp.NewAccount
	e.acme.newOrderURL = resp.NewOrder
	e.State = DirectoryKnown
	return nil
}

// --- Account ---

type accountRequest struct {
	TermsOfServiceAgreed bool     `json:"termsOfServiceAgreed"`
	Contact              []string `json:"contact,omitempty"`
}

type accountResponse struct {
	Status string `json:"status"`
}

// BuildAccountRequest produces the JWS-wrapped "new account" request body,
// signed with the enrollment's fresh key embedded as a JWK (no account
// exists yet to reference by "kid").
func (e *Enrollment) BuildAccountRequest(nonce string, contacts []string) ([]byte, error) {
	if err := requireState(e, DirectoryKnown); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(accountRequest{TermsOfServiceAgreed: true, Contact: contacts})
	if err != nil {
		return nil, fmt.Errorf("e2ei: encoding account request: %w", err)
	}
	return e.signJWS(e.acme.newAccountURL, nonce, payload, true)
}

// IngestAccountResponse records the account URL (the ACME "kid" every
// subsequent request signs against) and advances the state machine.
func (e *Enrollment) IngestAccountResponse(accountURL string, body []byte) error {
	if err := requireState(e, DirectoryKnown); err != nil {
		return err
	}
	var resp accountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("%w: account: %v", ErrACMEProtocol, err)
	}
	if resp.Status != "valid" {
		return fmt.Errorf("%w: account status %q", ErrACMEProtocol, resp.Status)
	}
	e.acme.accountURL = accountURL
	e.State = AccountCreated
	return nil
}

// --- Order ---

type identifierJSON struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type orderRequest struct {
	Identifiers []identifierJSON `json:"identifiers"`
}

type orderResponse struct {
	Status         string   `json:"status"`
	Authorizations []string `json:"authorizations"`
	Finalize       string   `json:"finalize"`
	Certificate    string   `json:"certificate,omitempty"`
}

// BuildOrderRequest requests a new order for the enrollment's client-id
// identifier, Wire's E2EI profile's identifier type.
func (e *Enrollment) BuildOrderRequest(nonce string) ([]byte, error) {
	if err := requireState(e, AccountCreated); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(orderRequest{Identifiers: []identifierJSON{
		{Type: "wireapp-id", Value: e.Identity.ClientID},
	}})
	if err != nil {
		return nil, fmt.Errorf("e2ei: encoding order request: %w", err)
	}
	return e.signJWS(e.acme.newOrderURL, nonce, payload, false)
}

// IngestOrderResponse records the authorization URLs and finalize URL a
// freshly created order carries.
func (e *Enrollment) IngestOrderResponse(orderURL string, body []byte) error {
	if err := requireState(e, AccountCreated); err != nil {
		return err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("%w: order: %v", ErrACMEProtocol, err)
	}
	if len(resp.Authorizations) == 0 || resp.Finalize == "" {
		return fmt.Errorf("%w: order missing authorizations/finalize", ErrACMEProtocol)
	}
	e.acme.orderURL = orderURL
	e.acme.authzURLs = resp.Authorizations
	e.acme.finalizeURL = resp.Finalize
	e.acme.authz = make(map[string]*authzEntry, len(resp.Authorizations))
	e.State = OrderCreated
	return nil
}

// --- Authorization (per-authz) ---

type authzResponse struct {
	Status     string      `json:"status"`
	Challenges []challenge `json:"challenges"`
}

// BuildAuthzRequest fetches one authorization object via POST-as-GET
// (empty JWS payload, per RFC 8555 §6.3).
func (e *Enrollment) BuildAuthzRequest(nonce, authzURL string) ([]byte, error) {
	if e.State != OrderCreated && e.State != AuthzFetched {
		return nil, fmt.Errorf("%w: expected state OrderCreated or AuthzFetched, got %s", ErrWrongState, e.State)
	}
	return e.signJWS(authzURL, nonce, nil, false)
}

// IngestAuthzResponse stores the challenge set for one authorization URL;
// once every authorization named by the order has been fetched the
// enrollment advances to AuthzFetched.
func (e *Enrollment) IngestAuthzResponse(authzURL string, body []byte) error {
	if e.State != OrderCreated && e.State != AuthzFetched {
		return fmt.Errorf("%w: expected state OrderCreated or AuthzFetched, got %s", ErrWrongState, e.State)
	}
	var resp authzResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("%w: authz: %v", ErrACMEProtocol, err)
	}
	found := false
	for _, u := range e.acme.authzURLs {
		if u == authzURL {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: authz url %q not part of this order", ErrACMEProtocol, authzURL)
	}
	e.acme.authz[authzURL] = &authzEntry{Status: resp.Status, Challenges: resp.Challenges}
	if len(e.acme.authz) == len(e.acme.authzURLs) {
		e.State = AuthzFetched
	}
	return nil
}

// ChallengeFor returns the named challenge type ("wire-dpop-01" or
// "wire-oidc-01") from whichever authorization carries it, or ("", ErrNotFound).
func (e *Enrollment) ChallengeFor(challengeType string) (challengeURL, token string, err error) {
	for _, entry := range e.acme.authz {
		for _, c := range entry.Challenges {
			if c.Type == challengeType {
				return c.URL, c.Token, nil
			}
		}
	}
	return "", "", fmt.Errorf("%w: no %s challenge in this order's authorizations", ErrNotFound, challengeType)
}

type challengeAcceptResponse struct {
	Status string `json:"status"`
}

// --- Order status polling ---

// BuildOrderStatusRequest re-fetches the order to observe whether the CA
// has finished validating both challenges (POST-as-GET).
func (e *Enrollment) BuildOrderStatusRequest(nonce string) ([]byte, error) {
	if err := requireState(e, OidcChallengePosted); err != nil {
		return nil, err
	}
	return e.signJWS(e.acme.orderURL, nonce, nil, false)
}

// IngestOrderStatusResponse advances to OrderValid once the CA reports the
// order status as "ready" or "valid".
func (e *Enrollment) IngestOrderStatusResponse(body []byte) error {
	if err := requireState(e, OidcChallengePosted); err != nil {
		return err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("%w: order status: %v", ErrACMEProtocol, err)
	}
	switch resp.Status {
	case "ready", "valid":
		e.State = OrderValid
		return nil
	default:
		return fmt.Errorf("%w: order not yet valid, status %q", ErrACMEProtocol, resp.Status)
	}
}

// --- Finalize ---

type finalizeRequest struct {
	CSR string `json:"csr"`
}

// BuildFinalizeRequest submits a DER-encoded CSR, base64url-encoded per
// RFC 8555 §7.4, signed with the enrollment's own key over the requested
// identity.
func (e *Enrollment) BuildFinalizeRequest(nonce string, csrDER []byte) ([]byte, error) {
	if err := requireState(e, OrderValid); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(finalizeRequest{CSR: base64.RawURLEncoding.EncodeToString(csrDER)})
	if err != nil {
		return nil, fmt.Errorf("e2ei: encoding finalize request: %w", err)
	}
	return e.signJWS(e.acme.finalizeURL, nonce, payload, false)
}

// IngestFinalizeResponse records the certificate download URL once the CA
// has issued the certificate.
func (e *Enrollment) IngestFinalizeResponse(body []byte) error {
	if err := requireState(e, OrderValid); err != nil {
		return err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("%w: finalize: %v", ErrACMEProtocol, err)
	}
	if resp.Status != "valid" || resp.Certificate == "" {
		return fmt.Errorf("%w: finalize status %q missing certificate url", ErrACMEProtocol, resp.Status)
	}
	e.acme.certificateURL = resp.Certificate
	e.State = Finalized
	return nil
}

// --- Certificate download ---

// BuildCertificateRequest fetches the issued certificate chain
// (POST-as-GET).
func (e *Enrollment) BuildCertificateRequest(nonce string) ([]byte, error) {
	if err := requireState(e, Finalized); err != nil {
		return nil, err
	}
	return e.signJWS(e.acme.certificateURL, nonce, nil, false)
}

type certificateResponse struct {
	Certificate string `json:"certificate"`
}

// IngestCertificateResponse parses the PEM certificate chain (leaf first)
// out of the ACME certificate response body, which arrives as JSON bytes:
// the chain travels inside a {"certificate": "<PEM>"} JSON envelope.
func (e *Enrollment) IngestCertificateResponse(body []byte) error {
	if err := requireState(e, Finalized); err != nil {
		return err
	}
	var resp certificateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("%w: certificate: %v", ErrACMEProtocol, err)
	}
	chain, err := parsePEMChain([]byte(resp.Certificate))
	if err != nil {
		return fmt.Errorf("%w: certificate: %v", ErrACMEProtocol, err)
	}
	if len(chain) == 0 {
		return fmt.Errorf("%w: empty certificate chain", ErrACMEProtocol)
	}
	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return fmt.Errorf("%w: parsing leaf certificate: %v", ErrACMEProtocol, err)
	}
	e.CertChain = chain
	e.NotBefore = leaf.NotBefore
	e.NotAfter = leaf.NotAfter
	e.State = CertificateIssued
	return nil
}

func parsePEMChain(data []byte) ([][]byte, error) {
	var chain [][]byte
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			chain = append(chain, block.Bytes)
		}
	}
	return chain, nil
}

// signJWS produces the RFC 8555 JSON-flattened-serialization JWS body for
// one ACME request: EdDSA over the enrollment's signature keypair,
// embedding a JWK (account creation, before any kid exists) or a "kid"
// header (every later request) per RFC 8555 §6.2.
func (e *Enrollment) signJWS(url, nonce string, payload []byte, embedJWK bool) ([]byte, error) {
	opts := (&jose.SignerOptions{NonceSource: staticNonce(nonce), EmbedJWK: embedJWK}).
		WithHeader("url", url)
	if !embedJWK {
		opts = opts.WithHeader("kid", e.acme.accountURL)
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: ed25519.PrivateKey(e.SignaturePrivateKey)}, opts)
	if err != nil {
		return nil, fmt.Errorf("e2ei: constructing JWS signer: %w", err)
	}
	obj, err := signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("e2ei: signing ACME request: %w", err)
	}
	serialized := obj.FullSerialize()
	return []byte(serialized), nil
}

type staticNonce string

func (n staticNonce) Nonce() (string, error) { return string(n), nil }
