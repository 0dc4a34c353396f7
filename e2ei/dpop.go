// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package e2ei

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// dpopClaims is the DPoP proof JWT body: binds the wire-server-provided backend nonce, an expiry, and
// the client-id, so the access token wire-server issues in exchange can
// only be replayed by the holder of this enrollment's signature key.
type dpopClaims struct {
	IssuedAt int64  `json:"iat"`
	Expiry   int64  `json:"exp"`
	Nonce    string `json:"nonce"`
	Subject  string `json:"sub"`
	JTI      string `json:"jti"`
}

// BuildDPoPToken produces the DPoP proof JWT a host exchanges at
// wire-server for an access token, signed with this
// enrollment's own key so the backend nonce and expiry are bound to a key
// only this enrollment holds.
func (e *Enrollment) BuildDPoPToken(backendNonce string, expiry time.Time) (string, error) {
	if e.State != AuthzFetched && e.State != DpopChallengePosted {
		return "", fmt.Errorf("%w: expected state AuthzFetched, got %s", ErrWrongState, e.State)
	}
	claims, err := json.Marshal(dpopClaims{
		IssuedAt: time.Now().Unix(),
		Expiry:   expiry.Unix(),
		Nonce:    backendNonce,
		Subject:  e.Identity.ClientID,
		JTI:      backendNonce + "/" + e.Identity.ClientID,
	})
	if err != nil {
		return "", fmt.Errorf("e2ei: encoding DPoP claims: %w", err)
	}
	opts := (&jose.SignerOptions{EmbedJWK: true}).WithType("dpop+jwt")
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: ed25519.PrivateKey(e.SignaturePrivateKey)}, opts)
	if err != nil {
		return "", fmt.Errorf("e2ei: constructing DPoP signer: %w", err)
	}
	obj, err := signer.Sign(claims)
	if err != nil {
		return "", fmt.Errorf("e2ei: signing DPoP proof: %w", err)
	}
	return obj.FullSerialize(), nil
}

type challengeProofRequest struct {
	AccessToken string `json:"accessToken,omitempty"`
	IDToken     string `json:"idToken,omitempty"`
}

// BuildDpopChallengeRequest presents the wire-server access token obtained
// via the DPoP proof JWT to the ACME "wire-dpop-01" challenge.
func (e *Enrollment) BuildDpopChallengeRequest(nonce, challengeURL, accessToken string) ([]byte, error) {
	if err := requireState(e, AuthzFetched); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(challengeProofRequest{AccessToken: accessToken})
	if err != nil {
		return nil, fmt.Errorf("e2ei: encoding DPoP challenge request: %w", err)
	}
	return e.signJWS(challengeURL, nonce, payload, false)
}

// IngestDpopChallengeResponse advances the enrollment once the CA accepts
// the DPoP proof.
func (e *Enrollment) IngestDpopChallengeResponse(body []byte) error {
	if err := requireState(e, AuthzFetched); err != nil {
		return err
	}
	var resp challengeAcceptResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("%w: dpop challenge: %v", ErrACMEProtocol, err)
	}
	if resp.Status != "valid" && resp.Status != "processing" {
		return fmt.Errorf("%w: dpop challenge status %q", ErrACMEProtocol, resp.Status)
	}
	e.acme.dpopDone = true
	e.State = DpopChallengePosted
	return nil
}

// BuildOidcChallengeRequest presents a third-party IdP id-token to the
// ACME "wire-oidc-01" challenge, satisfying the OIDC half of the order's
// authorization.
func (e *Enrollment) BuildOidcChallengeRequest(nonce, challengeURL, idToken string) ([]byte, error) {
	if err := requireState(e, DpopChallengePosted); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(challengeProofRequest{IDToken: idToken})
	if err != nil {
		return nil, fmt.Errorf("e2ei: encoding OIDC challenge request: %w", err)
	}
	return e.signJWS(challengeURL, nonce, payload, false)
}

// IngestOidcChallengeResponse advances the enrollment once the CA accepts
// the OIDC id-token.
func (e *Enrollment) IngestOidcChallengeResponse(body []byte) error {
	if err := requireState(e, DpopChallengePosted); err != nil {
		return err
	}
	var resp challengeAcceptResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("%w: oidc challenge: %v", ErrACMEProtocol, err)
	}
	if resp.Status != "valid" && resp.Status != "processing" {
		return fmt.Errorf("%w: oidc challenge status %q", ErrACMEProtocol, resp.Status)
	}
	e.acme.oidcDone = true
	e.State = OidcChallengePosted
	return nil
}
