// SPDX-FileCopyrightText: Copyright 2026 FABRIC Testbed
// SPDX-License-Identifier: MIT

// Package keys loads the service RSA signing material and publishes the
// public half as a JWKS.
//
// The key pair is loaded once at startup and is immutable afterwards.
// The JWKS entry carries the configured kid so that verifiers can select
// the right key and future rotation stays additive.
package keys

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// Signer signs credmgr identity tokens with the service RSA key.
type Signer struct {
	privateKey *rsa.PrivateKey
	kid        string
	jwks       jwk.Set
}

// LoadSigner reads a PEM encoded RSA private key (optionally pass-phrase
// protected) and prepares the paired public JWKS entry. Errors here are
// fatal to startup.
func LoadSigner(privateKeyPath, kid, passPhrase string) (*Signer, error) {
	pemData, err := os.ReadFile(privateKeyPath) // #nosec G304 - path comes from the config file
	if err != nil {
		return nil, fmt.Errorf("failed to read private key %s: %w", privateKeyPath, err)
	}

	privateKey, err := parsePrivateKey(pemData, passPhrase)
	if err != nil {
		return nil, err
	}

	set, err := publicJWKS(&privateKey.PublicKey, kid)
	if err != nil {
		return nil, err
	}

	return &Signer{privateKey: privateKey, kid: kid, jwks: set}, nil
}

func parsePrivateKey(pemData []byte, passPhrase string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in private key")
	}

	der := block.Bytes
	if passPhrase != "" {
		decrypted, err := x509.DecryptPEMBlock(block, []byte(passPhrase)) //nolint:staticcheck // legacy encrypted PEM keys are still deployed
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt private key: %w", err)
		}
		der = decrypted
	}

	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return rsaKey, nil
}

func publicJWKS(publicKey *rsa.PublicKey, kid string) (jwk.Set, error) {
	key, err := jwk.Import(publicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to build JWK from public key: %w", err)
	}
	if err := key.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.AlgorithmKey, "RS256"); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, err
	}

	set := jwk.NewSet()
	if err := set.AddKey(key); err != nil {
		return nil, fmt.Errorf("failed to add key to JWKS: %w", err)
	}
	return set, nil
}

// KID returns the key identifier carried in signed token headers.
func (s *Signer) KID() string {
	return s.kid
}

// PublicKey returns the RSA public key paired with the signing key.
func (s *Signer) PublicKey() *rsa.PublicKey {
	return &s.privateKey.PublicKey
}

// PublicJWKS returns the JWKS containing the public half of the signing
// key, as served by /certs.
func (s *Signer) PublicJWKS() jwk.Set {
	return s.jwks
}

// Sign encodes claims as an RS256 JWT with the configured kid header.
func (s *Signer) Sign(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.kid

	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
