// Package security verifies the bearer tokens that guard the provisioning API and mints them
// for operators.
//
// Key sources come from config (API_JWT_PUBLIC_KEY) or the apitoken command (--key). A source
// is either the PEM text itself, possibly flattened onto one env line with literal "\n"
// separators, or the path of a PEM file. Only RSA keys (RS256) and ECDSA P-256 keys (ES256)
// are accepted.
package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrInvalidKey is returned when a key source holds no usable RS256 or ES256 key.
var ErrInvalidKey = errors.New("invalid key")

// ReadKeyMaterial resolves a key source to PEM bytes.
func ReadKeyMaterial(source string) ([]byte, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, fmt.Errorf("security: empty key source: %w", ErrInvalidKey)
	}
	if strings.HasPrefix(source, "-----BEGIN") {
		return []byte(strings.ReplaceAll(source, `\n`, "\n")), nil
	}
	b, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("security: read key file: %w", err)
	}
	return b, nil
}

// ParsePrivateKey returns the token signing key held by source (PKCS#1, PKCS#8 or SEC 1).
func ParsePrivateKey(source string) (crypto.Signer, error) {
	block, err := decodeBlock(source)
	if err != nil {
		return nil, err
	}
	var key any
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("security: %q is not a private key: %w", block.Type, ErrInvalidKey)
	}
	if err != nil {
		return nil, fmt.Errorf("security: parse private key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok || KeyAlg(signer.Public()) == "" {
		return nil, fmt.Errorf("security: private key is not usable for RS256 or ES256: %w", ErrInvalidKey)
	}
	return signer, nil
}

// ParsePublicKey returns the token verification key held by source (PKIX or PKCS#1).
func ParsePublicKey(source string) (crypto.PublicKey, error) {
	block, err := decodeBlock(source)
	if err != nil {
		return nil, err
	}
	var key any
	switch block.Type {
	case "PUBLIC KEY":
		key, err = x509.ParsePKIXPublicKey(block.Bytes)
	case "RSA PUBLIC KEY":
		key, err = x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("security: %q is not a public key: %w", block.Type, ErrInvalidKey)
	}
	if err != nil {
		return nil, fmt.Errorf("security: parse public key: %w", err)
	}
	if KeyAlg(key) == "" {
		return nil, fmt.Errorf("security: public key is not usable for RS256 or ES256: %w", ErrInvalidKey)
	}
	return key, nil
}

// KeyAlg names the JWT algorithm for pub: RS256, ES256, or "" when it supports neither.
func KeyAlg(pub crypto.PublicKey) string {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		if k.N != nil {
			return "RS256"
		}
	case *ecdsa.PublicKey:
		if k.Curve == elliptic.P256() {
			return "ES256"
		}
	}
	return ""
}

func decodeBlock(source string) (*pem.Block, error) {
	material, err := ReadKeyMaterial(source)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(material)
	if block == nil {
		return nil, fmt.Errorf("security: no PEM block in key source: %w", ErrInvalidKey)
	}
	return block, nil
}
