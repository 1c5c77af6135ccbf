package jwt

import (
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// LoadPublicKey loads a PEM encoded public key from a file.
func LoadPublicKey(path string) (crypto.PublicKey, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading public key file: %w", err)
	}

	return LoadPublicKeyFromBytes(keyData)
}

// LoadPublicKeyFromBytes parses a PEM encoded public key. PKIX is tried first,
// then PKCS#1 for legacy RSA keys. A certificate yields its subject key.
func LoadPublicKeyFromBytes(pemData []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	if block.Type == "CERTIFICATE" {
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate: %w", err)
		}
		return cert.PublicKey, nil
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err == nil {
		return pub, nil
	}

	rsaKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}

	return rsaKey, nil
}

// ExportPublicKeyPEM exports a public key to PKIX PEM format.
func ExportPublicKeyPEM(key crypto.PublicKey) ([]byte, error) {
	pubASN1, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshaling public key: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubASN1,
	}), nil
}

// KeyFingerprint returns the SHA256 fingerprint of a public key.
func KeyFingerprint(key crypto.PublicKey) (string, error) {
	pubASN1, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("marshaling public key: %w", err)
	}

	hash := sha256.Sum256(pubASN1)
	return fmt.Sprintf("%x", hash), nil
}
