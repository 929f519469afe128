package cthulu

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// rsaKeyBits matches the original's rsa.newkeys(1024).
const rsaKeyBits = 1024

// bcryptCost matches the original's bcrypt.gensalt(10).
const bcryptCost = 10

// keyPair holds the server's RSA password-exchange key.
//
// RSA is the one piece of this server built directly on the standard
// library (crypto/rsa, crypto/x509) rather than a third-party package: no
// RSA library appears anywhere in the example pack this project was
// grounded on, so there was nothing to adopt in its place.
type keyPair struct {
	private *rsa.PrivateKey
	public  *rsa.PublicKey
	// publicPEM is the PKCS#1 PEM encoding of public, sent to clients
	// verbatim in response to "obtain-public", matching the original's
	// publickey.save_pkcs1().
	publicPEM string
}

func newKeyPair() (*keyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	block := &pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: x509.MarshalPKCS1PublicKey(&priv.PublicKey),
	}
	return &keyPair{
		private:   priv,
		public:    &priv.PublicKey,
		publicPEM: string(pem.EncodeToMemory(block)),
	}, nil
}

// decryptPassword base64-decodes and RSA-decrypts an incoming password
// field, matching the original's rsa.decrypt(base64.b64decode(password),
// privatekey). The original used PKCS#1 v1.5 encryption (the "rsa" PyPI
// package's default), so DecryptPKCS1v15 is used here rather than OAEP.
func (k *keyPair) decryptPassword(encoded string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	plaintext, err := rsa.DecryptPKCS1v15(rand.Reader, k.private, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// hashPassword hashes a plaintext password with bcrypt, matching the
// original's bcrypt.hashpw(password, bcrypt.gensalt(10)).
func hashPassword(plaintext []byte) ([]byte, error) {
	return bcrypt.GenerateFromPassword(plaintext, bcryptCost)
}

// checkPassword reports whether plaintext matches hashed.
func checkPassword(hashed, plaintext []byte) bool {
	return bcrypt.CompareHashAndPassword(hashed, plaintext) == nil
}
