package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/birchsec/birch/internal/keys"
)

// signingContext separates the audit signing key from every other key
// derived from the same master material.
const signingContext = "birch-audit-signing-v1"

type signer struct {
	material *keys.Material
}

func newSigner(material *keys.Material) *signer {
	return &signer{material: material}
}

func (s *signer) sign(canonical []byte) (string, error) {
	var sig []byte
	err := s.material.WithMasterKey(func(master []byte) error {
		key := make([]byte, sha256.Size)
		if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(signingContext)), key); err != nil {
			return fmt.Errorf("failed to derive signing key: %w", err)
		}
		mac := hmac.New(sha256.New, key)
		mac.Write(canonical)
		sig = mac.Sum(nil)
		return nil
	})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func (s *signer) verify(canonical []byte, signature string) (bool, error) {
	want, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false, nil
	}
	got, err := s.sign(canonical)
	if err != nil {
		return false, err
	}
	raw, err := base64.StdEncoding.DecodeString(got)
	if err != nil {
		return false, err
	}
	return hmac.Equal(raw, want), nil
}
