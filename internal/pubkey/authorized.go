package pubkey

import (
	"crypto"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

// ParseAuthorized parses the authorized_keys form used in configuration:
// "<type> <base64> [comment]" or a bare base64 blob.
func ParseAuthorized(s string) (crypto.PublicKey, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty key", ErrMalformedKey)
	}

	blob, typ := fields[0], ""
	if len(fields) > 1 {
		typ, blob = fields[0], fields[1]
	}

	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	key, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	if typ != "" && typ != KeyType(key) {
		return nil, fmt.Errorf("%w: declared type %q does not match %q", ErrMalformedKey, typ, KeyType(key))
	}
	return key, nil
}

// FormatAuthorized renders key as "<type> <base64>". The result is the
// canonical string used to index keys.
func FormatAuthorized(key crypto.PublicKey) (string, error) {
	raw, err := Encode(key)
	if err != nil {
		return "", err
	}
	return KeyType(key) + " " + base64.StdEncoding.EncodeToString(raw), nil
}

// Canonical re-encodes an authorized_keys string so that differently
// formatted spellings of the same key compare equal.
func Canonical(s string) (string, error) {
	key, err := ParseAuthorized(s)
	if err != nil {
		return "", err
	}
	return FormatAuthorized(key)
}

// Fingerprint returns the OpenSSH SHA256 fingerprint of key, or "" when the
// key cannot be encoded.
func Fingerprint(key crypto.PublicKey) string {
	raw, err := Encode(key)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}
