// Package payloadhash computes the canonical content hashes stored on
// signature events: json.Marshal bytes hashed with SHA-256, lower hex.
package payloadhash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

func Sum(v any) (hexHash string, canonical []byte, err error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), b, nil
}

func SumBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func SumString(s string) string {
	return SumBytes([]byte(s))
}
