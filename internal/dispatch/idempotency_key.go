package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// IdempotencyKey computes the "(type, identity, payload-hash)" key used
// to collapse duplicate inbound operations within a short window.
func IdempotencyKey(opType, identity string, payload interface{}) string {
	data, _ := json.Marshal(payload)
	h := sha256.New()
	h.Write([]byte(opType))
	h.Write([]byte{'|'})
	h.Write([]byte(identity))
	h.Write([]byte{'|'})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
