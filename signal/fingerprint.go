package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// fingerprintInput fixes the field order of the hashed tuple.
// encoding/json marshals map keys sorted, so the payload encoding is
// canonical for equal content regardless of insertion order.
type fingerprintInput struct {
	Source   string         `json:"source"`
	AgencyID string         `json:"agency_id"`
	Payload  map[string]any `json:"payload"`
}

// Fingerprint computes the deterministic dedup hash for a normalized
// payload: sha256 hex over (source, agencyID, canonical payload JSON).
func Fingerprint(source, agencyID string, payload map[string]any) string {
	data, err := json.Marshal(fingerprintInput{
		Source:   source,
		AgencyID: agencyID,
		Payload:  payload,
	})
	if err != nil {
		// Maps of JSON-decoded values always marshal; a failure means
		// a non-JSON value leaked in. Hash the error text so the
		// fingerprint stays deterministic rather than empty.
		data = []byte(err.Error())
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
