package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// canonicalEntry fixes the field order and encoding that ComputeHash covers.
// encoding/json writes struct fields in declaration order and map keys sorted.
type canonicalEntry struct {
	PrincipalID  *string           `json:"principalId"`
	Action       Action            `json:"action"`
	ResourceType string            `json:"resourceType"`
	ResourceID   string            `json:"resourceId"`
	IP           string            `json:"ip"`
	CreatedAt    string            `json:"createdAt"`
	Metadata     map[string]string `json:"metadata"`
	PrevHash     string            `json:"prevHash"`
}

// canonicalTime is the timestamp precision shared by every backend
// (PostgreSQL stores microseconds).
func canonicalTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// ComputeHash returns the hex SHA-256 of the canonical form of e, covering
// principal, action, resource, ip, createdAt, metadata and prevHash.
func ComputeHash(e *Entry) string {
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	c := canonicalEntry{
		PrincipalID:  e.PrincipalID,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		IP:           e.IP,
		CreatedAt:    canonicalTime(e.CreatedAt).Format(time.RFC3339Nano),
		Metadata:     metadata,
		PrevHash:     e.PrevHash,
	}

	// Marshalling a struct of strings and a string map cannot fail.
	data, _ := json.Marshal(c)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
