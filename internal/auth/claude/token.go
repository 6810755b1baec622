package claude

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// RecordVersion is the current on-disk credential record format.
const RecordVersion = 1

// RecordType tags records written by this package.
const RecordType = "claude"

// CredentialRecord is the persisted envelope around a Credential.
type CredentialRecord struct {
	Version    int         `json:"version"`
	Type       string      `json:"type"`
	SavedAt    time.Time   `json:"saved_at"`
	Credential *Credential `json:"credential"`
}

// EncodeCredentialRecord serializes cred inside a versioned envelope.
func EncodeCredentialRecord(cred *Credential, savedAt time.Time) ([]byte, error) {
	if cred == nil {
		return nil, fmt.Errorf("credential record: nil credential")
	}
	raw, err := json.MarshalIndent(CredentialRecord{
		Version:    RecordVersion,
		Type:       RecordType,
		SavedAt:    savedAt.UTC(),
		Credential: cred,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("credential record: marshal failed: %w", err)
	}
	return raw, nil
}

// DecodeCredentialRecord parses a record. Unknown versions, foreign types and
// records without an access token are rejected.
func DecodeCredentialRecord(data []byte) (*Credential, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("credential record: invalid JSON")
	}
	if v := gjson.GetBytes(data, "version").Int(); v != RecordVersion {
		return nil, fmt.Errorf("credential record: unsupported version %d", v)
	}
	if t := gjson.GetBytes(data, "type").String(); t != RecordType {
		return nil, fmt.Errorf("credential record: unexpected type %q", t)
	}
	var rec CredentialRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("credential record: %w", err)
	}
	if rec.Credential == nil || rec.Credential.AccessToken == "" {
		return nil, fmt.Errorf("credential record: missing access token")
	}
	return rec.Credential, nil
}
