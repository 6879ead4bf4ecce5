package domain

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/gowebpki/jcs"
)

// CommandRequest is the single inbound command shape accepted by ingestion.
type CommandRequest struct {
	InstanceAddress string          `json:"instance_address" validate:"required"`
	Action          CommandAction   `json:"action" validate:"required"`
	Source          string          `json:"source" validate:"required"`
	SourceIdempk    string          `json:"source_idempk" validate:"required"`
	UpdateIdempk    string          `json:"update_idempk,omitempty"`
	UpdateSource    string          `json:"update_source,omitempty"`
	Payload         json.RawMessage `json:"payload" validate:"required"`
}

// SignedEntryInput is one entry as submitted: a signed amount in minor units
// against an account address. The sign is translated to a debit or credit
// using account polarity before validation.
type SignedEntryInput struct {
	AccountAddress string `json:"account_address" validate:"required"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency" validate:"required,len=3"`
}

// TransactionPayload is the payload for create_transaction and
// update_transaction commands. For updates, Entries may be omitted to
// restatus the existing entries.
type TransactionPayload struct {
	Status      TransactionStatus  `json:"status" validate:"required"`
	Entries     []SignedEntryInput `json:"entries" validate:"omitempty,dive"`
	EffectiveAt string             `json:"effective_at,omitempty"`
	Metadata    map[string]any     `json:"metadata,omitempty"`
}

// AccountPayload is the payload for create_account and update_account
// commands. Updates may change name, metadata, and allow_negative only.
type AccountPayload struct {
	Address       string         `json:"address" validate:"required"`
	Type          AccountType    `json:"type,omitempty"`
	Currency      string         `json:"currency,omitempty" validate:"omitempty,len=3"`
	Name          string         `json:"name,omitempty"`
	AllowNegative *bool          `json:"allow_negative,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// IdempotencyHash fingerprints a command's identity tuple with a secret:
// HMAC-SHA256(secret, action|instance_address|source|source_idempk|update_source|update_idempk),
// hex encoded. Two requests with the same tuple always collide, whatever
// their payloads.
func IdempotencyHash(secret []byte, action CommandAction, instanceAddress, source, sourceIdempk, updateSource, updateIdempk string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strings.Join([]string{
		string(action), instanceAddress, source, sourceIdempk, updateSource, updateIdempk,
	}, "|")))
	return hex.EncodeToString(mac.Sum(nil))
}

// CanonicalDigest returns the SHA-256 hex digest of the RFC 8785 (JCS)
// canonical form of v. Used for journal event payload digests so the digest
// is stable across field ordering.
func CanonicalDigest(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}
