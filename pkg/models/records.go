package models

// SchemaVersion is written into every persisted record as "v".
const SchemaVersion = 1

// Value types understood by validation, masking and numeric matching.
const (
	TypeEmail    = "email"
	TypePhone    = "phone"
	TypeSSN      = "ssn"
	TypeCredit   = "credit"
	TypeCard     = "card"
	TypeBank     = "bank"
	TypePassport = "passport"
	TypeLicense  = "license"
	TypeAddress  = "address"
	TypeName     = "name"
)

// SealedPayload is an AES-256-GCM ciphertext with its 96-bit nonce.
type SealedPayload struct {
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
}

// EntryMeta is the unencrypted description of a vault entry.
type EntryMeta struct {
	Type         string `json:"type"`
	ShortDisplay string `json:"shortDisplay"`
	Site         string `json:"site,omitempty"`
	TimestampMs  int64  `json:"timestampMs"`
}

// Entry is a manually saved value, encrypted at rest.
type Entry struct {
	V       int           `json:"v"`
	Payload SealedPayload `json:"encryptedPayload"`
	Meta    EntryMeta     `json:"meta"`
}

// EntryPayload is the plaintext sealed inside an Entry.
type EntryPayload struct {
	V             int    `json:"v"`
	Hash          string `json:"hash"`
	Type          string `json:"type"`
	ShortDisplay  string `json:"shortDisplay"`
	TimestampMs   int64  `json:"timestampMs"`
	Site          string `json:"site,omitempty"`
	OriginalValue string `json:"originalValue"`
}

// ProfileRecord is a plaintext registered value used as a detection target.
type ProfileRecord struct {
	V            int    `json:"v"`
	Type         string `json:"type"`
	Value        string `json:"value"`
	ShortDisplay string `json:"shortDisplay"`
	AddedAtMs    int64  `json:"addedAtMs"`
}

// DetectionHashRecord is the hash-only projection of a registered value.
type DetectionHashRecord struct {
	V            int    `json:"v"`
	Hash         string `json:"hash"`
	Type         string `json:"type"`
	ShortDisplay string `json:"shortDisplay"`
}

// Match sources recorded on usage log records.
const (
	MatchedByPlaintext = "plaintext"
	MatchedByHash      = "hash"
)

// UsageLogRecord records one detection.
type UsageLogRecord struct {
	V            int    `json:"v"`
	Type         string `json:"type"`
	Value        string `json:"value"`
	ShortDisplay string `json:"shortDisplay"`
	Site         string `json:"site"`
	URL          string `json:"url,omitempty"`
	TimestampMs  int64  `json:"timestampMs"`
	FieldContext string `json:"fieldContext"`
	MatchedBy    string `json:"matchedBy,omitempty"`
}

// VaultStatus summarizes the vault state machine.
type VaultStatus struct {
	Initialized bool `json:"initialized"`
	Locked      bool `json:"locked"`
	EntryCount  int  `json:"entry_count"`
}

// DecryptedEntry pairs an entry position with its plaintext payload.
type DecryptedEntry struct {
	Index   int          `json:"index"`
	Payload EntryPayload `json:"payload"`
}
