package models

import "time"

// UserWallet is a custody record owned by the key vault. The private key is
// stored only in encrypted form; the plaintext exists transiently in memory
// during a signing operation and is zeroized afterwards.
type UserWallet struct {
	UserBucket          int        `db:"user_bucket" json:"-"`
	UserID              string     `db:"user_id" json:"user_id"`
	PublicKey           []byte     `db:"public_key" json:"public_key"`
	EncryptedPrivateKey []byte     `db:"encrypted_private_key" json:"-"`
	Salt                []byte     `db:"salt" json:"-"`
	KDFIterations       int        `db:"kdf_iterations" json:"-"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	LastUsed            *time.Time `db:"last_used" json:"last_used,omitempty"`
	IsActive            bool       `db:"is_active" json:"is_active"`
}

// WalletBackup is a versioned, password-encrypted export of a wallet record.
// When KMS wrapping is enabled the envelope carries the wrapped data key.
// DatabaseBackup is an encrypted snapshot of every wallet record in the
// store, written to disk as one envelope.
type DatabaseBackup struct {
	Version     string    `json:"version"`
	WalletCount int       `json:"wallet_count"`
	Payload     []byte    `json:"payload"`
	WrappedKey  []byte    `json:"wrapped_key,omitempty"`
	KMSKeyID    string    `json:"kms_key_id,omitempty"`
	ExportedAt  time.Time `json:"exported_at"`
}

type WalletBackup struct {
	Version      string    `json:"version"`
	UserID       string    `json:"user_id"`
	Payload      []byte    `json:"payload"`
	WrappedKey   []byte    `json:"wrapped_key,omitempty"`
	KMSKeyID     string    `json:"kms_key_id,omitempty"`
	ExportedAt   time.Time `json:"exported_at"`
}
