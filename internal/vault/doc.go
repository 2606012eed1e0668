// Package vault encrypts and decrypts sensitive record fields such as access
// tokens and API keys.
//
// Each encrypted value is stored as an Envelope: AES-256-GCM ciphertext with a
// 128-bit IV and a 128-bit authentication tag, the id of the key that sealed
// it, a format version, and the encryption time. All binary parts are base64
// text so the serialized envelope can live in an ordinary text column next to
// the owning record.
//
// # Key registry
//
// A Vault owns an in-memory registry mapping key ids to raw 256-bit keys plus
// an active key id used for new encryptions. The registry is populated once
// from a KeySource the first time the vault is used; concurrent first callers
// share a single load. Additional keys may be registered later with SetKey so
// envelopes sealed under a retired key keep decrypting after SetActiveKeyID
// moves new encryptions to a fresh key. Nothing is re-encrypted implicitly.
//
// # Legacy values
//
// DecryptField returns text that does not parse as an envelope unchanged.
// Rows written before field encryption was introduced keep working during a
// migration period. Every other failure (unknown key id, failed tag check,
// malformed envelope) is returned as an error and never yields plaintext.
package vault
