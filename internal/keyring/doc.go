// Package keyring stores one symmetric key per confidential collection and
// distributes it to the people and processes allowed to decrypt that
// collection before publication.
//
// Three stores share the Store contract:
//
//   - Memory: the process-wide key cache and per-session unlocked keyrings
//   - Sealed: a durable directory of age (X25519) encrypted key files
//   - Migrating: dual-writes a legacy and a new store during a cutover
//
// Durable per-user keyrings live in UserKeyrings. Each one carries its own
// X25519 identity sealed under the user's password (age scrypt), so keys can
// be added for a user who is offline while reading still needs the password.
package keyring
