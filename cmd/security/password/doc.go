// Package password hashes and verifies account passwords.
//
// New hashes are Argon2id in the PHC string format. Verification also accepts bcrypt hashes
// left by the previous deployment so existing accounts keep working; NeedsRehash tells the
// caller when a successful login should upgrade the stored hash.
//
// Security notes:
// - Stored hashes are treated as untrusted input during Verify.
// - Verification refuses Argon2id parameters far above the configured cost.
package password
