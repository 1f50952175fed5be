/*
Package security provides the cryptographic primitives behind minerguard's
credential protection tiers.

# Master key and site DEKs (mode 2)

The master key is derived once from a long-lived session secret:

	masterKey = PBKDF2-HMAC-SHA256(secret, salt, iterations >= 100000, 32 bytes)

The salt is random per installation and persisted next to the data. Each
site gets a random 256-bit DEK; only its wrapped form is ever stored:

	site_dek_wrapped = "v1." || base64url(nonce || AES-256-GCM(masterKey, dek, aad="minerguard/dek-wrap/v1"))

Credential tokens use the same layout under the DEK with
aad="minerguard/credential/v1". The DEK is unwrapped in memory for the
duration of one Encrypt or Decrypt call and zeroed afterwards.

Every failure to open a token (wrong key, tag mismatch, malformed or
truncated input, unknown version) returns an error wrapping
types.ErrDecryptionFailed. There is no fallback plaintext.

# Device E2EE (mode 3)

Each Edge Collector owns an X25519 key pair. The client generates a fresh
DEK, seals it to the device's public key with an anonymous sealed box
(nacl/box SealAnonymous), and encrypts the credential with AES-256-GCM
using an explicit nonce. The associated data binds key version and
anti-rollback counter:

	"minerguard/e2ee/v1|kv=<version>|ctr=<counter>|" || aad

The resulting CredentialEnvelope is stored by the server verbatim as
"e2ee1." || base64url(json). The server never holds the private key.

# Keystore

Keystore keeps one file per key version under <dir>/<name>/. The private
key is encrypted with XChaCha20-Poly1305 under a PBKDF2-derived key with a
fresh salt and nonce per write. Files are written atomically
(temp file, fsync, rename) with mode 0600 inside a 0700 directory.
Rotate writes the next version; Load opens exactly the requested version,
so an envelope sealed to version N can only be opened with version N.

# Anti-rollback

ValidateAntiRollback(last, counter) accepts only counter > last. Persistent
watermarks are advanced atomically by the storage layer; Watermarks offers
the same guarantee in memory for device-local replay protection.
*/
package security
