/*
Package credential protects miner management credentials.

A credential is encoded according to the protection mode of its site:

	mode 1  plaintext JSON, masked at display time
	mode 2  AES-256-GCM token under the site's DEK (see security.Envelope)
	mode 3  envelope sealed by the client to the edge device's public key

Display never yields plaintext for modes 2 and 3; Reveal is reserved for the
execution path of an approved change request. Migrate decodes under the old
mode and re-encodes under the new one. Nothing migrates out of mode 3 since
the server never holds that plaintext.

Fingerprints are the first 16 hex characters of SHA-256 over the plaintext
(or over the sealed envelope for mode 3).
*/
package credential
