/*
Package crypto implements envelope encryption for sensitive
configuration values.

Values are encrypted with AES-256-GCM under an active key and encoded
as printable envelopes of the form

	v1:<key_id>:<nonce_b64>:<ct_b64>:<tag_b64>

so a stored value is self-describing: the scheme version, the key that
encrypted it, and the nonce all travel with the ciphertext. Retired
keys stay in the keyring decrypt-only until a re-key has rewritten
every envelope under the active key.

EncryptSubtree and DecryptSubtree walk JSON objects and apply envelope
encryption to the values of sensitive keys (api_key, password, token,
and so on), leaving everything else untouched.
*/
package crypto
