/*
Package tokens manages team bearer tokens.

A token is an opaque secret returned once at issuance. Only its
peppered HMAC is stored, so a database leak alone cannot be replayed
against the API. Resolution looks the presented secret up by hash,
enforces revocation and the effective expiry (the earlier of the
token's own expires_at and the org policy's token_expiry_days), and
revokes expired tokens in place the moment they are seen.

Last-used timestamps are coalesced in memory and flushed in the
background so resolution stays a single read.
*/
package tokens
