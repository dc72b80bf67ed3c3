/*
Package tree implements the scope tree and configuration inheritance
engine.

An organization's scopes form a rooted tree (org → unit → team). Each
node stores only its local configuration overrides; the effective
configuration of a node is computed by deep-merging every ancestor's
overrides root-to-leaf:

  - objects merge recursively, the deeper node's keys win
  - arrays are replaced whole, never concatenated
  - a null at a deeper node deletes the key from the effective view
  - keys present only in ancestors survive

The engine owns node lifecycle (create, rename, reparent, delete),
ancestry and cycle invariants, and the encrypt-on-write /
decrypt-on-read boundary for sensitive config fields. Writes are
checked against the org's security policy and either applied, queued
as proposals, or rejected; every mutation commits its audit event in
the same transaction.
*/
package tree
