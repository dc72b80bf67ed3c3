/*
Package policy evaluates configuration writes against an
organization's security policy.

A proposed patch is flattened into dotted paths and checked for locked
paths (prefix match: locking a.b locks a.b.*), numeric ceilings, and
approval-gated areas (agent prompts and tools). The outcome is one of:
apply, queue for approval, or reject with the failing path.

The engine is pure: it never touches storage. Callers load the policy
row and act on the verdict.
*/
package policy
