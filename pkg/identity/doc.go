/*
Package identity resolves bearer credentials into principals.

A single Authorization header may carry the break-glass admin token,
a database-resident admin token, a team bearer token, or an SSO JWT.
Resolution probes in that order and produces a tagged Principal
(Admin, Team, or Viewer); authorization decisions type-switch on the
variant so permission semantics live in one place.

Resolution performs at most one database round-trip per request and is
never cached across requests.
*/
package identity
