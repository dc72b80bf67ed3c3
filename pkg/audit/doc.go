/*
Package audit builds, records and queries the unified audit trail.

Token, configuration and agent events share one append-only table and
one filterable timeline. Events for a state change are inserted in the
same transaction as the change itself, so a crash rolls both back and
the trail never diverges from the data.

Correlation identifiers travel through the request context: the HTTP
layer stores the caller-supplied (or freshly minted) X-Correlation-Id
with audit.WithCorrelation, and every event built under that context
carries it.
*/
package audit
