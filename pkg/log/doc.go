/*
Package log provides structured logging for scopecfg.

A single global zerolog logger is initialized once at startup and
consumed through small helpers. Components create child loggers with
stable fields (component, org_id, node_id) so every line is
attributable.

Secret material (token plaintexts, encryption keys, pepper) must never
be passed to any logging call.
*/
package log
