/*
Package config loads and validates process-wide options from the
environment.

Options are read once at startup; a malformed or missing required
option is a startup error, never a runtime fallback. Key material is
decoded and length-checked here so every other package can assume
well-formed keys.
*/
package config
