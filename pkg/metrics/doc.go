/*
Package metrics defines and registers scopecfg's Prometheus metrics.

Metrics cover the HTTP surface, bearer resolution, the config engine,
envelope decryption failures, the background sweeper, and the audit
trail. Everything is registered on the default registry at init and
exposed through Handler.
*/
package metrics
