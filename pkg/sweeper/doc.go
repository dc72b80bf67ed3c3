/*
Package sweeper runs the periodic token lifecycle pass: revoking
expired and inactive tokens and flagging tokens that enter their
expiry warn window. Each pass works in bounded batches under
FOR UPDATE SKIP LOCKED row locks, so multiple instances sweep safely
in parallel and no transaction holds more than the batch limit.
*/
package sweeper
