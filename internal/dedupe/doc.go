// Package dedupe suppresses webhook events the gateway delivers more than
// once, keyed by group and message id within a configurable window.
package dedupe
