/*
Package events provides the security event stream for VentiScan.

A structured event is emitted for every security-relevant action: login
success and failure, admin-only operation use, scan lifecycle transitions,
worker spawn and exit with classification, rate-limit denials, input
validation rejections and artifact GC sweeps.

The broker fans events out to in-process subscribers over buffered channels
(slow subscribers are skipped, never block publishers) and mirrors each
event into the zerolog audit stream with component=audit. Events must not
carry credentials or raw target response bodies beyond the evidence cap.
*/
package events
