// Package subscription sells recurring access on top of payment streams.
//
// A provider publishes plans priced per interval; a subscriber funds a
// plan for a whole number of intervals, which opens a payment stream from
// subscriber to provider at the plan's per-second rate. Cancelling the
// subscription cancels the underlying stream, so the unstreamed remainder
// refunds the way any stream cancellation does. Expiry is lazy: a
// subscription past its end time reads as expired without a background
// sweep.
package subscription
