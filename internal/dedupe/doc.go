// Package dedupe remembers recently seen keys for a bounded time window so
// redelivered broker messages are processed only once.
package dedupe
