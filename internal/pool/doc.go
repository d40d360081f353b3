// Package pool provides a fixed-size worker pool with a bounded queue.
package pool
