// Package task holds the task data model and the handler registry.
//
// The registry owns the error boundary for every handler: it stamps start
// and completion times, turns returned errors and panics into failed
// results, and reports unregistered types as failures. Handlers only return
// data or an error.
package task
