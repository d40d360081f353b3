// Package handlers implements the task types the agent accepts from the backend.
//
// Each handler satisfies task.Handler and is registered with the task.Registry
// at startup. Payloads arrive as decoded JSON, so handlers read them through
// the params helpers rather than struct decoding.
package handlers
