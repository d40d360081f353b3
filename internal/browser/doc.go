// Package browser is the boundary to the browser execution capability.
// How the browser session is driven is the remote service's business; this
// package only sends it posts and maps its answers to errors.
package browser
