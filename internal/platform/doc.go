// Package platform defines the boundary to a messaging-platform client.
//
// The session manager only talks to a Provider (to log in) and to the Handle
// it returns. Concrete implementations live in subpackages; see
// platform/matrix.
package platform
