// Package matrix is the Matrix platform client used by the session manager.
//
// Platform concepts map onto Matrix as follows:
//
//   - an account is a Matrix user logged in with a password or access token
//   - a group thread is a joined room
//   - a user thread and a friend are both a direct chat (m.direct)
//   - a reaction is an m.annotation relation
//
// Outbound text is treated as Markdown and rendered to formatted_body.
// QR login does not exist on Matrix and returns platform.ErrUnsupported.
package matrix
