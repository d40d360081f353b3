// Package auth protects the agent's status API.
//
// Operators authenticate with HS256 JWTs signed with status.jwt_secret. The
// token's sub claim names the operator and its aud must be Audience. Tokens
// are minted with the coven-agent token subcommand:
//
//	coven-agent token --subject ops --ttl 24h
//
// Middleware verifies the Authorization bearer header and stores the subject
// in the request context for handlers that want to log it.
package auth
