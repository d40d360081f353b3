// Package api serves the agent's read-only status surface over HTTP.
//
// Routes:
//
//	GET /health            liveness, never authenticated
//	GET /status            bridge.Status snapshot
//	GET /accounts          platform accounts and their session state
//	GET /accounts/{id}     one account
//	GET /webhook/health    webhook forwarder health
//	GET /audit/tasks       recent reported results (?limit=N)
//	GET /events            server-sent task.started / task.completed events
//
// When a TokenVerifier is configured every route but /health requires a
// bearer JWT. With Tailscale enabled the server listens on the tailnet
// instead of a local address.
package api
