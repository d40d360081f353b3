// Package broker connects the agent to the publish/subscribe channel the
// backend uses to push task dispatches.
//
// Two drivers exist. Pusher speaks the Pusher websocket protocol and redials
// on its own with exponential backoff. ServiceBus reads an Azure Service Bus
// topic subscription named after the agent.
package broker
