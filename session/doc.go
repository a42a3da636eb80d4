// Package session is the chat process side of the relay.
//
// A Monitor reports a lost chat connection as messenger.disconnected and,
// subscribed to cookie.changed, installs the refreshed cookie through a
// ChatConnector such as FileCredentialSink. An Intake publishes inbound
// chat messages as message.received and hands commands to a worker pool.
package session
