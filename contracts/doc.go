// Package contracts defines the event envelope exchanged over the broker.
//
// Every message on the wire is a JSON envelope carrying metadata and exactly
// one typed payload:
//   - MessageReceived: an inbound chat message captured by the bot
//   - MessageSend: a chat message the bot should deliver
//   - CookieChanged: a refreshed session cookie for an account
//   - MatchEnded: a finished League of Legends match
//   - MessengerDisconnected: the realtime chat connection was lost
//
// The event type strings are stable wire identifiers and double as routing
// keys on the topic exchange. Decode validates the payload against the schema
// selected by the envelope's event type, so consumers never see a payload whose
// shape disagrees with its tag.
package contracts
