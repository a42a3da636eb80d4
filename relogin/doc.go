// Package relogin restores a dropped chat session.
//
// Service consumes messenger.disconnected events one at a time, runs the
// LoginProvider once per event and publishes the new cookie as a
// cookie.changed event before the disconnect delivery is acknowledged. A
// failed login is acknowledged too and leaves the account in StateFailed; a
// failed publish requeues the event so the login runs again on redelivery.
package relogin
