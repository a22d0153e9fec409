// Package session holds the domain types of the proxy session controller.
//
// The session is a single long-lived connection through an external V2Ray
// engine. Its lifecycle is a small state machine (see State) and its
// observable status is a StatusSnapshot that is always replaced wholesale,
// never patched field by field.
//
// Invariant: a snapshot carries non-zero speeds only while the state is
// StateConnected. NewStatusSnapshot enforces it, so every snapshot in the
// system should be built through it.
package session
