// Package net implements the network core shared by the login, gameworld,
// status and admin protocols.
//
// This includes the incoming message (a single communications block sent by
// the client), pooled outgoing messages, the XTEA and RSA primitives, the
// per-socket Connection and the Server which ties them to the dispatcher
// and the scheduler.
//
// A Connection is driven by one reader goroutine and at most one writer
// goroutine at a time. Anything that tears a connection down runs as a
// dispatcher task, so it never races with the game code which may still be
// holding the connection's protocol.
package net
