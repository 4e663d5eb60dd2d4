package gameworld

// This file contains functions writing particular game messages to the client.

import (
	tnet "badc0de.net/pkg/gotserv/net"
)

// Text message classes.
const (
	MessageStatusDefault byte = 0x13
	MessageInfoDescr     byte = 0x16
	MessageStatusSmall   byte = 0x17
)

// SelfAppear tells the client which creature id is its own.
func SelfAppear(w *tnet.OutputMessage, id uint32, canReportBugs bool) error {
	if err := w.WriteByte(0x0A); err != nil {
		return err
	}
	if err := w.WriteU32(id); err != nil {
		return err
	}
	if err := w.WriteU16(0x32); err != nil { // draw speed
		return err
	}
	var bugs byte
	if canReportBugs {
		bugs = 1
	}
	return w.WriteByte(bugs)
}

// CancelWalk stops the client's walk, leaving the player facing dir.
func CancelWalk(w *tnet.OutputMessage, dir byte) error {
	if err := w.WriteByte(0xB5); err != nil {
		return err
	}
	return w.WriteByte(dir)
}

// TextMessage shows text in the client's status bar or console, depending
// on class.
func TextMessage(w *tnet.OutputMessage, class byte, text string) error {
	if err := w.WriteByte(0xB4); err != nil {
		return err
	}
	if err := w.WriteByte(class); err != nil {
		return err
	}
	return w.WriteTibiaString(text)
}

// Ping asks the client to answer with a ping of its own.
func Ping(w *tnet.OutputMessage) error {
	return w.WriteByte(0x1E)
}
