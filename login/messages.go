package login

// This file contains various functions to write a particular message to the client
// as well as some model structures.

import (
	gonet "net"

	tnet "badc0de.net/pkg/gotserv/net"
)

// CharacterListEntry represents a single character presented on the character list.
type CharacterListEntry struct {
	CharacterName, CharacterWorld string
	GameFrontend                  gonet.TCPAddr
}

// Error writes a login error network message to the passed output message.
//
// Passed error text will be included.
func Error(w *tnet.OutputMessage, errorText string) error {
	if err := w.WriteByte(0x0A); err != nil {
		return err
	}
	if err := w.WriteTibiaString(errorText); err != nil {
		return err
	}
	return nil
}

// FYI writes an FYI network message to the passed output message.
//
// Passed FYI text will be included.
func FYI(w *tnet.OutputMessage, fyiText string) error {
	if err := w.WriteByte(0x0B); err != nil {
		return err
	}
	if err := w.WriteTibiaString(fyiText); err != nil {
		return err
	}
	return nil
}

// MOTD writes the message-of-the-day network message to the passed output message.
//
// The motdText should begin with ascii-encoded decimal number identifying the
// sequence number of the MOTD, followed by a newline. The number is used by the
// client to avoid bothering the user with the same message that was already seen.
func MOTD(w *tnet.OutputMessage, motdText string) error {
	if err := w.WriteByte(0x14); err != nil {
		return err
	}
	if err := w.WriteTibiaString(motdText); err != nil {
		return err
	}
	return nil
}

// CharacterList writes the network message containing the passed characters
// on the character list, and tells the user they have premiumDays left.
func CharacterList(w *tnet.OutputMessage, chars []CharacterListEntry, premiumDays uint16) error {
	if len(chars) > 0xFF {
		chars = chars[:0xFF]
	}
	if err := w.WriteByte(0x64); err != nil {
		return err
	}
	if err := w.WriteByte(byte(len(chars))); err != nil {
		return err
	}

	for _, char := range chars {
		if err := w.WriteTibiaString(char.CharacterName); err != nil {
			return err
		}
		if err := w.WriteTibiaString(char.CharacterWorld); err != nil {
			return err
		}
		ip := char.GameFrontend.IP.To4()
		if ip == nil {
			ip = gonet.IPv4zero.To4()
		}
		if _, err := w.Write(ip); err != nil {
			return err
		}
		if err := w.WriteU16(uint16(char.GameFrontend.Port)); err != nil {
			return err
		}
	}

	return w.WriteU16(premiumDays)
}
