// Package status answers server status queries: an XML document for
// server lists, and binary info blocks selected by flags.
package status

import (
	"encoding/xml"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"

	tnet "badc0de.net/pkg/gotserv/net"
)

// Requested info flags of the binary query.
const (
	BasicServerInfo    = 0x01
	OwnerServerInfo    = 0x02
	MiscServerInfo     = 0x04
	PlayersInfo        = 0x08
	MapInfo            = 0x10
	PlayerStatusInfo   = 0x40
	ServerSoftwareInfo = 0x80
)

// Info describes the server. It is fixed once the server starts.
type Info struct {
	ServerName string
	IP         string
	Port       int
	Location   string
	URL        string
	MOTD       string

	Owner      string
	OwnerEmail string

	MaxPlayers int

	MapName   string
	MapAuthor string
	MapWidth  uint16
	MapHeight uint16

	Software string
	Version  string
	Client   string
}

// Players lists who is online.
type Players interface {
	Online() []string
}

// Status combines the fixed Info with live data.
type Status struct {
	Info    Info
	players Players
	start   time.Time
	now     func() time.Time

	mu   sync.Mutex
	peak int
}

// New creates a status for info. players may be nil, in which case nobody
// is ever online.
func New(info Info, players Players) *Status {
	return &Status{
		Info:    info,
		players: players,
		start:   time.Now(),
		now:     time.Now,
	}
}

// Uptime returns the time since New.
func (s *Status) Uptime() time.Duration { return s.now().Sub(s.start) }

// Online returns the online players and updates the peak.
func (s *Status) Online() ([]string, int) {
	var online []string
	if s.players != nil {
		online = s.players.Online()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(online) > s.peak {
		s.peak = len(online)
	}
	return online, s.peak
}

type xmlAttr struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
}

func element(name string, kv ...string) xmlAttr {
	e := xmlAttr{XMLName: xml.Name{Local: name}}
	for i := 0; i+1 < len(kv); i += 2 {
		e.Attrs = append(e.Attrs, xml.Attr{Name: xml.Name{Local: kv[i]}, Value: kv[i+1]})
	}
	return e
}

type tsqp struct {
	XMLName  xml.Name `xml:"tsqp"`
	Version  string   `xml:"version,attr"`
	Elements []xmlAttr
	MOTD     string `xml:"motd"`
}

// WriteXML renders the status document into w.
func (s *Status) WriteXML(w *bytebufferpool.ByteBuffer) error {
	online, peak := s.Online()
	i := s.Info
	doc := tsqp{
		Version: "1.0",
		Elements: []xmlAttr{
			element("serverinfo",
				"uptime", strconv.FormatInt(int64(s.Uptime()/time.Second), 10),
				"ip", i.IP,
				"servername", i.ServerName,
				"port", strconv.Itoa(i.Port),
				"location", i.Location,
				"url", i.URL,
				"server", i.Software,
				"version", i.Version,
				"client", i.Client),
			element("owner", "name", i.Owner, "email", i.OwnerEmail),
			element("players",
				"online", strconv.Itoa(len(online)),
				"max", strconv.Itoa(i.MaxPlayers),
				"peak", strconv.Itoa(peak)),
			element("map",
				"name", i.MapName,
				"author", i.MapAuthor,
				"width", strconv.Itoa(int(i.MapWidth)),
				"height", strconv.Itoa(int(i.MapHeight))),
		},
		MOTD: i.MOTD,
	}

	if _, err := w.WriteString(`<?xml version="1.0"?>` + "\n"); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	if err := enc.Encode(doc); err != nil {
		return errors.Wrap(err, "encoding status document")
	}
	return enc.Flush()
}

// WriteInfo writes the blocks selected by flags to out. The player status
// block reads the player's name from req.
func (s *Status) WriteInfo(out *tnet.OutputMessage, flags uint16, req *tnet.Message) error {
	i := s.Info
	var err error
	put := func(b byte) {
		if err == nil {
			err = out.WriteByte(b)
		}
	}
	putU16 := func(v uint16) {
		if err == nil {
			err = out.WriteU16(v)
		}
	}
	putU32 := func(v uint32) {
		if err == nil {
			err = out.WriteU32(v)
		}
	}
	putString := func(v string) {
		if err == nil {
			err = out.WriteTibiaString(v)
		}
	}

	if flags&BasicServerInfo != 0 {
		put(0x10)
		putString(i.ServerName)
		putString(i.IP)
		putString(strconv.Itoa(i.Port))
	}
	if flags&OwnerServerInfo != 0 {
		put(0x11)
		putString(i.Owner)
		putString(i.OwnerEmail)
	}
	if flags&MiscServerInfo != 0 {
		put(0x12)
		putString(i.MOTD)
		putString(i.Location)
		putString(i.URL)
		up := uint64(s.Uptime() / time.Second)
		putU32(uint32(up))
		putU32(uint32(up >> 32))
	}
	if flags&PlayersInfo != 0 {
		online, peak := s.Online()
		put(0x20)
		putU32(uint32(len(online)))
		putU32(uint32(i.MaxPlayers))
		putU32(uint32(peak))
	}
	if flags&MapInfo != 0 {
		put(0x30)
		putString(i.MapName)
		putString(i.MapAuthor)
		putU16(i.MapWidth)
		putU16(i.MapHeight)
	}
	if flags&PlayerStatusInfo != 0 {
		name, rerr := req.ReadTibiaString()
		if rerr != nil {
			return errors.Wrap(rerr, "reading player name")
		}
		online, _ := s.Online()
		var on byte
		for _, n := range online {
			if n == name {
				on = 1
				break
			}
		}
		put(0x22)
		put(on)
	}
	if flags&ServerSoftwareInfo != 0 {
		put(0x23)
		putString(i.Software)
		putString(i.Version)
		putString(i.Client)
	}
	return err
}
