package protocol

import (
	"bufio"
	"bytes"
	"net/textproto"
	"strconv"
	"strings"
)

// ControlContentType marks typing notifications and other client control
// messages, which are never relayed.
const ControlContentType = "text/x-msmsgscontrol"

// Header lines of every message injected into a switchboard from the bridge.
var inboundHeaders = []string{
	"MIME-Version: 1.0",
	"Content-Type: text/plain; charset=UTF-8",
	"X-MMS-IM-Format: FN=Arial; EF=I; CO=0; CS=0; PF=22",
}

// Message is a parsed MSG payload.
type Message struct {
	Header textproto.MIMEHeader
	Body   string
}

// ContentType returns the media type without parameters, lowercased.
func (m *Message) ContentType() string {
	ct := m.Header.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// IsControl reports whether the message is a control message.
func (m *Message) IsControl() bool {
	return m.ContentType() == ControlContentType
}

// ParseMessage splits a MSG payload into MIME headers and body. Headers are
// terminated by an empty line; a payload without one is all headers.
func ParseMessage(payload []byte) (*Message, error) {
	head, body, found := bytes.Cut(payload, []byte("\r\n\r\n"))
	if !found {
		head, body, _ = bytes.Cut(payload, []byte("\n\n"))
	}

	hdr := make([]byte, 0, len(head)+4)
	hdr = append(hdr, head...)
	hdr = append(hdr, "\r\n\r\n"...)

	r := textproto.NewReader(bufio.NewReader(bytes.NewReader(hdr)))
	h, err := r.ReadMIMEHeader()
	if err != nil {
		return nil, err
	}
	return &Message{Header: h, Body: string(body)}, nil
}

// InboundMessage builds the MSG block delivered to a switchboard client for
// a message received from the bridge. The length field counts every byte
// after the command line.
func InboundMessage(from, nick, body string) []byte {
	payload := strings.Join(inboundHeaders, CRLF) + CRLF + CRLF + body

	var b bytes.Buffer
	b.WriteString(Line("MSG", from, nick, strconv.Itoa(len(payload))))
	b.WriteString(CRLF)
	b.WriteString(payload)
	return b.Bytes()
}
