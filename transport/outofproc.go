package transport

import (
	"bufio"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// PacketType enumerates the out-of-process framing packets exchanged with a
// server started in stdio mode (pwsh -s).
type PacketType string

const (
	PacketData       PacketType = "Data"
	PacketDataAck    PacketType = "DataAck"
	PacketCommand    PacketType = "Command"
	PacketCommandAck PacketType = "CommandAck"
	PacketClose      PacketType = "Close"
	PacketCloseAck   PacketType = "CloseAck"
	PacketSignal     PacketType = "Signal"
	PacketSignalAck  PacketType = "SignalAck"
)

// Packet is one parsed out-of-process frame.
type Packet struct {
	Type   PacketType
	PSGuid uuid.UUID
	Stream string
	Data   []byte
}

// OutOfProc adapts a child process's stdio to the Connection interface.
// Fragment bytes written through Write travel as base64 Data packets on the
// Default stream under the session (all-zero) guid; control packets for
// pipeline lifecycle go through SendCommand, SendSignal and SendClose.
//
// Acks and non-Data packets read off the wire are consumed internally; Read
// yields only reassembled Data payload bytes, so a Stream can sit directly
// on top.
type OutOfProc struct {
	r *bufio.Reader
	w io.Writer

	writeMu sync.Mutex
	pending []byte

	closer func() error

	ackMu  sync.Mutex
	ackers map[PacketType][]chan uuid.UUID
}

// NewOutOfProc wraps the given reader/writer pair (typically the stdout and
// stdin pipes of a spawned server). closer, if non-nil, is invoked on Close
// to release the underlying process or pipes.
func NewOutOfProc(r io.Reader, w io.Writer, closer func() error) *OutOfProc {
	return &OutOfProc{
		r:      bufio.NewReader(r),
		w:      w,
		closer: closer,
		ackers: make(map[PacketType][]chan uuid.UUID),
	}
}

// Write frames p as a Data packet addressed to the session guid.
func (o *OutOfProc) Write(p []byte) (int, error) {
	if err := o.WriteData(uuid.Nil, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteData frames p as a Data packet addressed to psGuid.
func (o *OutOfProc) WriteData(psGuid uuid.UUID, p []byte) error {
	encoded := base64.StdEncoding.EncodeToString(p)
	return o.writePacket(fmt.Sprintf("<Data Stream='Default' PSGuid='%s'>%s</Data>\n",
		strings.ToLower(psGuid.String()), encoded))
}

// SendCommand announces a new pipeline to the server. Must precede any Data
// packets addressed to that pipeline's guid.
func (o *OutOfProc) SendCommand(pipelineGuid uuid.UUID) error {
	return o.writePacket(fmt.Sprintf("<Command PSGuid='%s' />\n", strings.ToLower(pipelineGuid.String())))
}

// SendSignal asks the server to interrupt the addressed pipeline.
func (o *OutOfProc) SendSignal(pipelineGuid uuid.UUID) error {
	return o.writePacket(fmt.Sprintf("<Signal PSGuid='%s' />\n", strings.ToLower(pipelineGuid.String())))
}

// SendClose closes the addressed pipeline, or the whole session when given
// uuid.Nil.
func (o *OutOfProc) SendClose(psGuid uuid.UUID) error {
	return o.writePacket(fmt.Sprintf("<Close PSGuid='%s' />\n", strings.ToLower(psGuid.String())))
}

func (o *OutOfProc) writePacket(packet string) error {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	_, err := io.WriteString(o.w, packet)
	return err
}

// AwaitAck registers interest in the next ack packet of the given type and
// returns a channel that yields its guid. Used to wait for CommandAck before
// streaming pipeline data.
func (o *OutOfProc) AwaitAck(t PacketType) <-chan uuid.UUID {
	ch := make(chan uuid.UUID, 1)
	o.ackMu.Lock()
	o.ackers[t] = append(o.ackers[t], ch)
	o.ackMu.Unlock()
	return ch
}

func (o *OutOfProc) deliverAck(t PacketType, id uuid.UUID) {
	o.ackMu.Lock()
	defer o.ackMu.Unlock()
	waiters := o.ackers[t]
	if len(waiters) == 0 {
		return
	}
	waiters[0] <- id
	o.ackers[t] = waiters[1:]
}

// Read returns payload bytes from Data packets, acking each packet and
// consuming control traffic along the way.
func (o *OutOfProc) Read(p []byte) (int, error) {
	for len(o.pending) == 0 {
		pkt, err := o.readPacket()
		if err != nil {
			return 0, err
		}
		switch pkt.Type {
		case PacketData:
			o.pending = pkt.Data
			// the server stalls after a window of unacked data
			if err := o.writePacket(fmt.Sprintf("<DataAck PSGuid='%s' />\n",
				strings.ToLower(pkt.PSGuid.String()))); err != nil {
				return 0, err
			}
		case PacketCommandAck, PacketSignalAck, PacketCloseAck, PacketDataAck:
			o.deliverAck(pkt.Type, pkt.PSGuid)
		default:
			return 0, fmt.Errorf("unexpected packet %q", pkt.Type)
		}
	}
	n := copy(p, o.pending)
	o.pending = o.pending[n:]
	return n, nil
}

func (o *OutOfProc) readPacket() (*Packet, error) {
	for {
		line, err := o.r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "\xEF\xBB\xBF"))
		if idx := strings.Index(line, "<"); idx > 0 {
			line = line[idx:]
		} else if idx == -1 {
			continue
		}
		if line == "" {
			continue
		}
		return parsePacket(line)
	}
}

func parsePacket(line string) (*Packet, error) {
	dec := xml.NewDecoder(strings.NewReader(line))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("parse packet: %w", err)
	}
	start, ok := tok.(xml.StartElement)
	if !ok {
		return nil, fmt.Errorf("parse packet: expected element, got %T", tok)
	}

	pkt := &Packet{Type: PacketType(start.Name.Local), Stream: "Default"}
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "PSGuid":
			id, err := uuid.Parse(attr.Value)
			if err != nil {
				return nil, fmt.Errorf("parse packet PSGuid %q: %w", attr.Value, err)
			}
			pkt.PSGuid = id
		case "Stream":
			pkt.Stream = attr.Value
		}
	}

	if pkt.Type != PacketData {
		return pkt, nil
	}
	tok, err = dec.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return pkt, nil
		}
		return nil, fmt.Errorf("parse packet data: %w", err)
	}
	switch c := tok.(type) {
	case xml.CharData:
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(c)))
		if err != nil {
			return nil, fmt.Errorf("parse packet data: %w", err)
		}
		pkt.Data = decoded
	case xml.EndElement:
	default:
		return nil, fmt.Errorf("parse packet data: unexpected token %T", tok)
	}
	return pkt, nil
}

// Close sends a session-level Close packet, then releases the underlying
// pipes.
func (o *OutOfProc) Close() error {
	err := o.SendClose(uuid.Nil)
	if o.closer != nil {
		if cerr := o.closer(); err == nil {
			err = cerr
		}
	}
	return err
}

// Abort releases the pipes without the close handshake.
func (o *OutOfProc) Abort() {
	if o.closer != nil {
		_ = o.closer()
	}
}
