// Package testutil provides an in-memory stand-in for the host's stdio
// pipe, so internal/router.Router (and the scheduler it drives) can be
// exercised end-to-end without a real subprocess.
//
// Pipe is modeled directly on MongooseMoo-barn/server/transport.go's
// PipeTransport: the same Send/Receive/TryReceive/DrainOutput shape,
// adapted from that type's line-oriented telnet framing to this
// service's binary wire.Message framing.
package testutil

import (
	"io"

	"github.com/NovaSquirrel/TilemapTownScriptingService/internal/wire"
)

// Pipe is a duplex byte stream connecting a test (playing the role of
// the host) to a router.Router (playing the role of the service). The
// test writes host->service messages with Send and reads
// service->host messages with Receive/TryReceive/DrainOutput; the
// Router is constructed against ServiceReader/ServiceWriter exactly as
// it would be against os.Stdin/os.Stdout.
type Pipe struct {
	svcReader *io.PipeReader
	svcWriter *io.PipeWriter
	testWrite *io.PipeWriter
	received  chan wire.Message
}

// NewPipe constructs a connected Pipe and starts the background pump
// that decodes the service's output side into the received channel.
func NewPipe() *Pipe {
	hostToSvcR, hostToSvcW := io.Pipe()
	svcToHostR, svcToHostW := io.Pipe()

	p := &Pipe{
		svcReader: hostToSvcR,
		svcWriter: svcToHostW,
		testWrite: hostToSvcW,
		received:  make(chan wire.Message, 64),
	}
	go p.pump(svcToHostR)
	return p
}

func (p *Pipe) pump(r io.Reader) {
	for {
		m, err := wire.ReadMessage(r)
		if err != nil {
			close(p.received)
			return
		}
		p.received <- m
	}
}

// ServiceReader is the reader a router.Router should be run against,
// playing the role of the service's stdin.
func (p *Pipe) ServiceReader() io.Reader { return p.svcReader }

// ServiceWriter is the writer a router.Router's wire.Writer should
// wrap, playing the role of the service's stdout.
func (p *Pipe) ServiceWriter() io.Writer { return p.svcWriter }

// Send encodes and writes m as if the host had sent it.
func (p *Pipe) Send(m wire.Message) error {
	buf, err := wire.Encode(m)
	if err != nil {
		return err
	}
	_, err = p.testWrite.Write(buf)
	return err
}

// Receive blocks until the next service->host message arrives, or
// returns the zero Message once the service side has closed.
func (p *Pipe) Receive() (wire.Message, bool) {
	m, ok := <-p.received
	return m, ok
}

// TryReceive returns the next already-buffered message without
// blocking.
func (p *Pipe) TryReceive() (wire.Message, bool) {
	select {
	case m, ok := <-p.received:
		return m, ok
	default:
		return wire.Message{}, false
	}
}

// DrainOutput returns every message buffered so far without blocking,
// in arrival order.
func (p *Pipe) DrainOutput() []wire.Message {
	var out []wire.Message
	for {
		select {
		case m, ok := <-p.received:
			if !ok {
				return out
			}
			out = append(out, m)
		default:
			return out
		}
	}
}

// Close closes both directions of the pipe, unblocking any pending
// Run/Receive call on either side.
func (p *Pipe) Close() error {
	_ = p.testWrite.Close()
	_ = p.svcWriter.Close()
	return nil
}
