package network

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drpcorg/statebridge/protocol"
	"github.com/drpcorg/statebridge/utils"
)

// Peer runs one connection: a read loop splitting the byte stream into
// TLV records for inout.Drain, and a write loop sending whatever
// inout.Feed returns with one vectored write per batch. Records of one
// connection are drained in arrival order on a single goroutine.
type Peer struct {
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup
	once   sync.Once

	conn          net.Conn
	inout         protocol.FeedDrainCloserTraced
	writeTimeout  time.Duration
	bufferMaxSize int

	incomingBuffer atomic.Int32
	recordsWritten atomic.Int64
	writeBatchSize *utils.AvgVal
}

func newPeer(ctx context.Context, conn net.Conn, inout protocol.FeedDrainCloserTraced, writeTimeout time.Duration, bufferMaxSize int) *Peer {
	p := &Peer{
		conn:           conn,
		inout:          inout,
		writeTimeout:   writeTimeout,
		bufferMaxSize:  bufferMaxSize,
		writeBatchSize: &utils.AvgVal{},
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	return p
}

func (p *Peer) keepRead(ctx context.Context) error {
	var buf bytes.Buffer
	for ctx.Err() == nil {
		if buf.Available() < TYPICAL_MTU {
			buf.Grow(TYPICAL_MTU)
		}
		idle := buf.AvailableBuffer()[:buf.Available()]
		n, err := p.conn.Read(idle)
		if n > 0 {
			buf.Write(idle[:n])
		}
		if err != nil {
			return err
		}
		p.incomingBuffer.Store(int32(buf.Len()))

		recs, err := protocol.Split(&buf)
		if err != nil && !errors.Is(err, protocol.ErrIncomplete) {
			return err
		}
		if buf.Len() > p.bufferMaxSize {
			return ErrRecordTooBig
		}
		if len(recs) > 0 {
			if err := p.inout.Drain(ctx, recs); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Peer) keepWrite(ctx context.Context) error {
	return protocol.Pump(ctx, p.inout, protocol.DrainFunc(p.write))
}

// write sends one batch with a single vectored write.
func (p *Peer) write(_ context.Context, recs protocol.Records) error {
	p.writeBatchSize.Add(float64(recs.TotalLen()))
	p.recordsWritten.Add(int64(len(recs)))

	if p.writeTimeout != 0 {
		p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	}
	b := net.Buffers(recs)
	for len(b) > 0 {
		if _, err := b.WriteTo(p.conn); err != nil {
			return err
		}
	}
	return nil
}

// Keep runs both loops until either ends. Ending the read side cancels the
// write side; ending the write side closes the connection, which ends the
// read side. Orderly shutdown (EOF, our own close, cancellation) is not
// reported as an error.
func (p *Peer) Keep() (rerr, werr, cerr error) {
	defer p.wg.Done()
	if p.closed.Load() {
		return nil, nil, nil
	}

	readErrCh, writeErrCh := make(chan error, 1), make(chan error, 1)
	go func() { readErrCh <- p.keepRead(p.ctx) }()
	go func() { writeErrCh <- p.keepWrite(p.ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case rerr = <-readErrCh:
			if errors.Is(rerr, io.EOF) || errors.Is(rerr, net.ErrClosed) {
				rerr = nil
			}
			p.cancel()
		case werr = <-writeErrCh:
			if errors.Is(werr, context.Canceled) || errors.Is(werr, utils.ErrClosed) {
				werr = nil
			}
			if err := p.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				cerr = err
			}
		}
		p.closed.Store(true)
	}
	return
}

func (p *Peer) GetTraceId() string {
	return p.inout.GetTraceId()
}

func (p *Peer) Stats() PeerStats {
	return PeerStats{
		ReadBuffer:     p.incomingBuffer.Load(),
		WriteBatchAvg:  p.writeBatchSize.Val(),
		WriteBatches:   p.writeBatchSize.Count(),
		RecordsWritten: p.recordsWritten.Load(),
	}
}

// Close stops both loops, waits for Keep to return and closes the handler.
func (p *Peer) Close() {
	p.closed.Store(true)
	p.cancel()
	p.conn.Close()
	p.wg.Wait()
	p.once.Do(func() { p.inout.Close() })
}
