package transport

import (
	"context"
	"sync"

	"github.com/ebfe/scard"
	"github.com/pkg/errors"
)

// PCSC is a secure element behind a PC/SC reader. The reader does its own framing, so
// pair it with frame.None.
type PCSC struct {
	mu     sync.Mutex
	ctx    *scard.Context
	card   *scard.Card
	Reader string
}

// ListReaders returns the names of the attached PC/SC readers.
func ListReaders() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, errors.Wrap(err, "EstablishContext failed")
	}
	defer ctx.Release()
	readers, err := ctx.ListReaders()
	if err != nil {
		return nil, errors.Wrap(err, "list readers")
	}
	return readers, nil
}

// OpenPCSC connects to the card in the reader at readerIndex (0-based).
func OpenPCSC(readerIndex int) (*PCSC, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, errors.Wrap(err, "EstablishContext failed")
	}

	readers, err := ctx.ListReaders()
	if err != nil || len(readers) == 0 {
		ctx.Release()
		return nil, errors.Errorf("no readers found: %v", err)
	}
	if readerIndex < 0 || readerIndex >= len(readers) {
		ctx.Release()
		return nil, errors.Errorf("reader index out of range (0..%d)", len(readers)-1)
	}

	reader := readers[readerIndex]
	card, err := ctx.Connect(reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		ctx.Release()
		return nil, errors.Wrap(err, "connect failed")
	}
	return &PCSC{ctx: ctx, card: card, Reader: reader}, nil
}

// Transceive sends one APDU. PC/SC has no cancellation, so ctx is only checked up front.
func (p *PCSC) Transceive(ctx context.Context, apdu []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.card == nil {
		return nil, ErrClosed
	}
	resp, err := p.card.Transmit(apdu)
	if err != nil {
		return nil, errors.Wrap(err, "pcsc transmit")
	}
	return resp, nil
}

// Close disconnects the card and releases the PC/SC context.
func (p *PCSC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.card != nil {
		_ = p.card.Disconnect(scard.LeaveCard)
		p.card = nil
	}
	if p.ctx != nil {
		_ = p.ctx.Release()
		p.ctx = nil
	}
	return nil
}
