package qrpay

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/png"
	"sync"

	"github.com/berniyo/condo-qrpay/internal/condo"
)

// QRAPI fetches rendered QR images.
type QRAPI interface {
	QRImage(ctx context.Context, attempt condo.AttemptID) (*condo.Blob, error)
}

// QRImage is a fetched QR code held for display.
type QRImage struct {
	AttemptID   condo.AttemptID
	Data        []byte
	ContentType string
	Width       int
	Height      int
}

// clone returns a copy the caller owns.
func (q *QRImage) clone() *QRImage {
	c := *q
	c.Data = append([]byte(nil), q.Data...)
	return &c
}

func (q *QRImage) release() {
	for i := range q.Data {
		q.Data[i] = 0
	}
	q.Data = nil
}

type qrFetch struct {
	attempt    condo.AttemptID
	cancel     context.CancelFunc
	done       chan struct{}
	superseded bool
	img        *QRImage
	err        error
}

// Presenter owns the QR image of one session. It fetches each attempt's
// image once, drops the previous image when the attempt changes and
// discards fetch results that land after Release or Close. Callers only
// ever receive copies; the held buffer is zeroed on release.
type Presenter struct {
	api QRAPI

	mu      sync.Mutex
	current *QRImage
	pending *qrFetch
	closed  bool
}

// NewPresenter builds a Presenter fetching images from api.
func NewPresenter(api QRAPI) *Presenter {
	return &Presenter{api: api}
}

// Load returns a copy of the QR image for attempt, fetching it if needed.
func (p *Presenter) Load(ctx context.Context, attempt condo.AttemptID) (*QRImage, error) {
	if attempt <= 0 {
		return nil, ErrNoAttempt
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPresenterClosed
	}
	if p.current != nil && p.current.AttemptID == attempt {
		img := p.current.clone()
		p.mu.Unlock()
		return img, nil
	}
	if f := p.pending; f != nil && f.attempt == attempt {
		p.mu.Unlock()
		select {
		case <-f.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		switch {
		case f.err != nil:
			return nil, f.err
		case p.current != f.img:
			return nil, ErrQRSuperseded
		}
		return f.img.clone(), nil
	}
	p.releaseLocked()

	fetchCtx, cancel := context.WithCancel(ctx)
	f := &qrFetch{attempt: attempt, cancel: cancel, done: make(chan struct{})}
	p.pending = f
	p.mu.Unlock()

	blob, err := p.api.QRImage(fetchCtx, attempt)
	cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	defer close(f.done)
	if p.pending == f {
		p.pending = nil
	}

	switch {
	case p.closed:
		f.err = ErrPresenterClosed
	case f.superseded:
		f.err = ErrQRSuperseded
	case err != nil:
		f.err = err
	default:
		img, decodeErr := newQRImage(attempt, blob)
		if decodeErr != nil {
			f.err = decodeErr
			break
		}
		p.current = img
		f.img = img
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.img.clone(), nil
}

// Current returns a copy of the held image, if any.
func (p *Presenter) Current() *QRImage {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil
	}
	return p.current.clone()
}

// Release drops the held image and abandons any in-flight fetch.
func (p *Presenter) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseLocked()
}

// Close releases everything; later Loads fail with ErrPresenterClosed.
func (p *Presenter) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.releaseLocked()
}

func (p *Presenter) releaseLocked() {
	if p.pending != nil {
		p.pending.superseded = true
		p.pending.cancel()
		p.pending = nil
	}
	if p.current != nil {
		p.current.release()
		p.current = nil
	}
}

func newQRImage(attempt condo.AttemptID, blob *condo.Blob) (*QRImage, error) {
	if blob == nil || len(blob.Data) == 0 {
		return nil, fmt.Errorf("qr image for attempt %d is empty", attempt)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(blob.Data))
	if err != nil {
		return nil, fmt.Errorf("decode qr image: %w", err)
	}
	contentType := blob.ContentType
	if contentType == "" {
		contentType = "image/png"
	}
	return &QRImage{
		AttemptID:   attempt,
		Data:        append([]byte(nil), blob.Data...),
		ContentType: contentType,
		Width:       cfg.Width,
		Height:      cfg.Height,
	}, nil
}
