package verify

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"

	"geoattend/internal/model"
)

// ErrNoFix is returned by a location source that has no reading.
var ErrNoFix = errors.New("no location fix")

// PayloadList is a Scanner over payloads already decoded by the client,
// in the order they were read.
type PayloadList struct {
	mu       sync.Mutex
	payloads []string
}

// NewPayloadList returns a Scanner over payloads.
func NewPayloadList(payloads ...string) *PayloadList {
	return &PayloadList{payloads: payloads}
}

// Next returns the next payload, or io.EOF.
func (p *PayloadList) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.payloads) == 0 {
		return "", io.EOF
	}
	next := p.payloads[0]
	p.payloads = p.payloads[1:]
	return next, nil
}

// Frame is a FrameSource holding one captured image.
type Frame []byte

// CaptureFrame returns the frame.
func (f Frame) CaptureFrame(context.Context) ([]byte, error) { return f, nil }

// Fix is a LocationProvider holding a reading taken by the client for this
// request. A nil Fix has no reading.
type Fix struct {
	Loc *model.Location
}

// CurrentLocation returns the reading or ErrNoFix.
func (f Fix) CurrentLocation(ctx context.Context) (model.Location, error) {
	if err := ctx.Err(); err != nil {
		return model.Location{}, err
	}
	if f.Loc == nil {
		return model.Location{}, ErrNoFix
	}
	return *f.Loc, nil
}
