// Package split groups an ordered page sequence into documents whose
// serialized size stays under a byte ceiling. Sizes are always measured on
// the assembled document, never estimated from page sizes.
package split

import (
	"context"
	"errors"
	"fmt"
)

// DefaultInitialStep is the number of pages added to a candidate in the first
// growth attempt after its first page fits.
const DefaultInitialStep = 4

// Assembler builds one serialized document from a contiguous page range.
// Pages are 1-indexed and the range is inclusive. Assemble must be
// deterministic for a fixed input.
type Assembler interface {
	Len() int
	Assemble(ctx context.Context, first, last int) ([]byte, error)
}

// Part is one output document of a Plan.
type Part struct {
	Index    int    `json:"index"` // 1-based emission order
	First    int    `json:"first_page"`
	Last     int    `json:"last_page"`
	Size     int64  `json:"size"`
	Oversize bool   `json:"oversize"`
	Data     []byte `json:"-"`
}

// Pages returns the number of pages in the part.
func (p Part) Pages() int {
	return p.Last - p.First + 1
}

// Plan is the ordered result of Split.
type Plan struct {
	Limit        int64  `json:"limit"`
	Pages        int    `json:"pages"`
	Parts        []Part `json:"parts"`
	Measurements int    `json:"measurements"`
}

// Oversize returns the parts made of a single page that alone exceeds the limit.
func (p *Plan) Oversize() []Part {
	var out []Part
	for _, part := range p.Parts {
		if part.Oversize {
			out = append(out, part)
		}
	}
	return out
}

// AssembleError reports a failure to build a candidate page range.
type AssembleError struct {
	First, Last int
	Err         error
}

func (e *AssembleError) Error() string {
	return fmt.Sprintf("assemble pages %d-%d: %s", e.First, e.Last, e.Err)
}

func (e *AssembleError) Unwrap() error { return e.Err }

// ErrInvalidLimit is returned for a non-positive size limit.
var ErrInvalidLimit = errors.New("size limit must be positive")

type options struct {
	initialStep int
	linear      bool
	onPart      func(Part)
}

// Option configures Split.
type Option func(*options)

// WithInitialStep sets the first growth step. Values below 1 are ignored.
func WithInitialStep(n int) Option {
	return func(o *options) {
		if n >= 1 {
			o.initialStep = n
		}
	}
}

// WithLinear disables adaptive growth: pages are added one at a time.
func WithLinear() Option {
	return func(o *options) { o.linear = true }
}

// WithPartHook registers a callback invoked as each part is emitted.
func WithPartHook(fn func(Part)) Option {
	return func(o *options) { o.onPart = fn }
}

// Measure returns the serialized size of an assembled document.
func Measure(data []byte) int64 {
	return int64(len(data))
}

// BytesFromMB converts a megabyte value to a byte ceiling.
func BytesFromMB(mb float64) int64 {
	return int64(mb * 1024 * 1024)
}

// MaxLimitMB bounds LimitFromMB.
const MaxLimitMB = 1 << 20

// LimitFromMB converts a user-supplied megabyte value into a size limit,
// rejecting values that round to zero bytes or exceed MaxLimitMB.
func LimitFromMB(mb float64) (int64, error) {
	if !(mb > 0 && mb <= MaxLimitMB) {
		return 0, fmt.Errorf("%w: %g MB (want 0-%d MB)", ErrInvalidLimit, mb, MaxLimitMB)
	}
	n := BytesFromMB(mb)
	if n <= 0 {
		return 0, fmt.Errorf("%w: %g MB is less than one byte", ErrInvalidLimit, mb)
	}
	return n, nil
}

// Split places every page of src into size-bounded parts.
//
// Each part is the longest run of pages starting at the first unplaced page
// whose assembled size fits under limit. A single page that does not fit is
// emitted alone and flagged Oversize. The bytes stored on each part are the
// exact bytes that were measured.
func Split(ctx context.Context, src Assembler, limit int64, opts ...Option) (*Plan, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	o := options{initialStep: DefaultInitialStep}
	for _, opt := range opts {
		opt(&o)
	}
	if o.linear {
		o.initialStep = 1
	}

	n := src.Len()
	plan := &Plan{Limit: limit, Pages: n}

	measure := func(first, last int) ([]byte, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := src.Assemble(ctx, first, last)
		if err != nil {
			return nil, &AssembleError{First: first, Last: last, Err: err}
		}
		plan.Measurements++
		return data, nil
	}

	emit := func(first, last int, data []byte, oversize bool) {
		part := Part{
			Index:    len(plan.Parts) + 1,
			First:    first,
			Last:     last,
			Size:     Measure(data),
			Oversize: oversize,
			Data:     data,
		}
		plan.Parts = append(plan.Parts, part)
		if o.onPart != nil {
			o.onPart(part)
		}
	}

	start := 1
	for start <= n {
		data, err := measure(start, start)
		if err != nil {
			return nil, err
		}
		if Measure(data) > limit {
			emit(start, start, data, true)
			start++
			continue
		}

		best, bestData := start, data
		step := o.initialStep
		for best < n {
			cand := min(best+step, n)
			data, err := measure(start, cand)
			if err != nil {
				return nil, err
			}
			if Measure(data) <= limit {
				best, bestData = cand, data
				if !o.linear {
					step *= 2
				}
				continue
			}
			if step == 1 {
				break
			}
			step /= 2
		}

		emit(start, best, bestData, false)
		start = best + 1
	}

	return plan, nil
}
