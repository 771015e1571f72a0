package ubiquity

import (
	"context"
	"io"
)

// maxInFlightPercent caps progress reported while a transfer is running;
// reaching 100 is reserved for the completion update, which flips the
// downloaded/uploaded flag in the same write.
const maxInFlightPercent = 99

// progressReader reports the share of size read so far. Reports are
// monotonically increasing and at least one percentage point apart.
type progressReader struct {
	ctx    context.Context
	r      io.Reader
	size   int64
	read   int64
	last   float64
	report func(pct float64)
}

func newProgressReader(ctx context.Context, r io.Reader, size int64, report func(float64)) *progressReader {
	return &progressReader{ctx: ctx, r: r, size: size, report: report}
}

func (p *progressReader) Read(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.size > 0 && n > 0 {
		pct := float64(p.read) / float64(p.size) * 100
		if pct > maxInFlightPercent {
			pct = maxInFlightPercent
		}
		if pct-p.last >= 1 {
			p.last = pct
			p.report(pct)
		}
	}
	return n, err
}
