// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package checksum

import (
	"fmt"
	"io"

	"github.com/elliotnunn/diskarc/archive"
)

// ErrMismatch wraps [archive.ErrChecksum].
var ErrMismatch = fmt.Errorf("%w: mismatch", archive.ErrChecksum)

// Sum is satisfied by CRC16Sum, CRC32Sum and XORSum.
type Sum interface {
	Update(p []byte)
	Reset()
	Value() uint32
}

// NewVerifier wraps r so that, once size bytes have passed through,
// the running checksum is compared with want. A size of -1 checks at EOF.
// Data that ends early or runs long also counts as a mismatch.
func NewVerifier(r io.Reader, sum Sum, want uint32, size int64) io.ReadCloser {
	rc, ok := r.(io.ReadCloser)
	if !ok {
		rc = io.NopCloser(r)
	}
	return &verifier{rc: rc, remain: size, sized: size >= 0, sum: sum, want: want}
}

type verifier struct {
	rc     io.ReadCloser
	remain int64
	sized  bool
	sum    Sum // nil means the check failed
	want   uint32
	done   bool
}

func (v *verifier) Read(b []byte) (n int, err error) {
	if v.sum == nil {
		return 0, ErrMismatch
	}
	n, err = v.rc.Read(b)
	v.sum.Update(b[:n])
	if v.sized {
		v.remain -= int64(n)
	}
	if v.done {
		return
	}
	switch {
	case v.sized && v.remain < 0:
	case v.sized && v.remain == 0, err == io.EOF && !v.sized:
		v.done = true
		if v.sum.Value() == v.want {
			return
		}
	case err == io.EOF:
	default:
		return
	}
	v.sum = nil
	return n, ErrMismatch
}

func (v *verifier) Close() error { return v.rc.Close() }
