// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package archive

import "io"

// Tracker remembers the part readers an archive has handed out,
// so that they can be shut when the archive goes away.
type Tracker struct {
	open map[*trackedReader]Entry
}

type trackedReader struct {
	io.ReadCloser
	t      *Tracker
	closed bool
}

func (r *trackedReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	delete(r.t.open, r)
	return r.ReadCloser.Close()
}

// Track registers rc as belonging to e. Closing the returned reader unregisters it.
func (t *Tracker) Track(rc io.ReadCloser, e Entry) io.ReadCloser {
	if t.open == nil {
		t.open = make(map[*trackedReader]Entry)
	}
	tr := &trackedReader{ReadCloser: rc, t: t}
	t.open[tr] = e
	return tr
}

func (t *Tracker) Count() int { return len(t.open) }

// CloseAll closes every tracked reader and reports how many there were.
func (t *Tracker) CloseAll() int {
	n := 0
	for tr := range t.open {
		tr.Close()
		n++
	}
	return n
}
