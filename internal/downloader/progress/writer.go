package progress

import "io"

// Writer wraps an io.Writer and reports the running byte count each time at
// least interval bytes were written since the previous report.
type Writer struct {
	w          io.Writer
	onProgress func(written int64) error
	written    int64 // cumulative, including the starting offset
	sinceLast  int64 // bytes since last report
	interval   int64
}

// NewWriter returns a Writer whose count starts at offset. A non-nil error
// from cb fails the Write that triggered it.
func NewWriter(w io.Writer, offset, interval int64, cb func(written int64) error) *Writer {
	if interval < 1 {
		interval = 1
	}

	return &Writer{
		w:          w,
		onProgress: cb,
		written:    offset,
		interval:   interval,
	}
}

func (pw *Writer) Write(p []byte) (int, error) {
	n, err := pw.w.Write(p)
	if n > 0 {
		pw.written += int64(n)
		pw.sinceLast += int64(n)

		if pw.sinceLast >= pw.interval {
			pw.sinceLast = 0

			if cbErr := pw.onProgress(pw.written); cbErr != nil && err == nil {
				err = cbErr
			}
		}
	}

	return n, err
}

// Written returns the cumulative byte count.
func (pw *Writer) Written() int64 {
	return pw.written
}
