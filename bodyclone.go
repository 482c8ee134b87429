package httpauth

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// duplicateBody reads rc to completion, closing it, and returns n
// independent io.ReadCloser copies of its bytes. Transport.RoundTrip is
// its only caller: it needs exactly one fresh clone per send of its
// challenge/retry loop, whatever the scheme, and produces all of them
// up front from a single read of the original body, since most request
// bodies can't be re-read once consumed. dir and limit are forwarded to
// newSpillBuffer for each clone, so a body larger than limit spills to
// a temp file instead of multiplying memory use n times over.
func duplicateBody(rc io.ReadCloser, n int, dir string, limit int) ([]io.ReadCloser, error) {
	defer rc.Close()

	if n <= 0 {
		return nil, nil
	}

	sinks := make([]*spillBuffer, n)
	writers := make([]io.Writer, n)
	for i := range sinks {
		sinks[i] = newSpillBuffer(dir, limit)
		writers[i] = sinks[i]
	}

	if _, err := io.Copy(io.MultiWriter(writers...), rc); err != nil {
		return nil, fmt.Errorf("httpauth: error cloning request body: %w", err)
	}

	clones := make([]io.ReadCloser, n)
	for i, sink := range sinks {
		if err := sink.Close(); err != nil {
			return nil, fmt.Errorf("httpauth: error cloning request body: %w", err)
		}
		reader, err := sink.Reader()
		if err != nil {
			return nil, fmt.Errorf("httpauth: error cloning request body: %w", err)
		}
		clones[i] = reader
	}

	return clones, nil
}

// spillBuffer is an io.Writer that keeps everything written to it in
// memory until more than threshold bytes accumulate, then transparently
// continues on a temp file instead. Pairing one spillBuffer per clone
// with an io.MultiWriter lets duplicateBody fan one request body out to
// several independent readers without holding all n copies in memory
// for an unbounded upload.
type spillBuffer struct {
	threshold int
	mem       *bytes.Buffer
	file      *os.File
	tempDir   string
	consumed  bool
}

// newSpillBuffer returns a spillBuffer that starts spilling to a temp
// file under tempDir once more than threshold bytes have been written.
// tempDir == "" uses the OS default temp directory; a negative
// threshold disables spilling and keeps everything in memory.
func newSpillBuffer(tempDir string, threshold int) *spillBuffer {
	return &spillBuffer{
		threshold: threshold,
		mem:       &bytes.Buffer{},
		tempDir:   tempDir,
	}
}

// Write appends p, switching to a temp file the first time the
// in-memory buffer's length exceeds threshold.
func (s *spillBuffer) Write(p []byte) (int, error) {
	if s.file != nil {
		return s.file.Write(p)
	}

	n, err := s.mem.Write(p)
	if err != nil || s.threshold < 0 || s.mem.Len() <= s.threshold {
		return n, err
	}

	f, ferr := os.CreateTemp(s.tempDir, "httpauth-body-*")
	if ferr != nil {
		return n, ferr
	}
	if _, werr := f.Write(s.mem.Bytes()); werr != nil {
		f.Close()
		os.Remove(f.Name())
		return n, werr
	}
	s.mem.Reset()
	s.file = f
	return n, nil
}

// Close signals that no more bytes are coming. Only the temp-file path
// needs to flush anything; the in-memory buffer has nothing to finalize.
func (s *spillBuffer) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// Reader hands back a one-shot io.ReadCloser over everything written to
// s. It may be called only once: if the bytes spilled to a temp file,
// Reader reopens that file under its own handle, independent of the
// write-side handle Close already closed.
func (s *spillBuffer) Reader() (io.ReadCloser, error) {
	if s.consumed {
		return nil, fmt.Errorf("httpauth: spillBuffer already consumed")
	}
	s.consumed = true

	if s.file == nil {
		return &spillReader{mem: s.mem}, nil
	}
	f, err := os.Open(s.file.Name())
	if err != nil {
		return nil, err
	}
	return &spillReader{file: f}, nil
}

// spillReader reads back whatever a spillBuffer accumulated, from
// whichever of mem or file is set.
type spillReader struct {
	mem  *bytes.Buffer
	file *os.File
}

func (r *spillReader) Read(p []byte) (int, error) {
	if r.file != nil {
		return r.file.Read(p)
	}
	return r.mem.Read(p)
}

// Close unlinks the backing temp file, if any; an in-memory reader has
// nothing to release. Both the close and the unlink are attempted even
// if the first one fails, so a close error never leaves a temp file
// behind.
func (r *spillReader) Close() error {
	if r.file == nil {
		return nil
	}
	closeErr := r.file.Close()
	removeErr := os.Remove(r.file.Name())
	if closeErr != nil {
		return closeErr
	}
	return removeErr
}
