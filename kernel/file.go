package kernel

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/bayedieng/obliteration/abi"
	"github.com/bayedieng/obliteration/pkg/waiter"
)

// PipeSize is the capacity of a pipe buffer.
const PipeSize = 64 << 10

// File is an open file, stdio stream or pipe end.
type File struct {
	Name string

	mu sync.Mutex
	r  io.Reader
	w  io.Writer
	c  []io.Closer

	// pipe ends block in the kernel instead of on the host
	pipe     *pipeBuffer
	pipeRead bool
}

// NewFile wraps host streams. Either side may be nil. Closers run when the
// object is destroyed.
func NewFile(name string, r io.Reader, w io.Writer, closers ...io.Closer) *File {
	return &File{Name: name, r: r, w: w, c: closers}
}

func (f *File) Type() ObjectType {
	return TypeFile
}

func (f *File) Readable() bool {
	return f.r != nil || f.pipe != nil && f.pipeRead
}

func (f *File) Writable() bool {
	return f.w != nil || f.pipe != nil && !f.pipeRead
}

// Read fills p from the file. Host reads are serialised per file.
func (f *File) Read(ctx context.Context, t *Thread, p []byte) (int, abi.Errno) {
	if f.pipe != nil {
		if !f.pipeRead {
			return 0, abi.EBADF
		}

		return f.pipe.read(ctx, t, p)
	}

	if f.r == nil {
		return 0, abi.EBADF
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.r.Read(p)
	if err != nil && err != io.EOF && n == 0 {
		return 0, abi.EIO
	}

	return n, 0
}

func (f *File) Write(ctx context.Context, t *Thread, p []byte) (int, abi.Errno) {
	if f.pipe != nil {
		if f.pipeRead {
			return 0, abi.EBADF
		}

		return f.pipe.write(ctx, t, p)
	}

	if f.w == nil {
		return 0, abi.EBADF
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.w.Write(p)
	if err != nil && n == 0 {
		return 0, abi.EIO
	}

	return n, 0
}

func (f *File) Destroy() error {
	if f.pipe != nil {
		f.pipe.closeEnd(f.pipeRead)
		return nil
	}

	var err error

	for _, c := range f.c {
		se := c.Close()
		if se != nil && err == nil {
			err = se
		}
	}

	return err
}

type pipeBuffer struct {
	mu           sync.Mutex
	buf          bytes.Buffer
	readClosed   bool
	writerClosed bool

	events waiter.Waiter
}

// NewPipe returns the read and write ends of a pipe.
func NewPipe() (*File, *File) {
	pb := &pipeBuffer{}

	return &File{Name: "pipe:r", pipe: pb, pipeRead: true},
		&File{Name: "pipe:w", pipe: pb}
}

func (pb *pipeBuffer) read(ctx context.Context, t *Thread, p []byte) (int, abi.Errno) {
	if len(p) == 0 {
		return 0, 0
	}

	var n int

	errno := t.Block(ctx, &pb.events, -1, true, func() bool {
		pb.mu.Lock()
		defer pb.mu.Unlock()

		if pb.buf.Len() == 0 {
			// end of file once the writer is gone
			return pb.writerClosed
		}

		n, _ = pb.buf.Read(p)
		return true
	})

	if n > 0 {
		pb.events.Notify(waiter.EventSignaled)
	}

	return n, errno
}

func (pb *pipeBuffer) write(ctx context.Context, t *Thread, p []byte) (int, abi.Errno) {
	written := 0

	for written < len(p) {
		var broken bool

		errno := t.Block(ctx, &pb.events, -1, true, func() bool {
			pb.mu.Lock()
			defer pb.mu.Unlock()

			if pb.readClosed {
				broken = true
				return true
			}

			space := PipeSize - pb.buf.Len()
			if space == 0 {
				return false
			}

			chunk := p[written:]
			if len(chunk) > space {
				chunk = chunk[:space]
			}

			pb.buf.Write(chunk)
			written += len(chunk)

			return true
		})

		if broken {
			if written > 0 {
				return written, 0
			}

			return 0, abi.EPIPE
		}

		pb.events.Notify(waiter.EventSignaled)

		if errno != 0 {
			if written > 0 {
				return written, 0
			}

			return 0, errno
		}
	}

	return written, 0
}

func (pb *pipeBuffer) closeEnd(read bool) {
	pb.mu.Lock()
	if read {
		pb.readClosed = true
	} else {
		pb.writerClosed = true
	}
	pb.mu.Unlock()

	pb.events.Notify(waiter.EventClosed)
}
