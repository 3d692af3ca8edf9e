package shader

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/bayedieng/obliteration/log"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

const (
	storeVersion = 1

	// records larger than this are treated as corruption
	maxRecordSize = 1 << 24
)

var storeMagic = [4]byte{'O', 'B', 'S', 'C'}

// Record is one persisted compile result.
type Record struct {
	Key    Key
	Failed bool
	Blob   []byte
}

// Store is an append-only file of compile results. A file with a foreign
// header or a damaged record is discarded and rewritten from scratch.
type Store struct {
	L hclog.Logger

	mu   sync.Mutex
	path string
	f    *os.File
}

func OpenStore(path string) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening shader cache %s", path)
	}

	return &Store{
		L:    log.Named("shader-store"),
		path: path,
		f:    f,
	}, nil
}

func writeHeader(w io.Writer) error {
	var hdr [8]byte
	copy(hdr[:], storeMagic[:])
	binary.LittleEndian.PutUint32(hdr[4:], storeVersion)

	_, err := w.Write(hdr[:])
	return err
}

// reset truncates the file to an empty store. Callers hold mu.
func (s *Store) reset() error {
	err := s.f.Truncate(0)
	if err != nil {
		return err
	}

	_, err = s.f.Seek(0, io.SeekStart)
	if err != nil {
		return err
	}

	return writeHeader(s.f)
}

// Load reads every intact record and positions the file for appends.
func (s *Store) Load() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.f.Seek(0, io.SeekStart)
	if err != nil {
		return nil, err
	}

	br := bufio.NewReader(s.f)

	var hdr [8]byte

	_, err = io.ReadFull(br, hdr[:])
	if err != nil || [4]byte{hdr[0], hdr[1], hdr[2], hdr[3]} != storeMagic ||
		binary.LittleEndian.Uint32(hdr[4:]) != storeVersion {
		if err != io.EOF {
			s.L.Warn("shader cache unusable, starting empty", "path", s.path)
		}

		return nil, s.reset()
	}

	var recs []Record

	for {
		rec, err := readRecord(br)
		if err == io.EOF {
			break
		}

		if err != nil {
			s.L.Warn("shader cache corrupt, starting empty", "path", s.path, "error", err)
			return nil, s.reset()
		}

		recs = append(recs, rec)
	}

	_, err = s.f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}

	return recs, nil
}

var errCorrupt = errors.New("corrupt shader cache record")

func readRecord(r io.Reader) (Record, error) {
	var (
		rec  Record
		head [keySize + 1 + 4]byte
	)

	_, err := io.ReadFull(r, head[:])
	if err != nil {
		if err == io.EOF {
			return rec, io.EOF
		}

		return rec, errCorrupt
	}

	copy(rec.Key[:], head[:])
	rec.Failed = head[keySize] != 0

	size := binary.LittleEndian.Uint32(head[keySize+1:])
	if size > maxRecordSize {
		return rec, errCorrupt
	}

	body := make([]byte, size+4)

	_, err = io.ReadFull(r, body)
	if err != nil {
		return rec, errCorrupt
	}

	crc := crc32.NewIEEE()
	crc.Write(head[:])
	crc.Write(body[:size])

	if crc.Sum32() != binary.LittleEndian.Uint32(body[size:]) {
		return rec, errCorrupt
	}

	rec.Blob = body[:size]

	return rec, nil
}

func encodeRecord(rec Record) []byte {
	var buf bytes.Buffer

	buf.Write(rec.Key[:])

	if rec.Failed {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}

	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(rec.Blob)))
	buf.Write(n[:])
	buf.Write(rec.Blob)

	binary.LittleEndian.PutUint32(n[:], crc32.ChecksumIEEE(buf.Bytes()))
	buf.Write(n[:])

	return buf.Bytes()
}

// Append adds a record at the end of the file.
func (s *Store) Append(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.f.Write(encodeRecord(rec))
	return err
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.f.Sync()
	if err != nil {
		s.f.Close()
		return err
	}

	return s.f.Close()
}
