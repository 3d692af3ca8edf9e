package shader

import (
	"encoding/base64"
	"sync"
	"sync/atomic"

	"github.com/bayedieng/obliteration/log"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"
)

const keySize = blake2b.Size256

// Key is the content hash identifying a shader.
type Key [keySize]byte

func (k Key) String() string {
	return base64.URLEncoding.EncodeToString(k[:])
}

func KeyOf(code []byte) Key {
	return blake2b.Sum256(code)
}

// Entry is an immutable cache record. Exactly one of Program and Err is set;
// an entry with Err is a permanent negative result.
type Entry struct {
	Key     Key
	Program *Program
	Err     error
}

// Compiler translates shaders on demand and keeps every result for the
// lifetime of the process, and across runs when a Store is attached.
type Compiler struct {
	L hclog.Logger

	entries sync.Map // Key -> *Entry
	group   singleflight.Group
	store   *Store

	compiles atomic.Int64
}

func NewCompiler(store *Store) (*Compiler, error) {
	c := &Compiler{
		L:     log.Named("shader"),
		store: store,
	}

	if store == nil {
		return c, nil
	}

	recs, err := store.Load()
	if err != nil {
		return nil, err
	}

	for _, rec := range recs {
		ent := &Entry{Key: rec.Key}

		if rec.Failed {
			ent.Err = errors.Errorf("%s", rec.Blob)
		} else {
			ent.Program, err = UnmarshalProgram(rec.Blob)
			if err != nil {
				c.L.Warn("dropping unreadable cached shader", "key", rec.Key, "error", err)
				continue
			}
		}

		c.entries.Store(rec.Key, ent)
	}

	c.L.Debug("loaded shader cache", "entries", len(recs))

	return c, nil
}

// Compiles reports how many translations actually ran.
func (c *Compiler) Compiles() int64 {
	return c.compiles.Load()
}

// Lookup returns a cached entry without compiling.
func (c *Compiler) Lookup(key Key) (*Entry, bool) {
	v, ok := c.entries.Load(key)
	if !ok {
		return nil, false
	}

	return v.(*Entry), true
}

// Get returns the program for code, translating it at most once no matter
// how many callers ask concurrently.
func (c *Compiler) Get(code []byte) (*Program, error) {
	key := KeyOf(code)

	if ent, ok := c.Lookup(key); ok {
		return ent.Program, ent.Err
	}

	v, _, _ := c.group.Do(string(key[:]), func() (interface{}, error) {
		if ent, ok := c.Lookup(key); ok {
			return ent, nil
		}

		ent := c.compile(key, code)

		actual, _ := c.entries.LoadOrStore(key, ent)

		return actual, nil
	})

	ent := v.(*Entry)

	return ent.Program, ent.Err
}

func (c *Compiler) compile(key Key, code []byte) *Entry {
	c.compiles.Add(1)

	ent := &Entry{Key: key}

	prog, err := Translate(code)
	if err != nil {
		c.L.Warn("shader-unsupported", "key", key, "error", err)
		ent.Err = err
	} else {
		c.L.Debug("shader-compiled", "key", key, "stage", prog.Stage, "insts", prog.Len(), "regs", prog.NumRegs)
		ent.Program = prog
	}

	if c.store != nil {
		rec := Record{Key: key}

		if err != nil {
			rec.Failed = true
			rec.Blob = []byte(err.Error())
		} else {
			rec.Blob, _ = prog.MarshalBinary()
		}

		if serr := c.store.Append(rec); serr != nil {
			c.L.Error("error persisting shader", "key", key, "error", serr)
		}
	}

	return ent
}

// Close flushes the persistent store.
func (c *Compiler) Close() error {
	if c.store == nil {
		return nil
	}

	return c.store.Close()
}
