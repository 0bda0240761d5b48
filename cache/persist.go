package cache

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"time"

	"github.com/miekg/dns"
)

var (
	ErrWrongMagic = errors.New("wrong magic number")
	ErrBadRecord  = errors.New("bad record")
)

const cacheMagic = int64(0xD0CACE01)

// WriteTo writes the live cache entries to w so they can be restored with
// ReadFrom after a restart. Entries already expired are skipped.
func (c *Cache) WriteTo(w io.Writer) (n int64, err error) {
	if c == nil {
		return
	}
	if err = writeInt64(w, &n, cacheMagic); err != nil {
		return
	}
	now := c.now()
	for i := range c.buckets {
		b := &c.buckets[i]
		b.mu.RLock()
		for _, e := range b.entries {
			if e.expired(now) {
				continue
			}
			var written int64
			if written, err = writeEntry(w, e); err != nil {
				b.mu.RUnlock()
				return n + written, err
			}
			n += written
		}
		b.mu.RUnlock()
	}
	return
}

// ReadFrom restores entries previously written with WriteTo, skipping any
// whose TTL has since run out.
func (c *Cache) ReadFrom(r io.Reader) (n int64, err error) {
	if c == nil {
		return
	}
	var gotmagic int64
	if gotmagic, err = readInt64(r, &n); err != nil {
		return
	}
	if gotmagic != cacheMagic {
		return n, ErrWrongMagic
	}
	now := c.now()
	for {
		e, read, rerr := readEntry(r)
		n += read
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return n, nil
			}
			return n, rerr
		}
		if e.expired(now) || len(e.msg.Question) == 0 {
			continue
		}
		q := e.msg.Question[0]
		c.set(Key{Qname: dns.CanonicalName(q.Name), Qtype: q.Qtype, Qclass: q.Qclass}, e)
	}
}

// SaveFile writes the cache to path, replacing any previous contents.
func (c *Cache) SaveFile(path string) (err error) {
	var f *os.File
	if f, err = os.Create(path); err == nil {
		defer func() {
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}()
		_, err = c.WriteTo(f)
	}
	return
}

// LoadFile restores the cache from path. A missing file is not an error.
func (c *Cache) LoadFile(path string) (err error) {
	var f *os.File
	if f, err = os.Open(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = nil
		}
		return
	}
	defer f.Close()
	_, err = c.ReadFrom(f)
	return
}

func writeEntry(w io.Writer, e *entry) (n int64, err error) {
	packed, err := e.msg.Pack()
	if err != nil {
		return 0, err
	}
	if len(packed) >= 1<<16 {
		return 0, ErrBadRecord
	}
	var flags int64
	if e.negative {
		flags = 1
	}
	if err = writeInt64(w, &n, e.inserted.UnixMilli()); err == nil {
		if err = writeInt64(w, &n, e.ttl.Milliseconds()); err == nil {
			if err = writeInt64(w, &n, flags); err == nil {
				if err = writeInt64(w, &n, int64(len(packed))); err == nil {
					var written int
					written, err = w.Write(packed)
					n += int64(written)
					if err == nil && written != len(packed) {
						err = ErrBadRecord
					}
				}
			}
		}
	}
	return
}

func readEntry(r io.Reader) (e *entry, n int64, err error) {
	var inserted, ttlms, flags, packlen int64
	if inserted, err = readInt64(r, &n); err != nil {
		return
	}
	if ttlms, err = readInt64(r, &n); err == nil {
		if flags, err = readInt64(r, &n); err == nil {
			if packlen, err = readInt64(r, &n); err == nil {
				if packlen < 0 || packlen >= 1<<16 {
					return nil, n, ErrBadRecord
				}
				buf := make([]byte, int(packlen))
				var numread int
				if numread, err = io.ReadFull(r, buf); err == nil {
					var msg dns.Msg
					if err = msg.Unpack(buf); err == nil {
						e = &entry{
							msg:      &msg,
							inserted: time.UnixMilli(inserted),
							ttl:      time.Duration(ttlms) * time.Millisecond,
							negative: flags&1 != 0,
						}
					}
				}
				n += int64(numread)
			}
		}
	}
	if err != nil && errors.Is(err, io.EOF) && n >= 8 {
		// partial entry at end of stream
		err = io.ErrUnexpectedEOF
	}
	return
}

func writeInt64(w io.Writer, n *int64, v int64) (err error) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	written, err := w.Write(buf[:])
	*n += int64(written)
	return
}

func readInt64(r io.Reader, n *int64) (v int64, err error) {
	var buf [8]byte
	numread, err := io.ReadFull(r, buf[:])
	*n += int64(numread)
	if err == nil {
		v = int64(binary.BigEndian.Uint64(buf[:]))
	}
	return
}
