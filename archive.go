package catalog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/zeebo/blake3"
)

const footerLen = 16

// WriterOptions define writer specific options.
type WriterOptions struct {
	// The compression codec to use for each section.
	// Default: SnappyCompression.
	Compression Compression
}

func (o *WriterOptions) norm() *WriterOptions {
	var oo WriterOptions
	if o != nil {
		oo = *o
	}

	if !oo.Compression.isValid() {
		oo.Compression = SnappyCompression
	}

	return &oo
}

type sectionInfo struct {
	Name      string
	Offset    int64    // payload offset
	Length    int64    // payload length, including the codec trailer
	RawLength int64    // uncompressed length
	Sum       [32]byte // BLAKE3 digest of the uncompressed data
}

// --------------------------------------------------------------------

// ArchiveWriter writes a container of named, independently compressed
// sections.
type ArchiveWriter struct {
	w io.Writer
	o *WriterOptions

	offset int64
	index  []sectionInfo

	buf []byte // payload buffer
	tmp []byte // scratch buffer
}

// NewArchiveWriter wraps a writer and returns an ArchiveWriter.
func NewArchiveWriter(w io.Writer, o *WriterOptions) *ArchiveWriter {
	return &ArchiveWriter{
		w:   w,
		o:   o.norm(),
		tmp: make([]byte, 2*binary.MaxVarintLen64),
	}
}

// WriteSection compresses data and appends it as a named section.
func (w *ArchiveWriter) WriteSection(name string, data []byte) error {
	if w.tmp == nil {
		return errClosed
	}
	for _, s := range w.index {
		if s.Name == name {
			return structuralf("duplicate section %q", name)
		}
	}
	if int64(len(data)) > maxSectionSize {
		return structuralf("section %q: %d bytes exceeds limit", name, len(data))
	}

	w.buf = compressSection(w.buf[:0], data, w.o.Compression)
	w.index = append(w.index, sectionInfo{
		Name:      name,
		Offset:    w.offset,
		Length:    int64(len(w.buf)),
		RawLength: int64(len(data)),
		Sum:       blake3.Sum256(data),
	})
	return w.writeRaw(w.buf)
}

// Close writes the section index and footer. It does not close the
// underlying writer.
func (w *ArchiveWriter) Close() error {
	if w.tmp == nil {
		return errClosed
	}

	indexOffset := w.offset
	if err := w.writeIndex(); err != nil {
		return err
	}
	if err := w.writeFooter(indexOffset); err != nil {
		return err
	}
	w.tmp = nil
	return nil
}

func (w *ArchiveWriter) writeIndex() error {
	var ix []byte
	for _, s := range w.index {
		ix = appendUvarint(ix, uint64(len(s.Name)))
		ix = append(ix, s.Name...)
		ix = appendUvarint(ix, uint64(s.Offset))
		ix = appendUvarint(ix, uint64(s.Length))
		ix = appendUvarint(ix, uint64(s.RawLength))
		ix = append(ix, s.Sum[:]...)
	}
	return w.writeRaw(ix)
}

func (w *ArchiveWriter) writeFooter(indexOffset int64) error {
	binary.LittleEndian.PutUint64(w.tmp[0:], uint64(indexOffset))
	if err := w.writeRaw(w.tmp[:8]); err != nil {
		return err
	}
	return w.writeRaw(magic)
}

func (w *ArchiveWriter) writeRaw(p []byte) error {
	n, err := w.w.Write(p)
	w.offset += int64(n)
	return err
}

func appendUvarint(dst []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(dst, tmp[:n]...)
}

// --------------------------------------------------------------------

// Archive provides access to the sections of a container.
type Archive struct {
	r     io.ReaderAt
	index []sectionInfo
}

// OpenArchive reads the footer and section index. Section contents are not
// read until requested.
func OpenArchive(r io.ReaderAt, size int64) (*Archive, error) {
	if size < footerLen {
		return nil, errBadMagic
	}

	// read footer
	footerOffset := size - footerLen
	tmp := make([]byte, footerLen)
	if _, err := r.ReadAt(tmp, footerOffset); err != nil {
		return nil, err
	}

	// parse footer
	if !bytes.Equal(tmp[8:16], magic) {
		return nil, errBadMagic
	}
	indexOffset := int64(binary.LittleEndian.Uint64(tmp[:8]))
	if indexOffset < 0 || indexOffset > footerOffset {
		return nil, structuralf("bad index offset %d", indexOffset)
	}

	// read index
	raw := make([]byte, footerOffset-indexOffset)
	if _, err := r.ReadAt(raw, indexOffset); err != nil {
		return nil, err
	}

	var index []sectionInfo
	for pos := 0; pos < len(raw); {
		var info sectionInfo
		var err error

		name, n := binary.Uvarint(raw[pos:])
		if n <= 0 || name > uint64(len(raw)-pos-n) {
			return nil, errTruncated
		}
		pos += n
		info.Name = string(raw[pos : pos+int(name)])
		pos += int(name)

		if info.Offset, pos, err = readIndexInt(raw, pos); err != nil {
			return nil, err
		}
		if info.Length, pos, err = readIndexInt(raw, pos); err != nil {
			return nil, err
		}
		if info.RawLength, pos, err = readIndexInt(raw, pos); err != nil {
			return nil, err
		}
		if info.RawLength > maxSectionSize {
			return nil, structuralf("section %q: raw length %d exceeds limit", info.Name, info.RawLength)
		}
		if len(raw)-pos < len(info.Sum) {
			return nil, errTruncated
		}
		pos += copy(info.Sum[:], raw[pos:])

		if info.Offset+info.Length > indexOffset {
			return nil, structuralf("section %q exceeds data area", info.Name)
		}
		index = append(index, info)
	}

	return &Archive{r: r, index: index}, nil
}

func readIndexInt(raw []byte, pos int) (int64, int, error) {
	u, n := binary.Uvarint(raw[pos:])
	if n <= 0 || u > 1<<62 {
		return 0, pos, errTruncated
	}
	return int64(u), pos + n, nil
}

// Names returns the section names in the order they were written.
func (a *Archive) Names() []string {
	names := make([]string, 0, len(a.index))
	for _, s := range a.index {
		names = append(names, s.Name)
	}
	return names
}

// Has returns true if the archive contains a section with the given name.
func (a *Archive) Has(name string) bool {
	_, ok := a.lookup(name)
	return ok
}

// SectionSize returns the compressed and uncompressed size of a section.
func (a *Archive) SectionSize(name string) (stored, raw int64, ok bool) {
	s, ok := a.lookup(name)
	if !ok {
		return 0, 0, false
	}
	return s.Length, s.RawLength, true
}

// Section reads, decompresses and verifies a section.
func (a *Archive) Section(name string) ([]byte, error) {
	s, ok := a.lookup(name)
	if !ok {
		return nil, structuralf("missing section %q", name)
	}

	raw := fetchBuffer(int(s.Length))
	if _, err := a.r.ReadAt(raw, s.Offset); err != nil {
		releaseBuffer(raw)
		return nil, err
	}

	plain, err := decompressSection(raw, int(s.RawLength))
	if err != nil {
		releaseBuffer(raw)
		return nil, fmt.Errorf("section %q: %w", name, err)
	}
	if raw[len(raw)-1] != sectionNoCompression {
		releaseBuffer(raw)
	}

	if blake3.Sum256(plain) != s.Sum {
		return nil, fmt.Errorf("section %q: %w", name, errBadChecksum)
	}
	return plain, nil
}

// Validate checks that all required sections are present.
func (a *Archive) Validate() error {
	for _, name := range requiredSections {
		if !a.Has(name) {
			return structuralf("missing section %q", name)
		}
	}
	return nil
}

func (a *Archive) lookup(name string) (sectionInfo, bool) {
	for _, s := range a.index {
		if s.Name == name {
			return s, true
		}
	}
	return sectionInfo{}, false
}

// --------------------------------------------------------------------

var bufPool sync.Pool

func fetchBuffer(sz int) []byte {
	if v := bufPool.Get(); v != nil {
		if p := v.([]byte); sz <= cap(p) {
			return p[:sz]
		}
	}
	return make([]byte, sz)
}

func releaseBuffer(p []byte) {
	if cap(p) != 0 {
		bufPool.Put(p) //nolint:staticcheck
	}
}
