package machine

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/golang/snappy"
	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"

	"github.com/Mutzi100/libriscv/mmu"
)

// Serialized state format (spec §6): 16-byte magic, format version, a
// one-byte address width, the register file, counter, max_counter, a page
// count, then that many page records. The payload is snappy-compressed with
// a crc32 check ahead of it, the same shape as the teacher's savestate
// format (magic/version header, compressed body, checksum) with snappy in
// place of gzip.
var magic = [16]byte{'R', 'V', 'S', 'I', 'M', 'S', 'T', 'A', 'T', 'E'}

const formatVersion uint32 = 1

type fileHeader struct {
	Magic   [16]byte
	Version uint32
	Width   uint8
	CRC     uint32
	Length  uint64
}

type regFile struct {
	X    [32]uint64
	PC   uint64
	F    [32]uint64
	FCSR uint32
	FPOn uint8
}

type counters struct {
	Counter    uint64
	MaxCounter uint64
}

type pageHeader struct {
	Pageno uint64
	Attr   uint8
}

const (
	attrRead      = 1 << 0
	attrWrite     = 1 << 1
	attrExec      = 1 << 2
	attrCoW       = 1 << 3
	attrNonOwning = 1 << 4
)

func encodeAttr(a mmu.PageAttributes) uint8 {
	var b uint8
	if a.Read {
		b |= attrRead
	}
	if a.Write {
		b |= attrWrite
	}
	if a.Exec {
		b |= attrExec
	}
	if a.CoW {
		b |= attrCoW
	}
	if a.NonOwning {
		b |= attrNonOwning
	}
	return b
}

func decodeAttr(b uint8) mmu.PageAttributes {
	return mmu.PageAttributes{
		Read:      b&attrRead != 0,
		Write:     b&attrWrite != 0,
		Exec:      b&attrExec != 0,
		CoW:       b&attrCoW != 0,
		NonOwning: b&attrNonOwning != 0,
	}
}

// Serialize produces a self-describing byte sequence for this Machine's
// single CPU and Memory (spec §4.2). Non-owning pages are recorded by
// attribute only, not content — the embedder must re-establish their
// backing after Deserialize, mirroring the spec's "referenced by identity,
// not content" rule for sentinel and non-owning pages (spec §4.5).
func (m *Machine) Serialize() ([]byte, error) {
	order := binary.LittleEndian
	var body bytes.Buffer

	rf := regFile{X: m.CPU.Regs.X, PC: m.CPU.Regs.PC, F: m.CPU.Regs.F, FCSR: m.CPU.Regs.FCSR}
	if m.CPU.Regs.FPOn {
		rf.FPOn = 1
	}
	if err := struc.PackWithOrder(&body, &rf, order); err != nil {
		return nil, errors.Wrap(err, "serialize: register file")
	}
	cnt := counters{Counter: m.CPU.Counter, MaxCounter: m.CPU.MaxCounter}
	if err := struc.PackWithOrder(&body, &cnt, order); err != nil {
		return nil, errors.Wrap(err, "serialize: counters")
	}

	var pageBuf bytes.Buffer
	var count uint64
	var packErr error
	m.Memory.RangePages(func(pageno uint64, p *mmu.Page) {
		if packErr != nil {
			return
		}
		hdr := pageHeader{Pageno: pageno, Attr: encodeAttr(p.Attr)}
		if err := struc.PackWithOrder(&pageBuf, &hdr, order); err != nil {
			packErr = err
			return
		}
		if embedsData(p) {
			pageBuf.Write(p.Bytes())
		}
		count++
	})
	if packErr != nil {
		return nil, errors.Wrap(packErr, "serialize: page records")
	}
	if err := struc.PackWithOrder(&body, &struct{ Count uint64 }{count}, order); err != nil {
		return nil, errors.Wrap(err, "serialize: page count")
	}
	body.Write(pageBuf.Bytes())

	compressed := snappy.Encode(nil, body.Bytes())
	hdr := fileHeader{
		Magic:   magic,
		Version: formatVersion,
		Width:   uint8(m.Memory.Width()),
		CRC:     crc32.ChecksumIEEE(compressed),
		Length:  uint64(len(compressed)),
	}
	var final bytes.Buffer
	if err := struc.PackWithOrder(&final, &hdr, order); err != nil {
		return nil, errors.Wrap(err, "serialize: file header")
	}
	final.Write(compressed)
	return final.Bytes(), nil
}

// embedsData reports whether a page's content should be written: owned,
// materialized (not CoW), real backing. CoW and non-owning pages are
// reconstructed from attributes alone on deserialize.
func embedsData(p *mmu.Page) bool {
	return p.HasData() && !p.Attr.CoW && !p.Attr.NonOwning
}

// Deserialize restores a Machine from Serialize's output, constructed with
// cfg (which must describe a compatible width; a zero Width accepts
// whatever the blob recorded). Versions mismatching formatVersion are
// rejected (spec §6).
func Deserialize(data []byte, cfg Config) (*Machine, error) {
	order := binary.LittleEndian
	r := bytes.NewReader(data)
	var hdr fileHeader
	if err := struc.UnpackWithOrder(r, &hdr, order); err != nil {
		return nil, errors.Wrap(err, "deserialize: file header")
	}
	if hdr.Magic != magic {
		return nil, errors.New("deserialize: bad magic")
	}
	if hdr.Version != formatVersion {
		return nil, errors.Errorf("deserialize: version %d unsupported (want %d)", hdr.Version, formatVersion)
	}
	if cfg.Width != 0 && uint8(cfg.Width) != hdr.Width {
		return nil, errors.Errorf("deserialize: width %d incompatible with saved width %d", cfg.Width, hdr.Width)
	}
	if cfg.Width == 0 {
		cfg.Width = uint(hdr.Width)
	}

	compressed := make([]byte, hdr.Length)
	if _, err := r.Read(compressed); err != nil {
		return nil, errors.Wrap(err, "deserialize: reading compressed body")
	}
	if crc32.ChecksumIEEE(compressed) != hdr.CRC {
		return nil, errors.New("deserialize: crc32 mismatch")
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, errors.Wrap(err, "deserialize: snappy decode")
	}

	body := bytes.NewReader(raw)
	var rf regFile
	if err := struc.UnpackWithOrder(body, &rf, order); err != nil {
		return nil, errors.Wrap(err, "deserialize: register file")
	}
	var cnt counters
	if err := struc.UnpackWithOrder(body, &cnt, order); err != nil {
		return nil, errors.Wrap(err, "deserialize: counters")
	}
	var countRec struct{ Count uint64 }
	if err := struc.UnpackWithOrder(body, &countRec, order); err != nil {
		return nil, errors.Wrap(err, "deserialize: page count")
	}

	m := New(cfg)
	m.CPU.Regs.X = rf.X
	m.CPU.Regs.PC = rf.PC
	m.CPU.Regs.F = rf.F
	m.CPU.Regs.FCSR = rf.FCSR
	m.CPU.Regs.FPOn = rf.FPOn != 0
	m.CPU.Counter = cnt.Counter
	m.CPU.MaxCounter = cnt.MaxCounter

	for i := uint64(0); i < countRec.Count; i++ {
		var ph pageHeader
		if err := struc.UnpackWithOrder(body, &ph, order); err != nil {
			return nil, errors.Wrapf(err, "deserialize: page record %d", i)
		}
		attr := decodeAttr(ph.Attr)
		var page *mmu.Page
		switch {
		case attr.CoW:
			page = mmu.NewCoWPage(attr)
		case attr.NonOwning:
			// backing must be re-established by the embedder; install a
			// placeholder with the saved attributes and no data.
			page = &mmu.Page{Attr: attr}
		default:
			buf := make([]byte, mmu.PageSize)
			if _, err := body.Read(buf); err != nil {
				return nil, errors.Wrapf(err, "deserialize: page %d data", i)
			}
			page, err = mmu.NewPage(attr, buf)
			if err != nil {
				return nil, errors.Wrapf(err, "deserialize: page %d alloc", i)
			}
		}
		m.Memory.SetPage(ph.Pageno, page)
	}
	return m, nil
}
