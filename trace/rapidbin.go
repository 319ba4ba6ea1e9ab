package trace

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/AFKoffee/wasmgrind/errors"
)

// RapidBin packs each event into a big-endian i64 laid out MSB to LSB as
// sign(1) | location(15) | decor(34) | operation(4) | tid(10), preceded by an
// 18-byte header: i16 n_threads, i32 n_locks, i32 n_vars, i64 n_events.
const (
	HeaderSize = 18
	EventSize  = 8

	tidBits      = 10
	opBits       = 4
	decorBits    = 34
	locationBits = 15

	maxThreads   = 1 << tidBits
	maxDecor     = 1 << decorBits
	maxLocations = 1 << locationBits
)

// Header is the decoded RapidBin header.
type Header struct {
	NThreads int16
	NLocks   int32
	NVars    int32
	NEvents  int64
}

// RawEvent is one decoded RapidBin body entry, still in interned id space.
type RawEvent struct {
	Location uint32
	Decor    uint64
	Op       OpKind
	Tid      uint32
}

type varKey struct {
	addr uint32
	n    uint32
}

// interner assigns dense ids in first-seen order.
type interner[K comparable] struct {
	ids   map[K]uint64
	order []K
}

func newInterner[K comparable]() *interner[K] {
	return &interner[K]{ids: make(map[K]uint64)}
}

func (in *interner[K]) id(k K) uint64 {
	if id, ok := in.ids[k]; ok {
		return id
	}
	id := uint64(len(in.order))
	in.ids[k] = id
	in.order = append(in.order, k)
	return id
}

// GenerateBinaryTrace serializes the event log into the RapidBin stream and
// its metadata sidecar. funcNames optionally maps function indices to names
// for the sidecar; nil is fine.
//
// Native identifiers are compressed to the format's field widths by
// first-seen interning: (addr, n) pairs to var ids, lock addresses to lock
// ids, (func, instr) pairs to location ids and thread ids to dense thread
// indices. Exceeding any field width fails with TraceTooLarge; no partial
// stream is produced.
func GenerateBinaryTrace(events []Event, funcNames map[uint32]string) ([]byte, *Metadata, error) {
	vars := newInterner[varKey]()
	locks := newInterner[uint32]()
	locations := newInterner[Location]()
	threads := newInterner[uint32]()

	packed := make([]uint64, 0, len(events))
	for _, ev := range events {
		tid := threads.id(ev.Tid)

		var decor uint64
		switch ev.Op.Kind {
		case OpRead, OpWrite:
			decor = vars.id(varKey{addr: ev.Op.Addr, n: ev.Op.N})
		case OpAcquire, OpRequest, OpRelease:
			decor = locks.id(ev.Op.Lock)
		case OpFork, OpJoin:
			decor = threads.id(ev.Op.Child)
		default:
			return nil, nil, errors.InvalidData(errors.PhaseTrace, nil,
				fmt.Sprintf("unknown operation kind %d", ev.Op.Kind))
		}

		loc := locations.id(ev.Loc)

		packed = append(packed,
			loc<<(decorBits+opBits+tidBits)|
				decor<<(opBits+tidBits)|
				uint64(ev.Op.Kind)<<tidBits|
				tid)
	}

	// Field-width checks cover every table; the header thread count is the
	// narrower of the i16 header field and the 10-bit event field.
	if n := uint64(len(threads.order)); n > maxThreads {
		return nil, nil, errors.TraceTooLarge("threads", n, maxThreads)
	}
	if n := uint64(len(vars.order)); n > maxDecor {
		return nil, nil, errors.TraceTooLarge("vars", n, maxDecor)
	}
	if n := uint64(len(locks.order)); n > maxDecor {
		return nil, nil, errors.TraceTooLarge("locks", n, maxDecor)
	}
	if n := uint64(len(locations.order)); n > maxLocations {
		return nil, nil, errors.TraceTooLarge("locations", n, maxLocations)
	}

	var buf bytes.Buffer
	buf.Grow(HeaderSize + len(packed)*EventSize)
	writeBE := func(v any) { binary.Write(&buf, binary.BigEndian, v) } //nolint:errcheck // bytes.Buffer cannot fail

	writeBE(int16(len(threads.order)))
	writeBE(int32(len(locks.order)))
	writeBE(int32(len(vars.order)))
	writeBE(int64(len(packed)))
	for _, p := range packed {
		writeBE(int64(p))
	}

	md := buildMetadata(vars, locks, locations, threads, funcNames)
	return buf.Bytes(), md, nil
}

// DecodeHeader reads the 18-byte RapidBin header.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, errors.InvalidData(errors.PhaseTrace, nil,
			fmt.Sprintf("trace too short for header: %d bytes", len(data)))
	}
	r := bytes.NewReader(data[:HeaderSize])
	var h Header
	binary.Read(r, binary.BigEndian, &h.NThreads) //nolint:errcheck // length checked above
	binary.Read(r, binary.BigEndian, &h.NLocks)   //nolint:errcheck
	binary.Read(r, binary.BigEndian, &h.NVars)    //nolint:errcheck
	binary.Read(r, binary.BigEndian, &h.NEvents)  //nolint:errcheck
	return h, nil
}

// DecodeEvents decodes a full RapidBin stream back into interned-id events.
func DecodeEvents(data []byte) (Header, []RawEvent, error) {
	h, err := DecodeHeader(data)
	if err != nil {
		return Header{}, nil, err
	}
	body := data[HeaderSize:]
	if int64(len(body)) != h.NEvents*EventSize {
		return Header{}, nil, errors.InvalidData(errors.PhaseTrace, nil,
			fmt.Sprintf("body is %d bytes, header says %d events", len(body), h.NEvents))
	}

	events := make([]RawEvent, h.NEvents)
	for i := range events {
		v := binary.BigEndian.Uint64(body[i*EventSize:])
		events[i] = RawEvent{
			Tid:      uint32(v & (maxThreads - 1)),
			Op:       OpKind((v >> tidBits) & ((1 << opBits) - 1)),
			Decor:    (v >> (opBits + tidBits)) & (maxDecor - 1),
			Location: uint32(v >> (decorBits + opBits + tidBits) & (maxLocations - 1)),
		}
	}
	return h, events, nil
}
