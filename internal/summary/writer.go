// Package summary writes scalar series as TensorBoard event files.
//
// Each file is a sequence of TFRecords (little-endian length, masked CRC32C
// of the length, payload, masked CRC32C of the payload) whose payloads are
// serialized tensorflow.Event messages.
package summary

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

const fileVersion = "brain.Event:2"

// tensorflow.Event / Summary / Summary.Value field numbers.
const (
	eventWallTime    protowire.Number = 1
	eventStep        protowire.Number = 2
	eventFileVersion protowire.Number = 3
	eventSummary     protowire.Number = 5
	summaryValue     protowire.Number = 1
	valueTag         protowire.Number = 1
	valueSimple      protowire.Number = 2
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func maskedCRC(b []byte) uint32 {
	c := crc32.Checksum(b, castagnoli)
	return ((c >> 15) | (c << 17)) + 0xa282ead8
}

// Writer appends events to one events.out.tfevents file.
type Writer struct {
	path string
	f    *os.File
	buf  *bufio.Writer
	now  func() time.Time
}

// NewWriter creates a new event file under dir. The name carries the
// creation time, host and pid; a numeric suffix is added if that file
// already exists.
func NewWriter(dir string) (*Writer, error) {
	return newWriter(dir, time.Now)
}

func newWriter(dir string, now func() time.Time) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "summary: create log dir")
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	base := fmt.Sprintf("events.out.tfevents.%d.%s.%d", now().Unix(), host, os.Getpid())
	var (
		f    *os.File
		path string
	)
	for i := 0; ; i++ {
		name := base
		if i > 0 {
			name = fmt.Sprintf("%s.%d", base, i)
		}
		path = filepath.Join(dir, name)
		f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return nil, errors.Wrap(err, "summary: open event file")
		}
	}
	w := &Writer{path: path, f: f, buf: bufio.NewWriter(f), now: now}

	var ev []byte
	ev = appendWallTime(ev, w.now())
	ev = protowire.AppendTag(ev, eventFileVersion, protowire.BytesType)
	ev = protowire.AppendString(ev, fileVersion)
	if err := w.writeRecord(ev); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// Path is the event file being written.
func (w *Writer) Path() string { return w.path }

func appendWallTime(b []byte, t time.Time) []byte {
	b = protowire.AppendTag(b, eventWallTime, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(float64(t.UnixNano())/1e9))
}

// Scalar records value under tag at step.
func (w *Writer) Scalar(tag string, value float64, step int64) error {
	var val []byte
	val = protowire.AppendTag(val, valueTag, protowire.BytesType)
	val = protowire.AppendString(val, tag)
	val = protowire.AppendTag(val, valueSimple, protowire.Fixed32Type)
	val = protowire.AppendFixed32(val, math.Float32bits(float32(value)))

	var sum []byte
	sum = protowire.AppendTag(sum, summaryValue, protowire.BytesType)
	sum = protowire.AppendBytes(sum, val)

	var ev []byte
	ev = appendWallTime(ev, w.now())
	ev = protowire.AppendTag(ev, eventStep, protowire.VarintType)
	ev = protowire.AppendVarint(ev, uint64(step))
	ev = protowire.AppendTag(ev, eventSummary, protowire.BytesType)
	ev = protowire.AppendBytes(ev, sum)
	return w.writeRecord(ev)
}

func (w *Writer) writeRecord(data []byte) error {
	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(len(data)))
	binary.LittleEndian.PutUint32(header[8:], maskedCRC(header[:8]))
	var footer [4]byte
	binary.LittleEndian.PutUint32(footer[:], maskedCRC(data))
	for _, chunk := range [][]byte{header[:], data, footer[:]} {
		if _, err := w.buf.Write(chunk); err != nil {
			return errors.Wrap(err, "summary: write record")
		}
	}
	return nil
}

// Flush pushes buffered events to disk.
func (w *Writer) Flush() error {
	return errors.Wrap(w.buf.Flush(), "summary: flush")
}

func (w *Writer) Close() error {
	if err := w.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return errors.Wrap(w.f.Close(), "summary: close")
}

// ScalarEvent is one decoded scalar point.
type ScalarEvent struct {
	Tag      string
	Step     int64
	Value    float32
	WallTime float64
}

// ReadScalars decodes every scalar in an event file, verifying checksums.
func ReadScalars(path string) ([]ScalarEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "summary: open")
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var out []ScalarEvent
	for {
		var header [12]byte
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return nil, errors.Wrap(err, "summary: read header")
		}
		if binary.LittleEndian.Uint32(header[8:]) != maskedCRC(header[:8]) {
			return nil, errors.New("summary: corrupt record length")
		}
		data := make([]byte, binary.LittleEndian.Uint64(header[:8]))
		var footer [4]byte
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, errors.Wrap(err, "summary: read record")
		}
		if _, err := io.ReadFull(r, footer[:]); err != nil {
			return nil, errors.Wrap(err, "summary: read footer")
		}
		if binary.LittleEndian.Uint32(footer[:]) != maskedCRC(data) {
			return nil, errors.New("summary: corrupt record payload")
		}
		events, err := decodeEvent(data)
		if err != nil {
			return nil, err
		}
		out = append(out, events...)
	}
}

func decodeEvent(b []byte) ([]ScalarEvent, error) {
	var (
		wall   float64
		step   int64
		values [][]byte
	)
	err := walk(b, func(num protowire.Number, typ protowire.Type, raw []byte, scalar uint64) {
		switch {
		case num == eventWallTime && typ == protowire.Fixed64Type:
			wall = math.Float64frombits(scalar)
		case num == eventStep && typ == protowire.VarintType:
			step = int64(scalar)
		case num == eventSummary && typ == protowire.BytesType:
			values = append(values, raw)
		}
	})
	if err != nil {
		return nil, err
	}
	var out []ScalarEvent
	var valueErr error
	for _, sum := range values {
		err := walk(sum, func(num protowire.Number, typ protowire.Type, raw []byte, _ uint64) {
			if num != summaryValue || typ != protowire.BytesType {
				return
			}
			ev := ScalarEvent{Step: step, WallTime: wall}
			if err := walk(raw, func(num protowire.Number, typ protowire.Type, raw []byte, scalar uint64) {
				switch {
				case num == valueTag && typ == protowire.BytesType:
					ev.Tag = string(raw)
				case num == valueSimple && typ == protowire.Fixed32Type:
					ev.Value = math.Float32frombits(uint32(scalar))
				}
			}); err != nil {
				valueErr = err
				return
			}
			out = append(out, ev)
		})
		if err == nil {
			err = valueErr
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// walk visits each top-level field of a message. Length-delimited fields
// arrive in raw, numeric ones in scalar.
func walk(b []byte, visit func(protowire.Number, protowire.Type, []byte, uint64)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "summary: tag")
		}
		b = b[n:]
		var (
			raw    []byte
			scalar uint64
		)
		switch typ {
		case protowire.VarintType:
			scalar, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			scalar, n = protowire.ConsumeFixed64(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			scalar = uint64(v)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "summary: field")
		}
		visit(num, typ, raw, scalar)
		b = b[n:]
	}
	return nil
}
