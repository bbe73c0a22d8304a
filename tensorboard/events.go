// Package tensorboard writes scalar summaries in the TensorBoard event file
// format: TFRecord-framed Event protos.
package tensorboard

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// FileVersion is the marker written as the first event of every file.
const FileVersion = "brain.Event:2"

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// MaskedCRC returns the masked CRC32-C used by TFRecord framing.
func MaskedCRC(data []byte) uint32 {
	crc := crc32.Checksum(data, castagnoli)
	return ((crc >> 15) | (crc << 17)) + 0xa282ead8
}

// Event fields (tensorflow/core/util/event.proto).
const (
	eventWallTime    protowire.Number = 1
	eventStep        protowire.Number = 2
	eventFileVersion protowire.Number = 3
	eventSummary     protowire.Number = 5

	summaryValue protowire.Number = 1

	valueTag         protowire.Number = 1
	valueSimpleValue protowire.Number = 2
)

func encodeEvent(wallTime float64, step int64, fileVersion string, summary []byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, eventWallTime, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(wallTime))
	if step != 0 {
		b = protowire.AppendTag(b, eventStep, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(step))
	}
	if fileVersion != "" {
		b = protowire.AppendTag(b, eventFileVersion, protowire.BytesType)
		b = protowire.AppendString(b, fileVersion)
	}
	if summary != nil {
		b = protowire.AppendTag(b, eventSummary, protowire.BytesType)
		b = protowire.AppendBytes(b, summary)
	}
	return b
}

func encodeScalarSummary(tag string, value float32) []byte {
	var v []byte
	v = protowire.AppendTag(v, valueTag, protowire.BytesType)
	v = protowire.AppendString(v, tag)
	v = protowire.AppendTag(v, valueSimpleValue, protowire.Fixed32Type)
	v = protowire.AppendFixed32(v, math.Float32bits(value))

	var s []byte
	s = protowire.AppendTag(s, summaryValue, protowire.BytesType)
	s = protowire.AppendBytes(s, v)
	return s
}

// frame wraps data as one TFRecord: length, masked length CRC, payload,
// masked payload CRC. All integers are little endian.
func frame(data []byte) []byte {
	out := make([]byte, 12, 12+len(data)+4)
	binary.LittleEndian.PutUint64(out[:8], uint64(len(data)))
	binary.LittleEndian.PutUint32(out[8:12], MaskedCRC(out[:8]))
	out = append(out, data...)
	return binary.LittleEndian.AppendUint32(out, MaskedCRC(data))
}

// EventWriter appends events to a single file. It is safe for concurrent
// use.
type EventWriter struct {
	path string
	file *os.File
	buf  *bufio.Writer
	now  func() time.Time
	mu   sync.Mutex
}

// NewEventWriter creates logDir if needed and opens
// events.out.tfevents.<unix>.<host> inside it.
func NewEventWriter(logDir string) (*EventWriter, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create log directory %s", logDir)
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	now := time.Now()
	path := filepath.Join(logDir, fmt.Sprintf("events.out.tfevents.%d.%s", now.Unix(), host))
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create event file")
	}

	w := &EventWriter{path: path, file: f, buf: bufio.NewWriter(f), now: time.Now}
	if err := w.write(encodeEvent(wallSeconds(now), 0, FileVersion, nil)); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// Path returns the event file location.
func (w *EventWriter) Path() string {
	return w.path
}

func wallSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func (w *EventWriter) write(event []byte) error {
	if w.buf == nil {
		return errors.New("event writer is closed")
	}
	_, err := w.buf.Write(frame(event))
	return errors.Wrap(err, "failed to write event")
}

// AddScalar records value under tag at step.
func (w *EventWriter) AddScalar(tag string, step int64, value float32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.write(encodeEvent(wallSeconds(w.now()), step, "", encodeScalarSummary(tag, value)))
}

// Flush writes buffered events to disk.
func (w *EventWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf == nil {
		return nil
	}
	return errors.Wrap(w.buf.Flush(), "failed to flush events")
}

// Close flushes and closes the file. Further writes fail.
func (w *EventWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf == nil {
		return nil
	}
	err := w.buf.Flush()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	w.buf = nil
	return errors.Wrap(err, "failed to close event file")
}
