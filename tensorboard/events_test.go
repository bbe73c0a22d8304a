package tensorboard

import (
	"encoding/binary"
	"math"
	"os"
	"strings"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

type scalarEvent struct {
	step        int64
	fileVersion string
	tag         string
	value       float32
}

func readRecords(t *testing.T, data []byte) [][]byte {
	t.Helper()
	var records [][]byte
	for len(data) > 0 {
		if len(data) < 12 {
			t.Fatalf("truncated header: %d bytes", len(data))
		}
		n := binary.LittleEndian.Uint64(data[:8])
		if got := binary.LittleEndian.Uint32(data[8:12]); got != MaskedCRC(data[:8]) {
			t.Fatalf("length crc mismatch")
		}
		data = data[12:]
		if uint64(len(data)) < n+4 {
			t.Fatalf("truncated record")
		}
		payload := data[:n]
		if got := binary.LittleEndian.Uint32(data[n : n+4]); got != MaskedCRC(payload) {
			t.Fatalf("payload crc mismatch")
		}
		records = append(records, payload)
		data = data[n+4:]
	}
	return records
}

func decodeEvent(t *testing.T, b []byte) scalarEvent {
	t.Helper()
	var ev scalarEvent
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			t.Fatalf("bad tag")
		}
		b = b[n:]
		switch {
		case num == eventStep && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			ev.step = int64(v)
			n = m
		case num == eventFileVersion:
			v, m := protowire.ConsumeString(b)
			ev.fileVersion = v
			n = m
		case num == eventSummary:
			s, m := protowire.ConsumeBytes(b)
			_, _, k := protowire.ConsumeTag(s)
			value, _ := protowire.ConsumeBytes(s[k:])
			for len(value) > 0 {
				vn, _, k := protowire.ConsumeTag(value)
				value = value[k:]
				if vn == valueTag {
					tag, k := protowire.ConsumeString(value)
					ev.tag = tag
					value = value[k:]
				} else {
					bits, k := protowire.ConsumeFixed32(value)
					ev.value = math.Float32frombits(bits)
					value = value[k:]
				}
			}
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			t.Fatalf("bad field %d", num)
		}
		b = b[n:]
	}
	return ev
}

func TestMaskedCRC(t *testing.T) {
	// CRC32-C("123456789") is 0xE3069283.
	crc := uint32(0xE3069283)
	want := ((crc >> 15) | (crc << 17)) + 0xa282ead8
	if got := MaskedCRC([]byte("123456789")); got != want {
		t.Errorf("MaskedCRC = %#x, want %#x", got, want)
	}
}

func TestEventWriterScalars(t *testing.T) {
	dir := t.TempDir()
	w, err := NewEventWriter(dir)
	if err != nil {
		t.Fatalf("NewEventWriter: %v", err)
	}
	if !strings.Contains(w.Path(), "events.out.tfevents.") {
		t.Errorf("unexpected file name %s", w.Path())
	}
	if err := w.AddScalar("epoch_loss", 1, 0.25); err != nil {
		t.Fatalf("AddScalar: %v", err)
	}
	if err := w.AddScalar("epoch_accuracy", 2, 0.75); err != nil {
		t.Fatalf("AddScalar: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.AddScalar("late", 3, 1); err == nil {
		t.Error("expected error after Close")
	}

	data, err := os.ReadFile(w.Path())
	if err != nil {
		t.Fatal(err)
	}
	records := readRecords(t, data)
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	if ev := decodeEvent(t, records[0]); ev.fileVersion != FileVersion {
		t.Errorf("first event version %q", ev.fileVersion)
	}
	ev := decodeEvent(t, records[1])
	if ev.tag != "epoch_loss" || ev.step != 1 || ev.value != 0.25 {
		t.Errorf("unexpected event %+v", ev)
	}
	ev = decodeEvent(t, records[2])
	if ev.tag != "epoch_accuracy" || ev.step != 2 || ev.value != 0.75 {
		t.Errorf("unexpected event %+v", ev)
	}
}
