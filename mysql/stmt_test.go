package mysql

import (
	"testing"
	"time"
)

// TestEncodeBinaryValue_RoundTrip covers every Go type encodeBinaryValue
// accepts, checking the decoded value matches what was encoded.
func TestEncodeBinaryValue_RoundTrip(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want any
	}{
		{"int64", int64(-42), int64(-42)},
		{"int", int(7), int64(7)},
		{"int32", int32(-7), int64(-7)},
		{"float64", 3.5, 3.5},
		{"float32", float32(1.5), float64(1.5)},
		{"bool true", true, int64(1)},
		{"bool false", false, int64(0)},
		{"string", "hello", "hello"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			typ, _, encoded, err := encodeBinaryValue(c.in)
			if err != nil {
				t.Fatalf("encodeBinaryValue(%v) error = %v", c.in, err)
			}

			got, consumed, err := decodeBinaryValue(typ, encoded)
			if err != nil {
				t.Fatalf("decodeBinaryValue() error = %v", err)
			}
			if consumed != len(encoded) {
				t.Fatalf("decodeBinaryValue() consumed = %d, want %d", consumed, len(encoded))
			}
			if got != c.want {
				t.Fatalf("round trip = %v (%T), want %v (%T)", got, got, c.want, c.want)
			}
		})
	}
}

func TestEncodeBinaryValue_Uint64MarkedUnsigned(t *testing.T) {
	typ, unsigned, encoded, err := encodeBinaryValue(uint64(1) << 63)
	if err != nil {
		t.Fatalf("encodeBinaryValue() error = %v", err)
	}
	if typ != fieldTypeLongLong || !unsigned {
		t.Fatalf("typ/unsigned = %d/%v, want fieldTypeLongLong/true", typ, unsigned)
	}
	if len(encoded) != 8 {
		t.Fatalf("encoded length = %d, want 8", len(encoded))
	}
}

func TestEncodeBinaryValue_UnsupportedTypeErrors(t *testing.T) {
	_, _, _, err := encodeBinaryValue(struct{}{})
	if err == nil {
		t.Fatal("encodeBinaryValue(struct{}{}) error = nil, want an error")
	}
}

func TestEncodeDecodeBinaryDateTime_RoundTrip(t *testing.T) {
	want := time.Date(2026, time.July, 31, 12, 34, 56, 0, time.UTC)
	encoded := encodeBinaryDateTime(want)

	got, consumed, err := decodeBinaryDateTime(encoded)
	if err != nil {
		t.Fatalf("decodeBinaryDateTime() error = %v", err)
	}
	if consumed != len(encoded) {
		t.Fatalf("consumed = %d, want %d", consumed, len(encoded))
	}
	gotTime, ok := got.(time.Time)
	if !ok || !gotTime.Equal(want) {
		t.Fatalf("decodeBinaryDateTime() = %v, want %v", got, want)
	}
}

func TestEncodeBinaryDateTime_ZeroValueIsLengthZero(t *testing.T) {
	encoded := encodeBinaryDateTime(time.Time{})
	if len(encoded) != 1 || encoded[0] != 0 {
		t.Fatalf("encodeBinaryDateTime(zero) = %v, want [0]", encoded)
	}
}

// TestBuildExecutePacket_HeaderLayout checks the fixed COM_STMT_EXECUTE
// header: command byte, statement id, CURSOR_TYPE_NO_CURSOR, iteration
// count of 1, matching Protocol::COM_STMT_EXECUTE.
func TestBuildExecutePacket_HeaderLayout(t *testing.T) {
	buf, err := buildExecutePacket(0x01020304, nil)
	if err != nil {
		t.Fatalf("buildExecutePacket() error = %v", err)
	}
	if len(buf) != 10 {
		t.Fatalf("len(buf) = %d, want 10 (no params)", len(buf))
	}
	if buf[0] != comStmtExecute {
		t.Fatalf("buf[0] = %#x, want comStmtExecute", buf[0])
	}
	if buf[1] != 0x04 || buf[2] != 0x03 || buf[3] != 0x02 || buf[4] != 0x01 {
		t.Fatalf("statement id bytes = % x, want little-endian 0x01020304", buf[1:5])
	}
	if buf[5] != 0 {
		t.Fatalf("cursor type = %d, want 0 (CURSOR_TYPE_NO_CURSOR)", buf[5])
	}
	if buf[6] != 1 || buf[7] != 0 || buf[8] != 0 || buf[9] != 0 {
		t.Fatalf("iteration count bytes = % x, want little-endian 1", buf[6:10])
	}
}

// TestBuildExecutePacket_NullBitmapAndTypes checks that a nil argument sets
// its null-bitmap bit and contributes no type/value bytes, while a non-nil
// argument contributes both.
func TestBuildExecutePacket_NullBitmapAndTypes(t *testing.T) {
	buf, err := buildExecutePacket(1, []any{nil, int64(5)})
	if err != nil {
		t.Fatalf("buildExecutePacket() error = %v", err)
	}

	pos := 10
	nullBitmapLen := (2 + 7) / 8
	nullBitmap := buf[pos : pos+nullBitmapLen]
	pos += nullBitmapLen
	if nullBitmap[0]&(1<<0) == 0 {
		t.Fatal("null bitmap bit for nil argument not set")
	}
	if nullBitmap[0]&(1<<1) != 0 {
		t.Fatal("null bitmap bit for non-nil argument unexpectedly set")
	}

	if buf[pos] != 1 {
		t.Fatalf("new_params_bind_flag = %d, want 1", buf[pos])
	}
	pos++

	// Two parameter type slots (2 bytes each), one per argument including
	// the nil one (its type bytes are present but unused by the server).
	typesStart := pos
	pos += 2 * 2
	if buf[typesStart+2] != fieldTypeLongLong {
		t.Fatalf("second param type = %#x, want fieldTypeLongLong", buf[typesStart+2])
	}

	// Remaining bytes are the encoded int64(5) value, 8 bytes.
	if len(buf)-pos != 8 {
		t.Fatalf("trailing value bytes = %d, want 8", len(buf)-pos)
	}
}

func TestBuildExecutePacket_ArgCountMismatchIsCallerChecked(t *testing.T) {
	// buildExecutePacket itself does not validate arg count against the
	// statement's paramCount; that check lives in Stmt.Execute. Encoding an
	// unsupported type is what buildExecutePacket itself must reject.
	_, err := buildExecutePacket(1, []any{struct{}{}})
	if err == nil {
		t.Fatal("buildExecutePacket() error = nil, want an error for unsupported type")
	}
}
