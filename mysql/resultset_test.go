package mysql

import (
	"testing"
)

func TestLenencInt_RoundTrip(t *testing.T) {
	cases := []uint64{0, 250, 251, 65535, 65536, 16777215, 16777216, 1 << 40}
	for _, n := range cases {
		buf := appendLenencInt(nil, n)
		got, size, isNull := readLenencInt(buf)
		if isNull {
			t.Fatalf("readLenencInt(%d) reported NULL", n)
		}
		if size != len(buf) {
			t.Fatalf("readLenencInt(%d) size = %d, want %d", n, size, len(buf))
		}
		if got != n {
			t.Fatalf("readLenencInt round trip = %d, want %d", got, n)
		}
	}
}

func TestLenencInt_NullMarker(t *testing.T) {
	_, size, isNull := readLenencInt([]byte{0xfb})
	if !isNull {
		t.Fatal("readLenencInt(0xfb) isNull = false, want true")
	}
	if size != 1 {
		t.Fatalf("readLenencInt(0xfb) size = %d, want 1", size)
	}
}

func TestLenencString_RoundTrip(t *testing.T) {
	buf := appendLenencString(nil, []byte("hello world"))
	buf = append(buf, "trailer"...)

	got, rest, ok := readLenencString(buf)
	if !ok {
		t.Fatal("readLenencString() ok = false")
	}
	if string(got) != "hello world" {
		t.Fatalf("readLenencString() = %q, want %q", got, "hello world")
	}
	if string(rest) != "trailer" {
		t.Fatalf("readLenencString() rest = %q, want %q", rest, "trailer")
	}
}

func TestLenencString_NullValue(t *testing.T) {
	buf := append([]byte{0xfb}, "trailer"...)
	got, rest, ok := readLenencString(buf)
	if !ok {
		t.Fatal("readLenencString() ok = false for NULL marker")
	}
	if got != nil {
		t.Fatalf("readLenencString() = %v, want nil for NULL", got)
	}
	if string(rest) != "trailer" {
		t.Fatalf("readLenencString() rest = %q, want %q", rest, "trailer")
	}
}

func TestParseOKPacket(t *testing.T) {
	pkt := append([]byte{0x00}, appendLenencInt(nil, 3)...)
	pkt = append(pkt, appendLenencInt(nil, 7)...)
	pkt = append(pkt, 0x02, 0x00) // status flags
	pkt = append(pkt, 0x00, 0x00) // warnings
	pkt = append(pkt, "all good"...)

	got, err := parseOKPacket(pkt)
	if err != nil {
		t.Fatalf("parseOKPacket() error = %v", err)
	}
	if got.AffectedRows != 3 || got.LastInsertID != 7 {
		t.Fatalf("parseOKPacket() = %+v, want AffectedRows=3 LastInsertID=7", got)
	}
	if got.Status != 2 {
		t.Fatalf("parseOKPacket().Status = %d, want 2", got.Status)
	}
	if got.Info != "all good" {
		t.Fatalf("parseOKPacket().Info = %q, want %q", got.Info, "all good")
	}
}

func TestParseOKPacket_ShortPacketDoesNotError(t *testing.T) {
	pkt := append([]byte{0x00}, appendLenencInt(nil, 1)...)
	pkt = append(pkt, appendLenencInt(nil, 0)...)

	got, err := parseOKPacket(pkt)
	if err != nil {
		t.Fatalf("parseOKPacket() error = %v", err)
	}
	if got.AffectedRows != 1 {
		t.Fatalf("parseOKPacket().AffectedRows = %d, want 1", got.AffectedRows)
	}
}

func TestParseErrPacket(t *testing.T) {
	pkt := []byte{0xff}
	pkt = append(pkt, 0x6b, 0x04) // code 1131 little-endian
	pkt = append(pkt, "#28000"...)
	pkt = append(pkt, "Access denied"...)

	err := parseErrPacket(pkt)
	if err == nil {
		t.Fatal("parseErrPacket() returned nil")
	}
	if got := err.Error(); got == "" {
		t.Fatal("parseErrPacket() error message is empty")
	}
}

func TestParseErrPacket_TooShortIsProtocolError(t *testing.T) {
	err := parseErrPacket([]byte{0xff, 0x01})
	if err == nil {
		t.Fatal("parseErrPacket() error = nil, want a protocol error")
	}
}

// buildColumnDefinition41 constructs a minimal Protocol::ColumnDefinition41
// payload for parser tests: catalog/schema/table/org_table/name/org_name as
// length-encoded strings, then the fixed-length field block.
func buildColumnDefinition41(name string, fieldType byte) []byte {
	var pkt []byte
	pkt = appendLenencString(pkt, []byte("def"))  // catalog
	pkt = appendLenencString(pkt, []byte("db"))   // schema
	pkt = appendLenencString(pkt, []byte("tbl"))  // table
	pkt = appendLenencString(pkt, []byte("tbl"))  // org_table
	pkt = appendLenencString(pkt, []byte(name))   // name
	pkt = appendLenencString(pkt, []byte(name))   // org_name
	pkt = appendLenencInt(pkt, 0x0c)               // length of fixed fields
	pkt = append(pkt, 0x21, 0x00)                  // charset (utf8mb4_general_ci)
	pkt = append(pkt, 0x00, 0x00, 0x00, 0x00)      // column length
	pkt = append(pkt, fieldType)                   // type
	pkt = append(pkt, 0x00, 0x00)                  // flags
	pkt = append(pkt, 0x00)                        // decimals
	pkt = append(pkt, 0x00, 0x00)                  // filler
	return pkt
}

func TestParseColumnDefinition41(t *testing.T) {
	pkt := buildColumnDefinition41("id", fieldTypeLong)
	col, err := parseColumnDefinition41(pkt)
	if err != nil {
		t.Fatalf("parseColumnDefinition41() error = %v", err)
	}
	if col.Name != "id" || col.Table != "tbl" {
		t.Fatalf("parseColumnDefinition41() = %+v, want Name=id Table=tbl", col)
	}
	if col.Type != fieldTypeLong {
		t.Fatalf("parseColumnDefinition41().Type = %d, want %d", col.Type, fieldTypeLong)
	}
	if col.Charset != 0x21 {
		t.Fatalf("parseColumnDefinition41().Charset = %d, want 0x21", col.Charset)
	}
}

func TestDecodeTextRow(t *testing.T) {
	var pkt []byte
	pkt = appendLenencString(pkt, []byte("42"))
	pkt = append(pkt, 0xfb) // NULL column
	pkt = appendLenencString(pkt, []byte("text"))

	values, err := decodeTextRow(pkt, 3)
	if err != nil {
		t.Fatalf("decodeTextRow() error = %v", err)
	}
	if len(values) != 3 {
		t.Fatalf("len(values) = %d, want 3", len(values))
	}
	if values[0] != "42" || values[1] != nil || values[2] != "text" {
		t.Fatalf("decodeTextRow() = %v, want [42 <nil> text]", values)
	}
}
