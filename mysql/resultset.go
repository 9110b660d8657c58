package mysql

import (
	"encoding/binary"
	"fmt"

	"github.com/joeycumines/go-asyncrt/eventloop"
)

// Column describes one column of a result set (Protocol::ColumnDefinition41).
type Column struct {
	Name    string
	Table   string
	Charset uint16
	Type    byte
	Flags   uint16
	Decimal byte
}

// OKResult is the settled value of a command that does not return a result
// set (INSERT/UPDATE/DELETE/DDL), mirroring database/sql's driver.Result.
type OKResult struct {
	AffectedRows uint64
	LastInsertID uint64
	Warnings     uint16
	Status       uint16
	Info         string
}

// Rows is the settled value of a query that returns a result set. Row
// values are decoded into Go types best-effort from the wire encoding
// (text protocol for Conn.Query, binary protocol for Stmt.Execute); NULL
// values are represented as a nil entry.
type Rows struct {
	Columns []Column
	Rows    [][]any
}

// readLenencInt decodes a length-encoded integer starting at pkt[0],
// returning the value, the number of bytes consumed, and whether the
// encoding denotes SQL NULL (0xfb, text protocol only).
func readLenencInt(pkt []byte) (value uint64, size int, isNull bool) {
	if len(pkt) == 0 {
		return 0, 0, false
	}
	switch first := pkt[0]; {
	case first < 0xfb:
		return uint64(first), 1, false
	case first == 0xfb:
		return 0, 1, true
	case first == 0xfc:
		if len(pkt) < 3 {
			return 0, len(pkt), false
		}
		return uint64(binary.LittleEndian.Uint16(pkt[1:3])), 3, false
	case first == 0xfd:
		if len(pkt) < 4 {
			return 0, len(pkt), false
		}
		return uint64(pkt[1]) | uint64(pkt[2])<<8 | uint64(pkt[3])<<16, 4, false
	case first == 0xfe:
		if len(pkt) < 9 {
			return 0, len(pkt), false
		}
		return binary.LittleEndian.Uint64(pkt[1:9]), 9, false
	default:
		return 0, 1, false
	}
}

func readLenencString(pkt []byte) (value []byte, rest []byte, ok bool) {
	n, size, isNull := readLenencInt(pkt)
	if isNull {
		return nil, pkt[size:], true
	}
	if size+int(n) > len(pkt) {
		return nil, nil, false
	}
	return pkt[size : size+int(n)], pkt[size+int(n):], true
}

func appendLenencInt(buf []byte, n uint64) []byte {
	switch {
	case n < 0xfb:
		return append(buf, byte(n))
	case n <= 0xffff:
		return append(buf, 0xfc, byte(n), byte(n>>8))
	case n <= 0xffffff:
		return append(buf, 0xfd, byte(n), byte(n>>8), byte(n>>16))
	default:
		return append(buf, 0xfe, byte(n), byte(n>>8), byte(n>>16), byte(n>>24),
			byte(n>>32), byte(n>>40), byte(n>>48), byte(n>>56))
	}
}

func appendLenencString(buf []byte, s []byte) []byte {
	buf = appendLenencInt(buf, uint64(len(s)))
	return append(buf, s...)
}

// parseErrPacket decodes an ERR_Packet (first byte 0xff): error code(2) +
// '#'(1) + sqlstate(5) + message, matching the layout the retrieval pack's
// MySQL pool client assumes.
func parseErrPacket(pkt []byte) error {
	if len(pkt) < 9 {
		return &eventloop.ProtocolError{Message: "malformed ERR packet"}
	}
	code := binary.LittleEndian.Uint16(pkt[1:3])
	sqlState := string(pkt[3:9])
	message := string(pkt[9:])
	return &eventloop.ProtocolError{Message: fmt.Sprintf("mysql error %d (%s): %s", code, sqlState, message)}
}

// parseOKPacket decodes an OK_Packet (first byte 0x00 or, for EOF-capacity
// checks, 0xfe with a long enough payload).
func parseOKPacket(pkt []byte) (*OKResult, error) {
	if len(pkt) < 1 {
		return nil, &eventloop.ProtocolError{Message: "empty OK packet"}
	}
	pos := 1
	affected, n, _ := readLenencInt(pkt[pos:])
	pos += n
	lastID, n, _ := readLenencInt(pkt[pos:])
	pos += n
	if pos+4 > len(pkt) {
		return &OKResult{AffectedRows: affected, LastInsertID: lastID}, nil
	}
	status := binary.LittleEndian.Uint16(pkt[pos : pos+2])
	warnings := binary.LittleEndian.Uint16(pkt[pos+2 : pos+4])
	pos += 4
	info := ""
	if pos < len(pkt) {
		info = string(pkt[pos:])
	}
	return &OKResult{
		AffectedRows: affected,
		LastInsertID: lastID,
		Status:       status,
		Warnings:     warnings,
		Info:         info,
	}, nil
}

// parseColumnDefinition41 decodes Protocol::ColumnDefinition41.
func parseColumnDefinition41(pkt []byte) (Column, error) {
	rest := pkt
	var ok bool
	// catalog
	if _, rest, ok = readLenencString(rest); !ok {
		return Column{}, &eventloop.ProtocolError{Message: "malformed column definition (catalog)"}
	}
	var schema, table, orgTable, name, orgName []byte
	if schema, rest, ok = readLenencString(rest); !ok {
		return Column{}, &eventloop.ProtocolError{Message: "malformed column definition (schema)"}
	}
	_ = schema
	if table, rest, ok = readLenencString(rest); !ok {
		return Column{}, &eventloop.ProtocolError{Message: "malformed column definition (table)"}
	}
	if orgTable, rest, ok = readLenencString(rest); !ok {
		return Column{}, &eventloop.ProtocolError{Message: "malformed column definition (org_table)"}
	}
	_ = orgTable
	if name, rest, ok = readLenencString(rest); !ok {
		return Column{}, &eventloop.ProtocolError{Message: "malformed column definition (name)"}
	}
	if orgName, rest, ok = readLenencString(rest); !ok {
		return Column{}, &eventloop.ProtocolError{Message: "malformed column definition (org_name)"}
	}
	_ = orgName

	// length of fixed-length fields, always 0x0c
	_, size, _ := readLenencInt(rest)
	rest = rest[size:]
	if len(rest) < 10 {
		return Column{}, &eventloop.ProtocolError{Message: "malformed column definition (fixed fields)"}
	}
	charset := binary.LittleEndian.Uint16(rest[0:2])
	// rest[2:6] is column_length.
	fieldType := rest[6]
	flags := binary.LittleEndian.Uint16(rest[7:9])
	decimal := rest[9]

	return Column{
		Name:    string(name),
		Table:   string(table),
		Charset: charset,
		Type:    fieldType,
		Flags:   flags,
		Decimal: decimal,
	}, nil
}

// readResultSet reads a full text-protocol result set, starting from the
// first column-count packet after the command packet has already been
// sent. capDeprecateEOF indicates the connection negotiated
// CLIENT_DEPRECATE_EOF (EOF_Packets after column defs/rows are replaced by
// another OK_Packet with the EOF marker byte).
func readResultSet(pkt []byte, pio *packetIO, capDeprecateEOF bool) (*Rows, error) {
	columnCount, _, _ := readLenencInt(pkt)

	columns := make([]Column, 0, columnCount)
	for i := uint64(0); i < columnCount; i++ {
		colPkt, err := pio.readPacket()
		if err != nil {
			return nil, err
		}
		col, err := parseColumnDefinition41(colPkt)
		if err != nil {
			return nil, err
		}
		columns = append(columns, col)
	}

	if !capDeprecateEOF {
		if _, err := pio.readPacket(); err != nil { // EOF after column defs
			return nil, err
		}
	}

	var rows [][]any
	for {
		rowPkt, err := pio.readPacket()
		if err != nil {
			return nil, err
		}
		if len(rowPkt) > 0 && (rowPkt[0] == markerEOF && len(rowPkt) < 9) {
			break
		}
		if len(rowPkt) > 0 && rowPkt[0] == markerErr {
			return nil, parseErrPacket(rowPkt)
		}
		values, err := decodeTextRow(rowPkt, len(columns))
		if err != nil {
			return nil, err
		}
		rows = append(rows, values)
	}

	return &Rows{Columns: columns, Rows: rows}, nil
}

func decodeTextRow(pkt []byte, numColumns int) ([]any, error) {
	values := make([]any, 0, numColumns)
	rest := pkt
	for len(values) < numColumns {
		var value []byte
		var ok bool
		value, rest, ok = readLenencString(rest)
		if !ok {
			return nil, &eventloop.ProtocolError{Message: "malformed text row"}
		}
		if value == nil {
			values = append(values, nil)
		} else {
			values = append(values, string(value))
		}
	}
	return values, nil
}
