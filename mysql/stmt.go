package mysql

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/joeycumines/go-asyncrt/eventloop"
)

// Stmt is a prepared statement, grounded on the retrieval pack MySQL
// driver's Prepare/readPrepareResultPacket flow (statement id + param/column
// counts, followed by their definition packets), adapted to the binary
// execute protocol instead of database/sql's driver.Stmt interface.
type Stmt struct {
	conn       *Conn
	id         uint32
	paramCount uint16
	columns    []Column
}

func (c *Conn) prepare(pio *packetIO, query string) (*Stmt, error) {
	payload := append([]byte{comStmtPrepare}, query...)
	if err := pio.writePacket(payload); err != nil {
		return nil, err
	}

	pkt, err := pio.readPacket()
	if err != nil {
		return nil, err
	}
	if len(pkt) == 0 {
		return nil, &eventloop.ProtocolError{Message: "empty prepare response"}
	}
	if pkt[0] == markerErr {
		return nil, parseErrPacket(pkt)
	}
	if len(pkt) < 12 {
		return nil, &eventloop.ProtocolError{Message: "malformed COM_STMT_PREPARE_OK"}
	}

	stmtID := binary.LittleEndian.Uint32(pkt[1:5])
	columnCount := binary.LittleEndian.Uint16(pkt[5:7])
	paramCount := binary.LittleEndian.Uint16(pkt[7:9])

	for i := uint16(0); i < paramCount; i++ {
		if _, err := pio.readPacket(); err != nil {
			return nil, err
		}
	}
	if paramCount > 0 {
		if _, err := pio.readPacket(); err != nil { // EOF
			return nil, err
		}
	}

	columns := make([]Column, 0, columnCount)
	for i := uint16(0); i < columnCount; i++ {
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
	if columnCount > 0 {
		if _, err := pio.readPacket(); err != nil { // EOF
			return nil, err
		}
	}

	return &Stmt{conn: c, id: stmtID, paramCount: paramCount, columns: columns}, nil
}

// Prepare compiles query on the server, returning a promise resolving to a
// *Stmt.
func (c *Conn) Prepare(ctx context.Context, query string) *eventloop.Promise {
	return c.roundTrip(ctx, func(pio *packetIO) (any, error) {
		return c.prepare(pio, query)
	})
}

// Close releases the server-side prepared statement (COM_STMT_CLOSE expects
// no response).
func (s *Stmt) Close(ctx context.Context) *eventloop.Promise {
	return s.conn.roundTrip(ctx, func(pio *packetIO) (any, error) {
		payload := make([]byte, 5)
		payload[0] = comStmtClose
		binary.LittleEndian.PutUint32(payload[1:], s.id)
		if err := pio.writePacket(payload); err != nil {
			return nil, err
		}
		return nil, nil
	})
}

// ParamCount reports the number of placeholders this statement expects.
func (s *Stmt) ParamCount() int { return int(s.paramCount) }

// Execute binds args to the statement's placeholders and runs it, returning
// a promise resolving to *Rows (the statement returns a result set) or
// *OKResult (it does not).
func (s *Stmt) Execute(ctx context.Context, args ...any) *eventloop.Promise {
	return s.conn.roundTrip(ctx, func(pio *packetIO) (any, error) {
		if len(args) != int(s.paramCount) {
			return nil, &eventloop.InvalidConfig{Message: fmt.Sprintf(
				"mysql: statement expects %d parameters, got %d", s.paramCount, len(args))}
		}

		payload, err := buildExecutePacket(s.id, args)
		if err != nil {
			return nil, err
		}
		if err := pio.writePacket(payload); err != nil {
			return nil, err
		}

		pkt, err := pio.readPacket()
		if err != nil {
			return nil, err
		}
		if len(pkt) == 0 {
			return nil, &eventloop.ProtocolError{Message: "empty execute response"}
		}
		switch pkt[0] {
		case markerErr:
			return nil, parseErrPacket(pkt)
		case markerOK:
			return parseOKPacket(pkt)
		default:
			return readBinaryResultSet(pkt, pio)
		}
	})
}

// buildExecutePacket builds a COM_STMT_EXECUTE payload: statement_id(4) +
// flags(1, CURSOR_TYPE_NO_CURSOR) + iteration_count(4)=1 + NULL bitmap +
// new_params_bind_flag(1)=1 + [param type(2) per param] + [param value].
func buildExecutePacket(stmtID uint32, args []any) ([]byte, error) {
	buf := make([]byte, 10)
	buf[0] = comStmtExecute
	binary.LittleEndian.PutUint32(buf[1:5], stmtID)
	buf[5] = 0 // CURSOR_TYPE_NO_CURSOR
	binary.LittleEndian.PutUint32(buf[6:10], 1)

	if len(args) > 0 {
		nullBitmap := make([]byte, (len(args)+7)/8)
		for i, a := range args {
			if a == nil {
				nullBitmap[i/8] |= 1 << uint(i%8)
			}
		}
		buf = append(buf, nullBitmap...)
		buf = append(buf, 1) // new_params_bind_flag

		typesOffset := len(buf)
		buf = append(buf, make([]byte, 2*len(args))...)

		for i, a := range args {
			if a == nil {
				continue
			}
			typ, unsigned, encoded, err := encodeBinaryValue(a)
			if err != nil {
				return nil, err
			}
			buf[typesOffset+2*i] = typ
			if unsigned {
				buf[typesOffset+2*i+1] = 0x80
			}
			buf = append(buf, encoded...)
		}
	}

	return buf, nil
}

// encodeBinaryValue encodes a Go value per Binary Protocol Value, returning
// its MySQL column type, whether it is unsigned, and the encoded bytes.
func encodeBinaryValue(v any) (typ byte, unsigned bool, encoded []byte, err error) {
	switch val := v.(type) {
	case int64:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, uint64(val))
		return fieldTypeLongLong, false, b, nil
	case int:
		return encodeBinaryValue(int64(val))
	case int32:
		return encodeBinaryValue(int64(val))
	case uint64:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, val)
		return fieldTypeLongLong, true, b, nil
	case float64:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, math.Float64bits(val))
		return fieldTypeDouble, false, b, nil
	case float32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, math.Float32bits(val))
		return fieldTypeFloat, false, b, nil
	case bool:
		if val {
			return fieldTypeTiny, false, []byte{1}, nil
		}
		return fieldTypeTiny, false, []byte{0}, nil
	case string:
		return fieldTypeVarString, false, appendLenencString(nil, []byte(val)), nil
	case []byte:
		return fieldTypeBlob, false, appendLenencString(nil, val), nil
	case time.Time:
		return fieldTypeDatetime, false, encodeBinaryDateTime(val), nil
	default:
		return 0, false, nil, &eventloop.InvalidConfig{Message: fmt.Sprintf("mysql: unsupported parameter type %T", v)}
	}
}

func encodeBinaryDateTime(t time.Time) []byte {
	if t.IsZero() {
		return []byte{0}
	}
	us := t.Nanosecond() / 1000
	length := byte(11)
	if us == 0 {
		length = 7
	}
	out := make([]byte, 0, length+1)
	out = append(out, length)
	var ybuf [2]byte
	binary.LittleEndian.PutUint16(ybuf[:], uint16(t.Year()))
	out = append(out, ybuf[:]...)
	out = append(out, byte(t.Month()), byte(t.Day()), byte(t.Hour()), byte(t.Minute()), byte(t.Second()))
	if us != 0 {
		var usBuf [4]byte
		binary.LittleEndian.PutUint32(usBuf[:], uint32(us))
		out = append(out, usBuf[:]...)
	}
	return out
}

// readBinaryResultSet reads a binary-protocol result set, given the
// already-read column-count packet.
func readBinaryResultSet(pkt []byte, pio *packetIO) (*Rows, error) {
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
	if _, err := pio.readPacket(); err != nil { // EOF after column defs
		return nil, err
	}

	var rows [][]any
	for {
		rowPkt, err := pio.readPacket()
		if err != nil {
			return nil, err
		}
		if len(rowPkt) > 0 && rowPkt[0] == markerEOF && len(rowPkt) < 9 {
			break
		}
		if len(rowPkt) > 0 && rowPkt[0] == markerErr {
			return nil, parseErrPacket(rowPkt)
		}
		values, err := decodeBinaryRow(rowPkt, columns)
		if err != nil {
			return nil, err
		}
		rows = append(rows, values)
	}

	return &Rows{Columns: columns, Rows: rows}, nil
}

func decodeBinaryRow(pkt []byte, columns []Column) ([]any, error) {
	if len(pkt) < 1 || pkt[0] != 0x00 {
		return nil, &eventloop.ProtocolError{Message: "malformed binary row packet header"}
	}
	nullBitmapLen := (len(columns) + 7 + 2) / 8
	if 1+nullBitmapLen > len(pkt) {
		return nil, &eventloop.ProtocolError{Message: "malformed binary row null bitmap"}
	}
	nullBitmap := pkt[1 : 1+nullBitmapLen]
	rest := pkt[1+nullBitmapLen:]

	values := make([]any, len(columns))
	for i, col := range columns {
		bit := (nullBitmap[(i+2)/8] >> uint((i+2)%8)) & 1
		if bit == 1 {
			values[i] = nil
			continue
		}
		v, consumed, err := decodeBinaryValue(col.Type, rest)
		if err != nil {
			return nil, err
		}
		values[i] = v
		rest = rest[consumed:]
	}
	return values, nil
}

func decodeBinaryValue(fieldType byte, pkt []byte) (any, int, error) {
	switch fieldType {
	case fieldTypeTiny:
		if len(pkt) < 1 {
			return nil, 0, &eventloop.ProtocolError{Message: "truncated TINY value"}
		}
		return int64(int8(pkt[0])), 1, nil
	case fieldTypeShort, fieldTypeYear:
		if len(pkt) < 2 {
			return nil, 0, &eventloop.ProtocolError{Message: "truncated SHORT value"}
		}
		return int64(int16(binary.LittleEndian.Uint16(pkt))), 2, nil
	case fieldTypeLong, fieldTypeInt24:
		if len(pkt) < 4 {
			return nil, 0, &eventloop.ProtocolError{Message: "truncated LONG value"}
		}
		return int64(int32(binary.LittleEndian.Uint32(pkt))), 4, nil
	case fieldTypeLongLong:
		if len(pkt) < 8 {
			return nil, 0, &eventloop.ProtocolError{Message: "truncated LONGLONG value"}
		}
		return int64(binary.LittleEndian.Uint64(pkt)), 8, nil
	case fieldTypeFloat:
		if len(pkt) < 4 {
			return nil, 0, &eventloop.ProtocolError{Message: "truncated FLOAT value"}
		}
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(pkt))), 4, nil
	case fieldTypeDouble:
		if len(pkt) < 8 {
			return nil, 0, &eventloop.ProtocolError{Message: "truncated DOUBLE value"}
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(pkt)), 8, nil
	case fieldTypeDate, fieldTypeDatetime, fieldTypeTimestamp:
		return decodeBinaryDateTime(pkt)
	case fieldTypeVarChar, fieldTypeVarString, fieldTypeString, fieldTypeBlob,
		fieldTypeTinyBlob, fieldTypeMedBlob, fieldTypeLongBlob, fieldTypeNewDecim, fieldTypeDecimal:
		s, rest, ok := readLenencString(pkt)
		if !ok {
			return nil, 0, &eventloop.ProtocolError{Message: "truncated string value"}
		}
		return string(s), len(pkt) - len(rest), nil
	default:
		s, rest, ok := readLenencString(pkt)
		if !ok {
			return nil, 0, &eventloop.ProtocolError{Message: "truncated value of unrecognized type"}
		}
		return string(s), len(pkt) - len(rest), nil
	}
}

func decodeBinaryDateTime(pkt []byte) (any, int, error) {
	if len(pkt) < 1 {
		return nil, 0, &eventloop.ProtocolError{Message: "truncated date/time value"}
	}
	length := int(pkt[0])
	if 1+length > len(pkt) {
		return nil, 0, &eventloop.ProtocolError{Message: "truncated date/time value"}
	}
	if length == 0 {
		return time.Time{}, 1, nil
	}
	data := pkt[1 : 1+length]
	year := int(binary.LittleEndian.Uint16(data[0:2]))
	month := time.Month(data[2])
	day := int(data[3])
	var hour, min, sec, usec int
	if length >= 7 {
		hour, min, sec = int(data[4]), int(data[5]), int(data[6])
	}
	if length >= 11 {
		usec = int(binary.LittleEndian.Uint32(data[7:11]))
	}
	return time.Date(year, month, day, hour, min, sec, usec*1000, time.UTC), 1 + length, nil
}
