// Package wire encodes finished spans in the Haystack protobuf span format
// and decodes the messages exchanged with Haystack agents and collectors.
//
// Field numbers follow span.proto and agent/spanAgent.proto from the
// haystack-idl repository.
package wire

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/zoobzio/haystackz"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned when a message cannot be decoded.
var ErrMalformed = errors.New("wire: malformed message")

// TagType mirrors Tag.TagType.
type TagType int32

// Tag value types.
const (
	TagString TagType = 0
	TagDouble TagType = 1
	TagBool   TagType = 2
	TagLong   TagType = 3
	TagBinary TagType = 4
)

// ResultCode mirrors DispatchResult.ResultCode.
type ResultCode int32

// Dispatch result codes.
const (
	ResultSuccess        ResultCode = 0
	ResultUnknownError   ResultCode = 1
	ResultRateLimitError ResultCode = 2
)

func (c ResultCode) String() string {
	switch c {
	case ResultSuccess:
		return "SUCCESS"
	case ResultUnknownError:
		return "UNKNOWN_ERROR"
	case ResultRateLimitError:
		return "RATE_LIMIT_ERROR"
	default:
		return fmt.Sprintf("ResultCode(%d)", int32(c))
	}
}

// Span field numbers.
const (
	spanTraceID       protowire.Number = 1
	spanSpanID        protowire.Number = 2
	spanParentSpanID  protowire.Number = 3
	spanServiceName   protowire.Number = 4
	spanOperationName protowire.Number = 5
	spanStartTime     protowire.Number = 6
	spanDuration      protowire.Number = 7
	spanLogs          protowire.Number = 8
	spanTags          protowire.Number = 9
)

// Tag field numbers.
const (
	tagKey     protowire.Number = 1
	tagType    protowire.Number = 2
	tagVStr    protowire.Number = 3
	tagVLong   protowire.Number = 4
	tagVDouble protowire.Number = 5
	tagVBool   protowire.Number = 6
	tagVBytes  protowire.Number = 7
)

// Log field numbers.
const (
	logTimestamp protowire.Number = 1
	logFields    protowire.Number = 2
)

// DispatchResult field numbers.
const (
	resultCode    protowire.Number = 1
	resultMessage protowire.Number = 2
)

// Tag is a decoded Haystack tag. Only the field selected by Type is set.
type Tag struct {
	Key     string
	Type    TagType
	VStr    string
	VLong   int64
	VDouble float64
	VBool   bool
	VBytes  []byte
}

// Value returns the typed value of the tag.
func (t Tag) Value() any {
	switch t.Type {
	case TagDouble:
		return t.VDouble
	case TagBool:
		return t.VBool
	case TagLong:
		return t.VLong
	case TagBinary:
		return t.VBytes
	default:
		return t.VStr
	}
}

// Log is a decoded Haystack log entry.
type Log struct {
	Timestamp int64
	Fields    []Tag
}

// Span is a decoded Haystack span. Times are Unix epoch microseconds.
type Span struct {
	TraceID       string
	SpanID        string
	ParentSpanID  string
	ServiceName   string
	OperationName string
	StartTime     int64
	Duration      int64
	Logs          []Log
	Tags          []Tag
}

// DispatchResult is the agent's reply to a dispatched span.
type DispatchResult struct {
	Code         ResultCode
	ErrorMessage string
}

// EncodeSpan serializes a finished span. Tags keep their insertion order.
func EncodeSpan(span *haystackz.Span) []byte {
	sc := span.Context()

	var b []byte
	b = appendString(b, spanTraceID, sc.TraceID())
	b = appendString(b, spanSpanID, sc.SpanID())
	b = appendString(b, spanParentSpanID, sc.ParentSpanID())
	b = appendString(b, spanServiceName, span.ServiceName())
	b = appendString(b, spanOperationName, span.OperationName())
	b = appendInt(b, spanStartTime, span.StartTime().UnixMicro())
	b = appendInt(b, spanDuration, span.Duration().Microseconds())

	for _, rec := range span.Logs() {
		b = protowire.AppendTag(b, spanLogs, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeLog(rec))
	}
	span.ForeachTag(func(key string, value any) {
		b = protowire.AppendTag(b, spanTags, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeTag(key, value))
	})
	return b
}

func encodeLog(rec haystackz.LogRecord) []byte {
	var b []byte
	b = appendInt(b, logTimestamp, rec.Timestamp.UnixMicro())
	for _, f := range rec.Fields {
		b = protowire.AppendTag(b, logFields, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeTag(f.Key, f.Value))
	}
	return b
}

func encodeTag(key string, value any) []byte {
	var b []byte
	b = appendString(b, tagKey, key)

	switch v := value.(type) {
	case string:
		b = appendType(b, TagString)
		b = appendString(b, tagVStr, v)
	case bool:
		b = appendType(b, TagBool)
		b = protowire.AppendTag(b, tagVBool, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(v))
	case float64:
		b = appendDouble(b, v)
	case float32:
		b = appendDouble(b, float64(v))
	case int:
		b = appendLong(b, int64(v))
	case int8:
		b = appendLong(b, int64(v))
	case int16:
		b = appendLong(b, int64(v))
	case int32:
		b = appendLong(b, int64(v))
	case int64:
		b = appendLong(b, v)
	case uint:
		b = appendLong(b, int64(v))
	case uint8:
		b = appendLong(b, int64(v))
	case uint16:
		b = appendLong(b, int64(v))
	case uint32:
		b = appendLong(b, int64(v))
	case uint64:
		b = appendLong(b, int64(v))
	case time.Duration:
		b = appendLong(b, v.Microseconds())
	case []byte:
		b = appendType(b, TagBinary)
		b = protowire.AppendTag(b, tagVBytes, protowire.BytesType)
		b = protowire.AppendBytes(b, v)
	case error:
		b = appendType(b, TagString)
		b = appendString(b, tagVStr, v.Error())
	case fmt.Stringer:
		b = appendType(b, TagString)
		b = appendString(b, tagVStr, v.String())
	default:
		b = appendType(b, TagString)
		b = appendString(b, tagVStr, fmt.Sprint(v))
	}
	return b
}

func appendType(b []byte, t TagType) []byte {
	b = protowire.AppendTag(b, tagType, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(t))
}

func appendLong(b []byte, v int64) []byte {
	b = appendType(b, TagLong)
	b = protowire.AppendTag(b, tagVLong, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendDouble(b []byte, v float64) []byte {
	b = appendType(b, TagDouble)
	b = protowire.AppendTag(b, tagVDouble, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

// EncodeDispatchResult serializes an agent reply.
func EncodeDispatchResult(r DispatchResult) []byte {
	var b []byte
	b = appendInt(b, resultCode, int64(r.Code))
	return appendString(b, resultMessage, r.ErrorMessage)
}

// DecodeDispatchResult parses an agent reply. Unknown fields are skipped.
func DecodeDispatchResult(b []byte) (DispatchResult, error) {
	var r DispatchResult
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch {
		case num == resultCode && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(v)
			r.Code = ResultCode(int32(x))
			return n, nil
		case num == resultMessage && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(v)
			r.ErrorMessage = s
			return n, nil
		}
		return skip(num, typ, v)
	})
	return r, err
}

// DecodeSpan parses a serialized span. Unknown fields are skipped.
func DecodeSpan(b []byte) (Span, error) {
	var s Span
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if typ == protowire.BytesType {
			raw, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return n, nil
			}
			switch num {
			case spanTraceID:
				s.TraceID = string(raw)
			case spanSpanID:
				s.SpanID = string(raw)
			case spanParentSpanID:
				s.ParentSpanID = string(raw)
			case spanServiceName:
				s.ServiceName = string(raw)
			case spanOperationName:
				s.OperationName = string(raw)
			case spanLogs:
				l, err := decodeLog(raw)
				if err != nil {
					return 0, err
				}
				s.Logs = append(s.Logs, l)
			case spanTags:
				t, err := decodeTag(raw)
				if err != nil {
					return 0, err
				}
				s.Tags = append(s.Tags, t)
			}
			return n, nil
		}
		if typ == protowire.VarintType && (num == spanStartTime || num == spanDuration) {
			x, n := protowire.ConsumeVarint(v)
			if num == spanStartTime {
				s.StartTime = int64(x)
			} else {
				s.Duration = int64(x)
			}
			return n, nil
		}
		return skip(num, typ, v)
	})
	return s, err
}

func decodeLog(b []byte) (Log, error) {
	var l Log
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch {
		case num == logTimestamp && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(v)
			l.Timestamp = int64(x)
			return n, nil
		case num == logFields && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return n, nil
			}
			t, err := decodeTag(raw)
			if err != nil {
				return 0, err
			}
			l.Fields = append(l.Fields, t)
			return n, nil
		}
		return skip(num, typ, v)
	})
	return l, err
}

func decodeTag(b []byte) (Tag, error) {
	var t Tag
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch typ {
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return n, nil
			}
			switch num {
			case tagKey:
				t.Key = string(raw)
			case tagVStr:
				t.VStr = string(raw)
			case tagVBytes:
				t.VBytes = append([]byte(nil), raw...)
			}
			return n, nil
		case protowire.VarintType:
			x, n := protowire.ConsumeVarint(v)
			switch num {
			case tagType:
				t.Type = TagType(int32(x))
			case tagVLong:
				t.VLong = int64(x)
			case tagVBool:
				t.VBool = protowire.DecodeBool(x)
			}
			return n, nil
		case protowire.Fixed64Type:
			x, n := protowire.ConsumeFixed64(v)
			if num == tagVDouble {
				t.VDouble = math.Float64frombits(x)
			}
			return n, nil
		}
		return skip(num, typ, v)
	})
	return t, err
}

type fieldFunc func(num protowire.Number, typ protowire.Type, value []byte) (int, error)

func walk(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	return protowire.ConsumeFieldValue(num, typ, b), nil
}
