// Package cursor encodes the sort-key values of a row into an opaque,
// URL-safe pagination token and back.
//
// Token layout: base64url(flag || payload), where flag tells whether the
// msgpack payload is zstd-compressed. The payload is an array of
// [kind, value] pairs so that every value decodes to the exact type it was
// encoded from.
package cursor

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"rowloader/internal/core/apperror"
	"rowloader/internal/core/types"
)

// Kind tags the type of an encoded value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindUint
	KindFloat
	KindString
	KindBytes
	KindTime // decoded in UTC
	KindDecimal
	KindUUID
)

// msgpackNil is the msgpack encoding of nil.
const msgpackNil = 0xc0

const (
	flagRaw  byte = 0
	flagZstd byte = 1
)

const (
	// DefaultCompressThreshold is the payload size above which tokens are compressed.
	DefaultCompressThreshold = 256
	// MaxTokenLength bounds the tokens Decode accepts.
	MaxTokenLength = 8 * 1024
	maxDecodedSize = 64 * 1024
)

type entry struct {
	_msgpack struct{}           `msgpack:",as_array"`
	Kind     Kind               `msgpack:"k"`
	Value    msgpack.RawMessage `msgpack:"v"`
}

// Codec converts sort-key tuples to tokens. It is safe for concurrent use.
type Codec struct {
	compressThreshold int
	encoder           *zstd.Encoder
	decoder           *zstd.Decoder
}

// Option configures a Codec.
type Option func(*Codec)

// WithCompressThreshold sets the payload size (bytes) above which tokens are
// zstd-compressed. Zero or negative disables compression.
func WithCompressThreshold(n int) Option {
	return func(c *Codec) { c.compressThreshold = n }
}

// New creates a codec.
func New(opts ...Option) (*Codec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	c := &Codec{
		compressThreshold: DefaultCompressThreshold,
		encoder:           encoder,
		decoder:           decoder,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var (
	defaultOnce  sync.Once
	defaultCodec *Codec
)

// Default returns a shared codec with default settings.
func Default() *Codec {
	defaultOnce.Do(func() {
		c, err := New()
		if err != nil {
			panic(err)
		}
		defaultCodec = c
	})
	return defaultCodec
}

// Encode turns an ordered tuple into a token. An empty tuple encodes to "".
func (c *Codec) Encode(values []any) (string, error) {
	if len(values) == 0 {
		return "", nil
	}

	entries := make([]entry, len(values))
	for i, v := range values {
		e, err := encodeValue(v)
		if err != nil {
			return "", fmt.Errorf("cursor value %d: %w", i, err)
		}
		entries[i] = e
	}

	payload, err := msgpack.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("marshal cursor: %w", err)
	}

	// Compress large tuples
	flag := flagRaw
	if c.compressThreshold > 0 && len(payload) > c.compressThreshold {
		payload = c.encoder.EncodeAll(payload, nil)
		flag = flagZstd
	}

	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, flag)
	buf = append(buf, payload...)
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Decode reverses Encode. "" decodes to an empty tuple; anything that is not
// a token produced by Encode fails with an INVALID_CURSOR error.
func (c *Codec) Decode(token string) ([]any, error) {
	if token == "" {
		return nil, nil
	}
	if len(token) > MaxTokenLength {
		return nil, apperror.NewInvalidCursor(errors.New("token too long"))
	}

	buf, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, apperror.NewInvalidCursor(err)
	}
	if len(buf) < 2 {
		return nil, apperror.NewInvalidCursor(errors.New("token too short"))
	}

	payload := buf[1:]
	switch buf[0] {
	case flagRaw:
	case flagZstd:
		payload, err = c.decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, apperror.NewInvalidCursor(err)
		}
	default:
		return nil, apperror.NewInvalidCursor(fmt.Errorf("unknown token flag %d", buf[0]))
	}

	var entries []entry
	if err := msgpack.Unmarshal(payload, &entries); err != nil {
		return nil, apperror.NewInvalidCursor(err)
	}
	if len(entries) == 0 {
		return nil, apperror.NewInvalidCursor(errors.New("empty tuple"))
	}

	values := make([]any, len(entries))
	for i, e := range entries {
		v, err := decodeValue(e)
		if err != nil {
			return nil, apperror.NewInvalidCursor(fmt.Errorf("value %d: %w", i, err))
		}
		values[i] = v
	}
	return values, nil
}

func encodeValue(v any) (entry, error) {
	var (
		kind Kind
		raw  any
	)
	switch x := v.(type) {
	case nil:
		return entry{Kind: KindNull, Value: msgpack.RawMessage{msgpackNil}}, nil
	case bool:
		kind, raw = KindBool, x
	case int:
		kind, raw = KindInt, int64(x)
	case int8:
		kind, raw = KindInt, int64(x)
	case int16:
		kind, raw = KindInt, int64(x)
	case int32:
		kind, raw = KindInt, int64(x)
	case int64:
		kind, raw = KindInt, x
	case uint:
		kind, raw = KindUint, uint64(x)
	case uint8:
		kind, raw = KindUint, uint64(x)
	case uint16:
		kind, raw = KindUint, uint64(x)
	case uint32:
		kind, raw = KindUint, uint64(x)
	case uint64:
		kind, raw = KindUint, x
	case float32:
		kind, raw = KindFloat, float64(x)
	case float64:
		kind, raw = KindFloat, x
	case string:
		kind, raw = KindString, x
	case []byte:
		kind, raw = KindBytes, x
	case time.Time:
		kind, raw = KindTime, x.UTC().Format(time.RFC3339Nano)
	case decimal.Decimal:
		kind, raw = KindDecimal, x.String()
	case uuid.UUID:
		kind, raw = KindUUID, x[:]
	case [16]byte:
		kind, raw = KindUUID, x[:]
	default:
		n, err := types.NormalizeNumber(v)
		if err != nil {
			return entry{}, fmt.Errorf("unsupported type %T", v)
		}
		return encodeValue(n)
	}

	b, err := msgpack.Marshal(raw)
	if err != nil {
		return entry{}, err
	}
	return entry{Kind: kind, Value: b}, nil
}

func decodeValue(e entry) (any, error) {
	var dst any
	switch e.Kind {
	case KindNull:
		return nil, nil
	case KindBool:
		dst = new(bool)
	case KindInt:
		dst = new(int64)
	case KindUint:
		dst = new(uint64)
	case KindFloat:
		dst = new(float64)
	case KindString, KindTime, KindDecimal:
		dst = new(string)
	case KindBytes, KindUUID:
		dst = new([]byte)
	default:
		return nil, fmt.Errorf("unknown value kind %d", e.Kind)
	}
	if len(e.Value) == 0 {
		return nil, errors.New("missing value")
	}
	if err := msgpack.Unmarshal(e.Value, dst); err != nil {
		return nil, err
	}

	switch v := dst.(type) {
	case *bool:
		return *v, nil
	case *int64:
		return *v, nil
	case *uint64:
		return *v, nil
	case *float64:
		return *v, nil
	case *[]byte:
		if e.Kind == KindUUID {
			return uuid.FromBytes(*v)
		}
		if *v == nil {
			return []byte{}, nil
		}
		return *v, nil
	case *string:
		switch e.Kind {
		case KindTime:
			return time.Parse(time.RFC3339Nano, *v)
		case KindDecimal:
			return decimal.NewFromString(*v)
		}
		return *v, nil
	}
	return nil, fmt.Errorf("unknown value kind %d", e.Kind)
}
