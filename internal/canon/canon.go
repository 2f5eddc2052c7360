// Package canon produces canonical JSON and content digests. Fingerprints,
// policy hashes and idempotency key suffixes are all derived here so every
// component hashes the same bytes for the same logical value.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"reflect"
	"sort"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

var (
	ErrFloatNotAllowed = errors.New("canon: float values are not allowed")
	ErrNonStringMapKey = errors.New("canon: map keys must be strings")
	ErrUnsupportedType = errors.New("canon: unsupported type")
	ErrKeyCollision    = errors.New("canon: normalized map key collision")
)

// Canonicalize encodes v as canonical JSON: NFC strings, sorted keys, nil
// map entries dropped, integers only.
func Canonicalize(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Digest returns "sha256:<hex>" over the canonical encoding of v.
func Digest(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return DigestBytes(b), nil
}

// DigestBytes returns "sha256:<hex>" over raw bytes.
func DigestBytes(data []byte) string {
	return "sha256:" + HexDigest(data)
}

func HexDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ShortDigest is the first n hex characters of the digest of v. Used where a
// compact, still collision-resistant suffix is wanted inside a larger key.
func ShortDigest(v any, n int) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	h := HexDigest(b)
	if n <= 0 || n > len(h) {
		return h, nil
	}
	return h[:n], nil
}

func encode(buf *bytes.Buffer, v any) error {
	if v == nil {
		buf.WriteString("null")
		return nil
	}
	if n, ok := v.(json.Number); ok {
		return encodeNumber(buf, n)
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Interface || rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			buf.WriteString("null")
			return nil
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.String:
		return encodeString(buf, rv.String())
	case reflect.Bool:
		buf.WriteString(strconv.FormatBool(rv.Bool()))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		buf.WriteString(strconv.FormatInt(rv.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		buf.WriteString(strconv.FormatUint(rv.Uint(), 10))
	case reflect.Float32, reflect.Float64:
		return ErrFloatNotAllowed
	case reflect.Map:
		return encodeMap(buf, rv)
	case reflect.Slice, reflect.Array:
		return encodeSlice(buf, rv)
	default:
		return ErrUnsupportedType
	}
	return nil
}

func encodeString(buf *bytes.Buffer, s string) error {
	enc, err := json.Marshal(norm.NFC.String(s))
	if err != nil {
		return err
	}
	buf.Write(enc)
	return nil
}

func encodeNumber(buf *bytes.Buffer, n json.Number) error {
	i, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return ErrFloatNotAllowed
	}
	buf.WriteString(strconv.FormatInt(i, 10))
	return nil
}

type entry struct {
	key   string
	value reflect.Value
}

func encodeMap(buf *bytes.Buffer, rv reflect.Value) error {
	if rv.Type().Key().Kind() != reflect.String {
		return ErrNonStringMapKey
	}

	entries := make([]entry, 0, rv.Len())
	seen := make(map[string]struct{}, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		key := norm.NFC.String(iter.Key().String())
		if _, dup := seen[key]; dup {
			return ErrKeyCollision
		}
		seen[key] = struct{}{}
		if isNil(iter.Value()) {
			continue
		}
		entries = append(entries, entry{key: key, value: iter.Value()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	buf.WriteByte('{')
	for i, e := range entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeString(buf, e.key); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := encode(buf, e.value.Interface()); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeSlice(buf *bytes.Buffer, rv reflect.Value) error {
	if rv.Kind() == reflect.Slice && rv.IsNil() {
		buf.WriteString("null")
		return nil
	}
	buf.WriteByte('[')
	for i := 0; i < rv.Len(); i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encode(buf, rv.Index(i).Interface()); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func isNil(rv reflect.Value) bool {
	switch rv.Kind() {
	case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice:
		return rv.IsNil()
	}
	return false
}
