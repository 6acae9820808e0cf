package memrepo

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// DomainRevision prefixes revision content before hashing.
// Version suffix enables future algorithm migration.
const DomainRevision = "refrace/revision/v1"

// hashLen is the number of hex characters kept from the digest.
const hashLen = 32

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))[:hashLen]
}

// revisionHash computes the content address of a revision.
// Equal content, parents, message and sequence always hash equal.
func revisionHash(parents []string, message string, seq int64, data snapshot) (string, error) {
	ps := make([]any, len(parents))
	for i, p := range parents {
		ps[i] = p
	}

	tables := make(map[string]any, len(data))
	for name, td := range data {
		rows := make(map[string]any, len(td))
		for k, row := range td {
			r := make(map[string]any, len(row))
			for col, v := range row {
				r[col] = v
			}
			rows[k] = r
		}
		tables[name] = rows
	}

	obj := map[string]any{
		"parents": ps,
		"message": message,
		"seq":     seq,
		"tables":  tables,
	}

	canonical, err := marshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("revision hash: %w", err)
	}
	return hashWithDomain(DomainRevision, canonical), nil
}

// marshalCanonical produces deterministic JSON for hashing: object keys in
// UTF-16 code unit order, NFC-normalized strings, no HTML escaping.
// Unlike encoding/json it accepts SQL NULL as JSON null.
func marshalCanonical(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return []byte("null"), nil
	case string:
		return marshalCanonicalString(val)
	case int64:
		return []byte(strconv.FormatInt(val, 10)), nil
	case int:
		return []byte(strconv.Itoa(val)), nil
	case float64:
		return []byte(strconv.FormatFloat(val, 'g', -1, 64)), nil
	case bool:
		if val {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case []any:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := marshalCanonical(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case map[string]any:
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range sortedKeys(val) {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := marshalCanonicalString(k)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := marshalCanonical(val[k])
			if err != nil {
				return nil, fmt.Errorf("value for key %q: %w", k, err)
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
}

func marshalCanonicalString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// sortedKeys returns keys in UTF-16 code unit order.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int {
		return slices.Compare(utf16.Encode([]rune(a)), utf16.Encode([]rune(b)))
	})
	return keys
}
