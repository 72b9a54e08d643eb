package rdap

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"whoisrdap/pkg/model"
	"whoisrdap/pkg/util/ipcodec"
)

// DecodeDocument parses a JSON object into a Document. Numbers are kept as
// json.Number so re-encoding reproduces the upstream digits exactly.
func DecodeDocument(r io.Reader) (model.Document, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var doc model.Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse RDAP document: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("RDAP document is not an object")
	}
	return doc, nil
}

// DecodeDocumentBytes is DecodeDocument over a byte slice
func DecodeDocumentBytes(b []byte) (model.Document, error) {
	return DecodeDocument(bytes.NewReader(b))
}

// Canonicalize normalizes doc in place so that two fetches of the same
// network produce identical documents:
//   - every "links" member is removed, at any depth (links routinely embed
//     the queried address)
//   - the "roles" list of every entity, at any depth, is sorted
//
// Canonicalize is idempotent. It returns doc for convenience.
func Canonicalize(doc model.Document) model.Document {
	if doc == nil {
		return doc
	}
	canonicalizeObject(doc, false)
	return doc
}

func canonicalizeObject(o map[string]any, isEntity bool) {
	delete(o, "links")
	if isEntity {
		if roles, ok := o["roles"]; ok {
			o["roles"] = sortRoles(roles)
		}
	}
	for k, v := range o {
		canonicalizeValue(v, k == "entities")
	}
}

func canonicalizeValue(v any, entities bool) {
	switch t := v.(type) {
	case map[string]any:
		canonicalizeObject(t, false)
	case model.Document:
		canonicalizeObject(t, false)
	case []any:
		for _, elem := range t {
			switch obj := elem.(type) {
			case map[string]any:
				canonicalizeObject(obj, entities)
			case model.Document:
				canonicalizeObject(obj, entities)
			default:
				canonicalizeValue(elem, false)
			}
		}
	}
}

func sortRoles(v any) any {
	switch roles := v.(type) {
	case []string:
		sort.Strings(roles)
		return roles
	case []any:
		sort.SliceStable(roles, func(i, j int) bool {
			return fmt.Sprint(roles[i]) < fmt.Sprint(roles[j])
		})
		return roles
	default:
		return v
	}
}

// Clone returns a deep copy of doc
func Clone(doc model.Document) model.Document {
	if doc == nil {
		return nil
	}
	return model.Document(cloneValue(map[string]any(doc)).(map[string]any))
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = cloneValue(child)
		}
		return out
	case model.Document:
		return cloneValue(map[string]any(t))
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = cloneValue(child)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// Canonical is the encoded natural key of a network record
type Canonical struct {
	Range       model.AddrRange
	Body        []byte // canonical JSON of the document
	Fingerprint string // hex SHA-256 of low, high and body
}

// NaturalKey canonicalizes doc and computes the record natural key for rng.
// encoding/json writes object keys in sorted order, so equal documents
// always encode to equal bytes.
func NaturalKey(rng model.AddrRange, doc model.Document) (*Canonical, error) {
	if !rng.Valid() {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidRange, rng)
	}
	body, err := json.Marshal(Canonicalize(doc))
	if err != nil {
		return nil, fmt.Errorf("failed to encode RDAP document: %w", err)
	}

	h := sha256.New()
	h.Write(rng.Low[:])
	h.Write(rng.High[:])
	h.Write(body)

	return &Canonical{
		Range:       rng,
		Body:        body,
		Fingerprint: hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// Range extracts the inclusive key range declared by an ip network document
func Range(doc model.Document) (model.AddrRange, error) {
	return ipcodec.ExtractRange(
		stringField(doc, "ipVersion"),
		stringField(doc, "startAddress"),
		stringField(doc, "endAddress"),
	)
}

func stringField(doc model.Document, key string) string {
	if s, ok := doc[key].(string); ok {
		return s
	}
	return ""
}
