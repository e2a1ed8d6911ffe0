package types

import (
	"encoding/asn1"
	"encoding/binary"
	"fmt"

	"howett.net/plist"
)

// Entitlements is the XML property list blob at SlotEntitlements: the
// raw plist text is preserved verbatim, round-tripping byte for byte.
type Entitlements struct {
	XML []byte
}

func (e *Entitlements) BlobMagic() Magic { return MagicEntitlements }

func (e *Entitlements) Emit() []byte {
	out := make([]byte, blobHeaderSize+len(e.XML))
	binary.BigEndian.PutUint32(out[0:4], uint32(MagicEntitlements))
	binary.BigEndian.PutUint32(out[4:8], uint32(len(out)))
	copy(out[blobHeaderSize:], e.XML)
	return out
}

// ParseEntitlements decodes an Entitlements blob (header included).
func ParseEntitlements(data []byte) (*Entitlements, error) {
	magic, length, err := ParseBlobHeader(data)
	if err != nil {
		return nil, err
	}
	if magic != MagicEntitlements {
		return nil, fmt.Errorf("%w: expected Entitlements magic, got %s", ErrBlobMalformed, magic)
	}
	return &Entitlements{XML: append([]byte(nil), data[blobHeaderSize:length]...)}, nil
}

// Decode unmarshals the entitlements plist into a generic key/value map.
func (e *Entitlements) Decode() (map[string]any, error) {
	var v map[string]any
	if _, err := plist.Unmarshal(e.XML, &v); err != nil {
		return nil, fmt.Errorf("types: decoding entitlements plist: %w", err)
	}
	return v, nil
}

// EntitlementsDer is the DER-encoded entitlements blob at
// SlotEntitlementsDer, introduced alongside the hardened runtime so the
// kernel can read entitlement values without a full plist parser.
type EntitlementsDer struct {
	DER []byte
}

func (e *EntitlementsDer) BlobMagic() Magic { return MagicEntitlementsDer }

func (e *EntitlementsDer) Emit() []byte {
	out := make([]byte, blobHeaderSize+len(e.DER))
	binary.BigEndian.PutUint32(out[0:4], uint32(MagicEntitlementsDer))
	binary.BigEndian.PutUint32(out[4:8], uint32(len(out)))
	copy(out[blobHeaderSize:], e.DER)
	return out
}

// ParseEntitlementsDer decodes an EntitlementsDer blob (header included).
func ParseEntitlementsDer(data []byte) (*EntitlementsDer, error) {
	magic, length, err := ParseBlobHeader(data)
	if err != nil {
		return nil, err
	}
	if magic != MagicEntitlementsDer {
		return nil, fmt.Errorf("%w: expected EntitlementsDer magic, got %s", ErrBlobMalformed, magic)
	}
	return &EntitlementsDer{DER: append([]byte(nil), data[blobHeaderSize:length]...)}, nil
}

type derItem struct {
	Key string `asn1:"utf8"`
	Val any
}

type derBoolItem struct {
	Key string `asn1:"utf8"`
	Val bool
}

type derStringItem struct {
	Key string `asn1:"utf8"`
	Val string `asn1:"utf8"`
}

type derStringSliceItem struct {
	Key string `asn1:"utf8"`
	Val []string
}

// DerEncodeEntitlements re-derives the DER entitlements representation
// from an XML entitlements plist, the way the linker/codesign toolchain
// does when both Entitlements and EntitlementsDer are emitted together.
// Only the shapes Apple's entitlement dictionaries actually use (bool,
// string, string array, and nested values) are handled.
func DerEncodeEntitlements(xml []byte) ([]byte, error) {
	var entitlements map[string]any
	if _, err := plist.Unmarshal(xml, &entitlements); err != nil {
		return nil, fmt.Errorf("types: decoding entitlements plist: %w", err)
	}

	var items []any
	for k, v := range entitlements {
		switch t := v.(type) {
		case bool:
			items = append(items, derBoolItem{k, t})
		case string:
			items = append(items, derStringItem{k, t})
		case []any:
			var ss []string
			for _, s := range t {
				str, ok := s.(string)
				if !ok {
					return nil, fmt.Errorf("types: entitlement %q: non-string array element", k)
				}
				ss = append(ss, str)
			}
			items = append(items, derStringSliceItem{k, ss})
		default:
			items = append(items, derItem{k, v})
		}
	}

	return asn1.MarshalWithParams(items, "set")
}
