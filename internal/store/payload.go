// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nemesis Contributors

package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	nemerr "github.com/nemesis-dev/nemesis/pkg/errors"
)

// ValueKind identifies the type of a payload value. The set is closed so
// payloads survive a strict encode/decode round trip; anything outside it is
// rejected at the boundary instead of being trusted from storage.
type ValueKind string

const (
	KindString     ValueKind = "string"
	KindNumber     ValueKind = "number"
	KindBool       ValueKind = "bool"
	KindStringList ValueKind = "string_list"
	KindNumberList ValueKind = "number_list"
)

// Value is a tagged payload value. Exactly one of the value fields is
// meaningful, selected by Kind.
type Value struct {
	Kind    ValueKind
	Str     string
	Num     float64
	Bool    bool
	StrList []string
	NumList []float64
}

func String(s string) Value      { return Value{Kind: KindString, Str: s} }
func Number(n float64) Value     { return Value{Kind: KindNumber, Num: n} }
func Bool(b bool) Value          { return Value{Kind: KindBool, Bool: b} }
func Strings(s ...string) Value  { return Value{Kind: KindStringList, StrList: s} }
func Numbers(n ...float64) Value { return Value{Kind: KindNumberList, NumList: n} }

type valueJSON struct {
	Kind  ValueKind       `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the value as {"kind": ..., "value": ...}.
func (v Value) MarshalJSON() ([]byte, error) {
	var inner any
	switch v.Kind {
	case KindString:
		inner = v.Str
	case KindNumber:
		inner = v.Num
	case KindBool:
		inner = v.Bool
	case KindStringList:
		if v.StrList == nil {
			inner = []string{}
		} else {
			inner = v.StrList
		}
	case KindNumberList:
		if v.NumList == nil {
			inner = []float64{}
		} else {
			inner = v.NumList
		}
	default:
		return nil, nemerr.Errorf(nemerr.CodeStorePayloadInvalid, "unknown payload value kind %q", v.Kind)
	}

	raw, err := json.Marshal(inner)
	if err != nil {
		return nil, err
	}
	return json.Marshal(valueJSON{Kind: v.Kind, Value: raw})
}

// UnmarshalJSON decodes a tagged value, rejecting unknown kinds and values
// that do not match the declared kind.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw valueJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nemerr.Wrap(err, nemerr.CodeStorePayloadInvalid, "decoding payload value")
	}

	decoded := Value{Kind: raw.Kind}
	var err error
	switch raw.Kind {
	case KindString:
		err = json.Unmarshal(raw.Value, &decoded.Str)
	case KindNumber:
		err = json.Unmarshal(raw.Value, &decoded.Num)
	case KindBool:
		err = json.Unmarshal(raw.Value, &decoded.Bool)
	case KindStringList:
		err = json.Unmarshal(raw.Value, &decoded.StrList)
	case KindNumberList:
		err = json.Unmarshal(raw.Value, &decoded.NumList)
	default:
		return nemerr.Errorf(nemerr.CodeStorePayloadInvalid, "unknown payload value kind %q", raw.Kind)
	}
	if err != nil {
		return nemerr.Wrapf(err, nemerr.CodeStorePayloadInvalid, "decoding %s payload value", raw.Kind)
	}

	*v = decoded
	return nil
}

// Payload is the opaque structured context attached to an entry.
type Payload map[string]Value

// Hash returns a stable hex digest of the payload, used as a dedup key for
// situations and as the response cache key. encoding/json sorts map keys,
// which makes the serialized form canonical.
func (p Payload) Hash() string {
	raw, err := json.Marshal(p)
	if err != nil {
		// Marshal of a validated payload cannot fail; guard anyway.
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// DecodePayload parses and validates a serialized payload.
func DecodePayload(data []byte) (Payload, error) {
	if len(data) == 0 {
		return Payload{}, nil
	}

	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, nemerr.Wrap(err, nemerr.CodeStorePayloadInvalid, "decoding payload")
	}
	return p, nil
}
