// Package exchange implements the deterministic action-signing pipeline for
// the upstream exchange: canonical action encoding, the action hash, and the
// network-scoped signing digest.
package exchange

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Wire shapes for the action types this proxy validates structurally before
// signing. Field order here is the exchange's canonical order.

// OrderWire is a single order inside an "order" action.
type OrderWire struct {
	Asset      int           `json:"a"`
	IsBuy      bool          `json:"b"`
	Price      string        `json:"p"`
	Size       string        `json:"s"`
	ReduceOnly bool          `json:"r"`
	Type       OrderTypeWire `json:"t"`
	Cloid      *string       `json:"c,omitempty"`
}

// OrderTypeWire carries exactly one of the order kind variants.
type OrderTypeWire struct {
	Limit   *LimitOrderWire   `json:"limit,omitempty"`
	Trigger *TriggerOrderWire `json:"trigger,omitempty"`
}

type LimitOrderWire struct {
	Tif string `json:"tif"`
}

type TriggerOrderWire struct {
	IsMarket  bool   `json:"isMarket"`
	TriggerPx string `json:"triggerPx"`
	Tpsl      string `json:"tpsl"`
}

// CancelWire is a single cancel inside a "cancel" action.
type CancelWire struct {
	Asset int    `json:"a"`
	Oid   uint64 `json:"o"`
}

var validTifs = map[string]bool{"Alo": true, "Ioc": true, "Gtc": true}

// ValidateAction checks that a raw action is a JSON object with a string
// "type" and, for the order and cancel types, that the nested wire structure
// is well-formed. Unknown action types pass validation and are signed
// generically; the upstream judges their semantics.
func ValidateAction(raw json.RawMessage) (actionType string, err error) {
	var envelope struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", fmt.Errorf("action is not a JSON object: %w", err)
	}
	if envelope.Type == nil || *envelope.Type == "" {
		return "", errors.New("action is missing a type")
	}

	switch *envelope.Type {
	case "order":
		var action struct {
			Orders   []OrderWire `json:"orders"`
			Grouping string      `json:"grouping"`
		}
		if err := json.Unmarshal(raw, &action); err != nil {
			return "", fmt.Errorf("malformed order action: %w", err)
		}
		if action.Orders == nil {
			return "", errors.New("order action is missing the orders array")
		}
		for i, order := range action.Orders {
			if err := validateOrder(order); err != nil {
				return "", fmt.Errorf("order %d: %w", i, err)
			}
		}
	case "cancel":
		var action struct {
			Cancels []CancelWire `json:"cancels"`
		}
		if err := json.Unmarshal(raw, &action); err != nil {
			return "", fmt.Errorf("malformed cancel action: %w", err)
		}
		if action.Cancels == nil {
			return "", errors.New("cancel action is missing the cancels array")
		}
	}

	return *envelope.Type, nil
}

func validateOrder(order OrderWire) error {
	if order.Asset < 0 {
		return errors.New("negative asset index")
	}
	if order.Price == "" || order.Size == "" {
		return errors.New("price and size must be decimal strings")
	}
	switch {
	case order.Type.Limit != nil && order.Type.Trigger != nil:
		return errors.New("order type must have exactly one variant")
	case order.Type.Limit != nil:
		if !validTifs[order.Type.Limit.Tif] {
			return fmt.Errorf("unknown time-in-force %q", order.Type.Limit.Tif)
		}
	case order.Type.Trigger != nil:
		if tpsl := order.Type.Trigger.Tpsl; tpsl != "tp" && tpsl != "sl" {
			return fmt.Errorf("unknown tpsl %q", tpsl)
		}
	default:
		return errors.New("order is missing its type")
	}
	return nil
}

// CanonicalActionBytes encodes an action as named-field msgpack, preserving
// the caller's JSON field order. This mirrors the exchange's own encoding,
// whose action hash covers the serialized field order.
func CanonicalActionBytes(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	value, err := parseOrdered(dec)
	if err != nil {
		return nil, fmt.Errorf("parsing action: %w", err)
	}
	if _, err := dec.Token(); err == nil {
		return nil, errors.New("trailing data after action")
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	// The exchange hashes the minimal-width integer encoding, not the
	// fixed-width one this encoder defaults to.
	enc.UseCompactInts(true)
	if err := encodeOrdered(enc, value); err != nil {
		return nil, fmt.Errorf("encoding action: %w", err)
	}
	return buf.Bytes(), nil
}

// orderedMap preserves JSON object key order, which encoding/json maps do
// not.
type orderedMap struct {
	keys   []string
	values []any
}

func parseOrdered(dec *json.Decoder) (any, error) {
	token, err := dec.Token()
	if err != nil {
		return nil, err
	}
	return parseOrderedToken(dec, token)
}

func parseOrderedToken(dec *json.Decoder, token json.Token) (any, error) {
	switch t := token.(type) {
	case json.Delim:
		switch t {
		case '{':
			obj := &orderedMap{}
			for dec.More() {
				keyToken, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyToken.(string)
				if !ok {
					return nil, fmt.Errorf("unexpected object key %v", keyToken)
				}
				value, err := parseOrdered(dec)
				if err != nil {
					return nil, err
				}
				obj.keys = append(obj.keys, key)
				obj.values = append(obj.values, value)
			}
			// consume '}'
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return obj, nil
		case '[':
			var arr []any
			for dec.More() {
				value, err := parseOrdered(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, value)
			}
			// consume ']'
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return arr, nil
		default:
			return nil, fmt.Errorf("unexpected delimiter %v", t)
		}
	default:
		return token, nil
	}
}

func encodeOrdered(enc *msgpack.Encoder, value any) error {
	switch v := value.(type) {
	case *orderedMap:
		if err := enc.EncodeMapLen(len(v.keys)); err != nil {
			return err
		}
		for i, key := range v.keys {
			if err := enc.EncodeString(key); err != nil {
				return err
			}
			if err := encodeOrdered(enc, v.values[i]); err != nil {
				return err
			}
		}
		return nil
	case []any:
		if err := enc.EncodeArrayLen(len(v)); err != nil {
			return err
		}
		for _, item := range v {
			if err := encodeOrdered(enc, item); err != nil {
				return err
			}
		}
		return nil
	case string:
		return enc.EncodeString(v)
	case bool:
		return enc.EncodeBool(v)
	case nil:
		return enc.EncodeNil()
	case json.Number:
		return encodeNumber(enc, v)
	default:
		return fmt.Errorf("unsupported JSON value %T", value)
	}
}

// encodeNumber keeps integer values in the unsigned/signed integer families
// the exchange encoder uses; anything else becomes a float64.
func encodeNumber(enc *msgpack.Encoder, n json.Number) error {
	if i, err := n.Int64(); err == nil {
		if i >= 0 {
			return enc.EncodeUint(uint64(i))
		}
		return enc.EncodeInt(i)
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("unrepresentable number %q: %w", n.String(), err)
	}
	return enc.EncodeFloat64(f)
}
