package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// Keys the store owns inside a persisted block. Application fields with the
// same names are overwritten on save.
const (
	keyAddress    = "address"
	keyExpiryDate = "expiryDate"
)

// Block is the state kept for one token.
type Block struct {
	Address    string
	ExpiryDate *time.Time // nil when expiry is disabled
	Values     *Values
}

func newBlock(address string) *Block {
	return &Block{Address: address, Values: NewValues()}
}

// MarshalJSON flattens the block into a single object:
// {"address": ..., "expiryDate": ..., <application fields>...}.
func (b *Block) MarshalJSON() ([]byte, error) {
	var fields map[string]any
	if b.Values != nil {
		fields = b.Values.Snapshot()
	} else {
		fields = make(map[string]any, 2)
	}
	fields[keyAddress] = b.Address
	if b.ExpiryDate != nil {
		fields[keyExpiryDate] = b.ExpiryDate.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(fields)
}

func (b *Block) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if fields == nil {
		return fmt.Errorf("session block is not an object")
	}

	values := NewValues()
	for key, raw := range fields {
		switch key {
		case keyAddress:
			if err := json.Unmarshal(raw, &b.Address); err != nil {
				return fmt.Errorf("invalid %s: %w", keyAddress, err)
			}
		case keyExpiryDate:
			var ts string
			if err := json.Unmarshal(raw, &ts); err != nil {
				return fmt.Errorf("invalid %s: %w", keyExpiryDate, err)
			}
			expiry, err := time.Parse(time.RFC3339Nano, ts)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", keyExpiryDate, err)
			}
			expiry = expiry.UTC()
			b.ExpiryDate = &expiry
		default:
			var val any
			if err := json.Unmarshal(raw, &val); err != nil {
				return err
			}
			values.m[key] = val
		}
	}
	b.Values = values
	return nil
}

// expired reports whether the block's expiry is at or before now.
func (b *Block) expired(now time.Time) bool {
	return b.ExpiryDate != nil && !b.ExpiryDate.After(now)
}
