package schema

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Converter translates member values to and from their stored form.
type Converter interface {
	// ToStorage converts a member value into a driver value.
	ToStorage(v any) (any, error)
	// FromStorage converts a driver value into a value assignable to t.
	FromStorage(src any, t reflect.Type) (any, error)
}

// JSONConverter stores values as JSON text.
type JSONConverter struct{}

// ToStorage implements Converter.
func (JSONConverter) ToStorage(v any) (any, error) {
	if isNil(v) {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("schema: json encode %T: %w", v, err)
	}
	return string(b), nil
}

// FromStorage implements Converter.
func (JSONConverter) FromStorage(src any, t reflect.Type) (any, error) {
	ptr := reflect.New(t)
	b, ok := asBytes(src)
	if !ok || len(b) == 0 {
		return ptr.Elem().Interface(), nil
	}
	if err := json.Unmarshal(b, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("schema: json decode into %s: %w", t, err)
	}
	return ptr.Elem().Interface(), nil
}

// MsgpackConverter stores values as MessagePack blobs.
type MsgpackConverter struct{}

// ToStorage implements Converter.
func (MsgpackConverter) ToStorage(v any) (any, error) {
	if isNil(v) {
		return nil, nil
	}
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("schema: msgpack encode %T: %w", v, err)
	}
	return b, nil
}

// FromStorage implements Converter.
func (MsgpackConverter) FromStorage(src any, t reflect.Type) (any, error) {
	ptr := reflect.New(t)
	b, ok := asBytes(src)
	if !ok || len(b) == 0 {
		return ptr.Elem().Interface(), nil
	}
	if err := msgpack.Unmarshal(b, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("schema: msgpack decode into %s: %w", t, err)
	}
	return ptr.Elem().Interface(), nil
}

// UUIDConverter stores uuid.UUID members as text, or as 16 raw bytes when
// Binary is set.
type UUIDConverter struct {
	Binary bool
}

// ToStorage implements Converter.
func (c UUIDConverter) ToStorage(v any) (any, error) {
	var id uuid.UUID
	switch v := v.(type) {
	case nil:
		return nil, nil
	case uuid.UUID:
		id = v
	case *uuid.UUID:
		if v == nil {
			return nil, nil
		}
		id = *v
	case string:
		parsed, err := uuid.Parse(v)
		if err != nil {
			return nil, fmt.Errorf("schema: uuid: %w", err)
		}
		id = parsed
	default:
		return nil, fmt.Errorf("schema: uuid: unsupported value %T", v)
	}
	if c.Binary {
		return id[:], nil
	}
	return id.String(), nil
}

// FromStorage implements Converter.
func (UUIDConverter) FromStorage(src any, t reflect.Type) (any, error) {
	var (
		id  uuid.UUID
		err error
	)
	switch v := src.(type) {
	case nil:
		return reflect.Zero(t).Interface(), nil
	case []byte:
		if len(v) == 16 {
			id, err = uuid.FromBytes(v)
		} else {
			id, err = uuid.ParseBytes(v)
		}
	case string:
		id, err = uuid.Parse(v)
	default:
		return nil, fmt.Errorf("schema: uuid: unsupported storage value %T", src)
	}
	if err != nil {
		return nil, fmt.Errorf("schema: uuid: %w", err)
	}
	if t.Kind() == reflect.Pointer {
		return &id, nil
	}
	return id, nil
}

func asBytes(src any) ([]byte, bool) {
	switch v := src.(type) {
	case []byte:
		return v, true
	case string:
		return []byte(v), true
	}
	return nil, false
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
