package task

import (
	"context"
	"encoding/json"
	"fmt"
)

// MarshalData encodes v as task data. A nil v yields nil data.
func MarshalData(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode task data: %w", err)
	}
	return b, nil
}

// UnmarshalData decodes task data into a T. Empty data yields the zero T.
func UnmarshalData[T any](data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode task data: %w", err)
	}
	return v, nil
}

// JSON adapts a handler taking a typed payload. Data that fails to decode
// fails the execution without calling fn.
func JSON[T any](fn func(ctx context.Context, inst Instance, data T, ec ExecutionContext) error) Handler {
	return HandlerFunc(func(ctx context.Context, inst Instance, ec ExecutionContext) error {
		v, err := UnmarshalData[T](inst.Data)
		if err != nil {
			return fmt.Errorf("%s/%s: %w", inst.TaskName, inst.ID, err)
		}
		return fn(ctx, inst, v, ec)
	})
}

// JSONInstance builds an instance whose data is v encoded as JSON.
func JSONInstance(name, id string, v any) (Instance, error) {
	data, err := MarshalData(v)
	if err != nil {
		return Instance{}, err
	}
	return NewInstance(name, id, data), nil
}
