package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/org/piiguard/internal/errs"
)

// GetJSON loads key into dst. It returns false without error when the key is absent.
func GetJSON(ctx context.Context, s Store, key string, dst any) (bool, error) {
	data, err := s.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("%w: decoding %s: %w", errs.ErrStorage, key, err)
	}
	return true, nil
}

// SetJSON stores v under key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.Set(ctx, key, data)
}

// LoadList returns the list stored under key, or an empty list.
func LoadList[T any](ctx context.Context, s Store, key string) ([]T, error) {
	var list []T
	if _, err := GetJSON(ctx, s, key, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// UpdateList applies fn to the list stored under key inside one Update.
func UpdateList[T any](ctx context.Context, s Store, key string, fn func([]T) ([]T, error)) error {
	return s.Update(ctx, key, func(old []byte) ([]byte, error) {
		var list []T
		if old != nil {
			if err := json.Unmarshal(old, &list); err != nil {
				return nil, fmt.Errorf("%w: decoding %s: %w", errs.ErrStorage, key, err)
			}
		}
		next, err := fn(list)
		if err != nil {
			return nil, err
		}
		if next == nil {
			next = []T{}
		}
		return json.Marshal(next)
	})
}
