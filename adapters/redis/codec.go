package redis

import (
	"encoding/base64"
	"errors"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrPointerType = errors.New("pointer type is not allowed")
)

// EncodeValues 將struct序列化成stream entry的欄位
// payload欄位為msgpack加base64的結果
func EncodeValues[T any](data T) (map[string]any, error) {
	// 指標類型的零值解碼後拿不回原始資料，直接拒絕
	if reflect.TypeOf(data).Kind() == reflect.Ptr {
		return nil, ErrPointerType
	}

	bytes, err := msgpack.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("msgpack marshal error: %w", err)
	}

	return map[string]any{
		"payload": base64.StdEncoding.EncodeToString(bytes),
	}, nil
}

// DecodeValues 將stream entry的欄位還原成struct
func DecodeValues[T any](values map[string]any) (T, error) {
	var result T

	if reflect.TypeOf(result).Kind() == reflect.Ptr {
		return result, ErrPointerType
	}

	if len(values) == 0 {
		return result, nil
	}

	payload, ok := values["payload"].(string)
	if !ok {
		return result, fmt.Errorf("payload field not found or invalid type")
	}

	bytes, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return result, fmt.Errorf("base64 decode error: %w", err)
	}

	if err := msgpack.Unmarshal(bytes, &result); err != nil {
		return result, fmt.Errorf("msgpack unmarshal error: %w", err)
	}

	return result, nil
}
