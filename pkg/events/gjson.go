package events

import "github.com/tidwall/gjson"

func gjsonInt(payload []byte, path string) int64 {
	return gjson.GetBytes(payload, path).Int()
}

func gjsonString(payload []byte, path string) string {
	return gjson.GetBytes(payload, path).String()
}

func gjsonExists(payload []byte, path string) bool {
	return gjson.GetBytes(payload, path).Exists()
}
