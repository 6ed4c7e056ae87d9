package queue

import (
	"errors"
	"testing"

	redis "github.com/redis/go-redis/v9"
)

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name string
		msg  redis.XMessage
		want string
	}{
		{"string payload", redis.XMessage{ID: "1-0", Values: map[string]any{"data": `{"job_id":"a"}`}}, `{"job_id":"a"}`},
		{"byte payload", redis.XMessage{ID: "2-0", Values: map[string]any{"data": []byte("x")}}, "x"},
		{"missing field", redis.XMessage{ID: "3-0", Values: map[string]any{"other": "x"}}, ""},
		{"unexpected type", redis.XMessage{ID: "4-0", Values: map[string]any{"data": 42}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, data := decodeMessage(tt.msg)
			if id != tt.msg.ID {
				t.Errorf("id = %q, want %q", id, tt.msg.ID)
			}
			if string(data) != tt.want {
				t.Errorf("data = %q, want %q", data, tt.want)
			}
		})
	}
}

func TestIsBusyGroupErr(t *testing.T) {
	if isBusyGroupErr(nil) {
		t.Error("nil is not BUSYGROUP")
	}
	if !isBusyGroupErr(errors.New("BUSYGROUP Consumer Group name already exists")) {
		t.Error("BUSYGROUP error not recognized")
	}
	if isBusyGroupErr(errors.New("NOGROUP No such key")) {
		t.Error("NOGROUP reported as BUSYGROUP")
	}
}
