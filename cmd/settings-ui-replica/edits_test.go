package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEdit(t *testing.T) {
	tests := []struct {
		in   string
		want edit
	}{
		{"set:/name=alice", edit{verb: "set", ptr: "/name", args: []string{"alice"}}},
		{"set:/url=a=b", edit{verb: "set", ptr: "/url", args: []string{"a=b"}}},
		{"set:/name=", edit{verb: "set", ptr: "/name", args: []string{""}}},
		{"unset:/port", edit{verb: "unset", ptr: "/port"}},
		{"add:/servers", edit{verb: "add", ptr: "/servers"}},
		{"remove:/servers=1", edit{verb: "remove", ptr: "/servers", args: []string{"1"}}},
		{"move:/servers=2,0", edit{verb: "move", ptr: "/servers", args: []string{"2", "0"}}},
		{"key:/env=HOME,USER", edit{verb: "key", ptr: "/env", args: []string{"HOME", "USER"}}},
		{"schema:https://x.test/s.json", edit{verb: "schema", args: []string{"https://x.test/s.json"}}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseEdit(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseEdit_Errors(t *testing.T) {
	for _, in := range []string{
		"",
		"set",
		"set:/name",
		"unset:/port=1",
		"move:/arr=1",
		"key:/m=a",
		"frobnicate:/x",
	} {
		_, err := parseEdit(in)
		assert.Error(t, err, in)
	}
}
