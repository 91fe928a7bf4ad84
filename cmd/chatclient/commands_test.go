package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    command
		wantErr bool
	}{
		{"shorthand send", "general: hello there", command{name: cmdSend, args: []string{"general", "hello there"}}, false},
		{"send keeps spacing", "/send general  hi  all", command{name: cmdSend, args: []string{"general", "hi  all"}}, false},
		{"media", "/media general img-1 look at this", command{name: cmdMedia, args: []string{"general", "img-1 look at this"}}, false},
		{"read", "/read general m-1", command{name: cmdRead, args: []string{"general", "m-1"}}, false},
		{"join", "/join book-club", command{name: cmdJoin, args: []string{"book-club"}}, false},
		{"profile", "/profile Alice Liddell", command{name: cmdProfile, args: []string{"Alice Liddell"}}, false},
		{"queue", "/queue", command{name: cmdQueue, args: []string{}}, false},
		{"quit", "  /quit  ", command{name: cmdQuit, args: []string{}}, false},
		{"empty", "   ", command{}, true},
		{"no conversation", ": hi", command{}, true},
		{"no text", "general:", command{}, true},
		{"plain text", "hello", command{}, true},
		{"unknown", "/dance", command{}, true},
		{"missing args", "/read general", command{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCommand(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.name, got.name)
			assert.ElementsMatch(t, tt.want.args, got.args)
		})
	}
}
