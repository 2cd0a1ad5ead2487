package main

import (
	"testing"

	"github.com/ternnet/tern"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		input   string
		want    tern.PacketMode
		wantErr bool
	}{
		{input: "reliable", want: tern.ReliableSequenced},
		{input: "sequenced", want: tern.UnreliableSequenced},
		{input: "unsequenced", want: tern.UnreliableUnsequenced},
		{input: "Reliable", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		got, err := parseMode(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseMode(%q) succeeded, want error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseMode(%q) failed: %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseMode(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestCommandWiring(t *testing.T) {
	serve := serveCmd()
	if serve.Use != "serve" {
		t.Errorf("serve command Use = %q", serve.Use)
	}
	if serve.Flags().Lookup("config") == nil {
		t.Error("serve command is missing the config flag")
	}

	send := sendCmd()
	if send.Use != "send" {
		t.Errorf("send command Use = %q", send.Use)
	}
	for _, flag := range []string{"host", "port", "channel", "message", "mode"} {
		if send.Flags().Lookup(flag) == nil {
			t.Errorf("send command is missing the %s flag", flag)
		}
	}
}
