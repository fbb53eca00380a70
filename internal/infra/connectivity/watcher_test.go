package connectivity

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressFromURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"https://abc.supabase.co", "abc.supabase.co:443", false},
		{"http://localhost:54321", "localhost:54321", false},
		{"http://backend", "backend:80", false},
		{"not a url", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := AddressFromURL(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWatcher_CheckAgainstListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	w := NewWatcher(Config{Address: addr}, nil)
	var transitions []bool
	w.OnChange(func(online bool) { transitions = append(transitions, online) })

	assert.True(t, w.Check(context.Background()))
	assert.Empty(t, transitions, "already online")

	require.NoError(t, ln.Close())
	assert.False(t, w.Check(context.Background()))
	assert.False(t, w.Online())
	assert.Equal(t, []bool{false}, transitions)
}

func TestWatcher_SetEmitsOnlyTransitions(t *testing.T) {
	w := NewWatcher(Config{}, nil)
	var transitions []bool
	w.OnChange(func(online bool) { transitions = append(transitions, online) })

	w.Set(true)
	w.Set(false)
	w.Set(false)
	w.Set(true)

	assert.Equal(t, []bool{false, true}, transitions)
}

func TestWatcher_DisabledProbeKeepsSignal(t *testing.T) {
	w := NewWatcher(Config{}, nil)
	w.dial = func(context.Context, string, string) (net.Conn, error) {
		return nil, errors.New("must not dial")
	}

	assert.True(t, w.Check(context.Background()))
	w.Set(false)
	assert.False(t, w.Check(context.Background()))
}
