package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevelGating(t *testing.T) {
	defer SetLogLevel(LevelWarn)

	var out bytes.Buffer
	l := New("test", &out)

	SetLogLevel(LevelWarn)
	l.Infof("hidden")
	require.Zero(t, out.Len())
	l.Warnf("shown")
	require.Contains(t, out.String(), "shown")
	require.Contains(t, out.String(), "Warn")

	out.Reset()
	SetLogLevel(LevelTrace)
	l.Tracef("now visible")
	require.Contains(t, out.String(), "now visible")
}

func TestSetDebugLevelMapping(t *testing.T) {
	defer SetLogLevel(LevelWarn)

	cases := map[int]struct {
		visible string
		hidden  string
	}{
		0: {"Errorf", "Infof"},
		1: {"Infof", "Debugf"},
		2: {"Debugf", "Tracef"},
		3: {"Tracef", ""},
	}
	for debug, want := range cases {
		var out bytes.Buffer
		l := New("test", &out)
		SetDebugLevel(debug)

		emit := map[string]func(string, ...interface{}){
			"Errorf": l.Errorf,
			"Infof":  l.Infof,
			"Debugf": l.Debugf,
			"Tracef": l.Tracef,
		}
		emit[want.visible]("visible-%d", debug)
		require.Contains(t, out.String(), "visible", "debug level %d", debug)
		if want.hidden != "" {
			out.Reset()
			emit[want.hidden]("hidden-%d", debug)
			require.Zero(t, out.Len(), "debug level %d", debug)
		}
	}
}

func TestPrefixCarriesNameAndLocation(t *testing.T) {
	defer SetLogLevel(LevelWarn)

	var out bytes.Buffer
	l := New("mydev", &out)
	SetLogLevel(LevelInfo)
	l.Infof("hello")
	require.Contains(t, out.String(), "mydev")
	require.Contains(t, out.String(), "logging_test.go:")
}
