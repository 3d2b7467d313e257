package scpi

import (
	"bufio"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serveInstrument answers each line read from conn using responses. Commands with
// no entry get no answer.
func serveInstrument(conn net.Conn, responses map[string]string, received chan<- string) {
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimSpace(line)
		received <- cmd
		if resp, ok := responses[cmd]; ok {
			if _, err := io.WriteString(conn, resp); err != nil {
				return
			}
		}
	}
}

func newPipeClient(t *testing.T, responses map[string]string) (*Client, chan string) {
	local, remote := net.Pipe()
	received := make(chan string, 16)
	go serveInstrument(remote, responses, received)
	t.Cleanup(func() { remote.Close() })
	logger, _ := test.NewNullLogger()
	return NewClient("pipe", local, 200*time.Millisecond, logger), received
}

func TestQuery(t *testing.T) {
	client, received := newPipeClient(t, map[string]string{
		"*IDN?": "RIGOL TECHNOLOGIES,DL3021,DL3A204100212,00.01.02.00.01\n",
	})
	defer client.Close()

	resp, err := client.Query("*IDN?")
	require.NoError(t, err)
	assert.Equal(t, "RIGOL TECHNOLOGIES,DL3021,DL3A204100212,00.01.02.00.01", resp)
	assert.Equal(t, "*IDN?", <-received)
}

func TestWriteSendsTerminatedCommand(t *testing.T) {
	client, received := newPipeClient(t, nil)
	defer client.Close()

	require.NoError(t, client.Write(":SOURCE:INPUT:STAT ON"))
	assert.Equal(t, ":SOURCE:INPUT:STAT ON", <-received)
}

func TestQueryTimeout(t *testing.T) {
	client, _ := newPipeClient(t, nil)
	defer client.Close()

	_, err := client.Query(":MEAS:VOLT?")
	var commErr *CommunicationError
	require.True(t, errors.As(err, &commErr), "expected CommunicationError, got %v", err)
	assert.Equal(t, "read", commErr.Op)
	assert.Equal(t, ":MEAS:VOLT?", commErr.Command)
	assert.True(t, commErr.Timeout())
}

func TestUseAfterClose(t *testing.T) {
	client, _ := newPipeClient(t, nil)
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	err := client.Write("*RST")
	var commErr *CommunicationError
	require.True(t, errors.As(err, &commErr))
	assert.True(t, errors.Is(err, os.ErrClosed))
}

type stalledPort struct{}

func (stalledPort) Read(b []byte) (int, error)  { return 0, nil }
func (stalledPort) Write(b []byte) (int, error) { return len(b), nil }
func (stalledPort) Close() error                { return nil }

func TestZeroByteReadIsTimeout(t *testing.T) {
	logger, _ := test.NewNullLogger()
	client := NewClient("serial", stalledPort{}, 0, logger)

	_, err := client.Query(":MEAS:CURR?")
	assert.True(t, errors.Is(err, ErrTimeout))
}

type scriptedPort struct {
	reads []string
}

func (p *scriptedPort) Read(b []byte) (int, error) {
	if len(p.reads) == 0 {
		return 0, io.EOF
	}
	n := copy(b, p.reads[0])
	p.reads = p.reads[1:]
	return n, nil
}
func (p *scriptedPort) Write(b []byte) (int, error) { return len(b), nil }
func (p *scriptedPort) Close() error                { return nil }

func TestQueryReadsOneLine(t *testing.T) {
	logger, _ := test.NewNullLogger()
	client := NewClient("usbtmc", &scriptedPort{reads: []string{"0.000067\n0\n"}}, 0, logger)

	resp, err := client.Query(":MEAS:VOLT?")
	require.NoError(t, err)
	assert.Equal(t, "0.000067", resp)

	status, err := client.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "0", status)
}

// splitWriter answers each command with its value line, waits, then sends the
// status line in a second write.
func splitWriter(conn net.Conn, values map[string]string) {
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		value, ok := values[strings.TrimSpace(line)]
		if !ok {
			continue
		}
		if _, err := io.WriteString(conn, value+"\n"); err != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
		if _, err := io.WriteString(conn, "0\n"); err != nil {
			return
		}
	}
}

func TestStatusLineInSeparateWrite(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		splitWriter(conn, map[string]string{":MEAS:VOLT?": "3.000000", ":MEAS:CURR?": "0.050000"})
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	logger, _ := test.NewNullLogger()
	client := NewClient("tcp", conn, time.Second, logger)
	defer client.Close()

	volt, err := client.QueryLines(":MEAS:VOLT?", 2)
	require.NoError(t, err)
	assert.Equal(t, "3.000000\n0", volt)

	curr, err := client.QueryLines(":MEAS:CURR?", 2)
	require.NoError(t, err)
	assert.Equal(t, "0.050000\n0", curr)

	curr, err = client.Query(":MEAS:CURR?")
	require.NoError(t, err)
	assert.Equal(t, "0.050000", curr)
	status, err := client.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "0", status)
}

func TestParseResource(t *testing.T) {
	tests := []struct {
		in   string
		want Resource
	}{
		{"tcp://192.168.1.20", Resource{Kind: KindTCP, Address: "192.168.1.20:5555"}},
		{"tcp://dl3021.lab:5025", Resource{Kind: KindTCP, Address: "dl3021.lab:5025"}},
		{"192.168.1.20", Resource{Kind: KindTCP, Address: "192.168.1.20:5555"}},
		{"serial:///dev/ttyUSB0?baud=115200", Resource{Kind: KindSerial, Address: "/dev/ttyUSB0", Baud: 115200}},
		{"/dev/ttyUSB1", Resource{Kind: KindSerial, Address: "/dev/ttyUSB1", Baud: DefaultBaud}},
		{"/dev/usbtmc0", Resource{Kind: KindUSBTMC, Address: "/dev/usbtmc0"}},
		{"usbtmc:///dev/usbtmc1", Resource{Kind: KindUSBTMC, Address: "/dev/usbtmc1"}},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseResource(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	for _, bad := range []string{"", "gpib://0", "serial:///dev/ttyUSB0?baud=fast", "serial:///dev/ttyUSB0?parity=odd", "tcp://:5555"} {
		_, err := ParseResource(bad)
		assert.Error(t, err, bad)
	}
}

func TestResourceStringRoundTrip(t *testing.T) {
	for _, s := range []string{"tcp://10.0.0.2:5555", "serial:///dev/ttyACM0?baud=9600", "usbtmc:///dev/usbtmc0"} {
		r, err := ParseResource(s)
		require.NoError(t, err)
		assert.Equal(t, s, r.String())
	}
}
