package scpi

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/TheCacophonyProject/discharge-tester/serialhelper"
	"github.com/sirupsen/logrus"
)

type Kind string

const (
	KindSerial Kind = "serial"
	KindTCP    Kind = "tcp"
	KindUSBTMC Kind = "usbtmc"

	// DefaultPort is the raw SCPI socket port of LXI instruments.
	DefaultPort = 5555
	DefaultBaud = 9600
)

// Resource names one instrument channel.
type Resource struct {
	Kind    Kind
	Address string // device path or host:port
	Baud    int
}

func (r Resource) String() string {
	switch r.Kind {
	case KindTCP:
		return "tcp://" + r.Address
	case KindSerial:
		return fmt.Sprintf("serial://%s?baud=%d", r.Address, r.Baud)
	default:
		return string(r.Kind) + "://" + r.Address
	}
}

// ParseResource accepts "tcp://host[:port]", "serial:///dev/ttyUSB0[?baud=N]",
// "usbtmc:///dev/usbtmc0", or a bare device path whose kind is guessed from its name.
func ParseResource(s string) (Resource, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Resource{}, fmt.Errorf("empty resource")
	}
	scheme, rest, found := strings.Cut(s, "://")
	if !found {
		rest = s
		scheme = string(guessKind(s))
	}

	switch Kind(scheme) {
	case KindTCP:
		host, port, err := net.SplitHostPort(rest)
		if err != nil {
			host = rest
			port = strconv.Itoa(DefaultPort)
		}
		if host == "" {
			return Resource{}, fmt.Errorf("missing host in '%s'", s)
		}
		return Resource{Kind: KindTCP, Address: net.JoinHostPort(host, port)}, nil
	case KindSerial:
		path, query, _ := strings.Cut(rest, "?")
		baud := DefaultBaud
		if query != "" {
			key, val, _ := strings.Cut(query, "=")
			if key != "baud" {
				return Resource{}, fmt.Errorf("unknown serial option '%s'", key)
			}
			b, err := strconv.Atoi(val)
			if err != nil || b <= 0 {
				return Resource{}, fmt.Errorf("invalid baud rate '%s'", val)
			}
			baud = b
		}
		return Resource{Kind: KindSerial, Address: path, Baud: baud}, nil
	case KindUSBTMC:
		return Resource{Kind: KindUSBTMC, Address: rest}, nil
	default:
		return Resource{}, fmt.Errorf("unknown resource kind '%s'", scheme)
	}
}

func guessKind(s string) Kind {
	switch {
	case strings.HasPrefix(filepath.Base(s), "usbtmc"):
		return KindUSBTMC
	case strings.HasPrefix(s, "/dev/"):
		return KindSerial
	default:
		return KindTCP
	}
}

// Open opens the channel named by r.
func Open(r Resource, timeout time.Duration, log logrus.FieldLogger) (*Client, error) {
	var (
		client *Client
		err    error
	)
	switch r.Kind {
	case KindTCP:
		var conn net.Conn
		conn, err = net.DialTimeout("tcp", r.Address, timeout)
		if err == nil {
			client = NewClient(r.String(), conn, timeout, log)
		}
	case KindSerial:
		var port *serialhelper.Port
		port, err = serialhelper.Open(r.Address, r.Baud, timeout, 3, time.Second)
		if err == nil {
			client = NewClient(r.String(), port, timeout, log)
		}
	case KindUSBTMC:
		var f *os.File
		f, err = os.OpenFile(r.Address, os.O_RDWR, 0)
		if err == nil {
			client = NewClient(r.String(), f, 0, log)
		}
	default:
		err = fmt.Errorf("unknown resource kind '%s'", r.Kind)
	}
	if err != nil {
		return nil, &CommunicationError{Op: "open", Resource: r.String(), Err: err}
	}
	return client, nil
}

var localPatterns = []string{"/dev/usbtmc*", "/dev/ttyUSB*", "/dev/ttyACM*"}

// LocalResources lists the instrument channels attached to this machine.
func LocalResources() []Resource {
	resources := []Resource{}
	for _, pattern := range localPatterns {
		matches, _ := filepath.Glob(pattern)
		sort.Strings(matches)
		for _, m := range matches {
			r, err := ParseResource(m)
			if err == nil {
				resources = append(resources, r)
			}
		}
	}
	return resources
}

// Dial parses name as a resource and opens it.
func Dial(name string, timeout time.Duration, log logrus.FieldLogger) (*Client, error) {
	r, err := ParseResource(name)
	if err != nil {
		return nil, err
	}
	return Open(r, timeout, log)
}
