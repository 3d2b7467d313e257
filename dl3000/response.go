package dl3000

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// statusOK is the only secondary field value accepted after a measurement.
// Some firmware sends it on a second line after the value.
const statusOK = "0"

// ProtocolError is a response that arrived but can't be used as the expected type.
type ProtocolError struct {
	Command  string
	Response string
	Reason   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("bad response to '%s': %s (got %q)", e.Command, e.Reason, e.Response)
}

// splitFields returns the value field of a response, rejecting any shape other
// than "value" or "value\n0".
func splitFields(cmd, resp string) (string, error) {
	fields := strings.Split(strings.TrimRight(resp, " \t\r\n"), "\n")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	switch len(fields) {
	case 1:
	case 2:
		if fields[1] != statusOK {
			return "", &ProtocolError{Command: cmd, Response: resp, Reason: fmt.Sprintf("unexpected status field '%s'", fields[1])}
		}
	default:
		return "", &ProtocolError{Command: cmd, Response: resp, Reason: fmt.Sprintf("expected 1 or 2 fields, got %d", len(fields))}
	}
	if fields[0] == "" {
		return "", &ProtocolError{Command: cmd, Response: resp, Reason: "empty value"}
	}
	return fields[0], nil
}

func parseFloat(cmd, resp string) (float64, error) {
	field, err := splitFields(cmd, resp)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(field, 64)
	if err != nil {
		return 0, &ProtocolError{Command: cmd, Response: resp, Reason: "not a number"}
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, &ProtocolError{Command: cmd, Response: resp, Reason: "not a finite number"}
	}
	return v, nil
}

func parseString(cmd, resp string) (string, error) {
	return splitFields(cmd, resp)
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Identity is the parsed answer to *IDN?.
type Identity struct {
	Raw          string
	Manufacturer string
	Model        string
	Serial       string
	Firmware     string
}

func ParseIdentity(idn string) Identity {
	idn = strings.TrimSpace(idn)
	id := Identity{Raw: idn}
	parts := strings.Split(idn, ",")
	fields := []*string{&id.Manufacturer, &id.Model, &id.Serial, &id.Firmware}
	for i := 0; i < len(parts) && i < len(fields); i++ {
		*fields[i] = strings.TrimSpace(parts[i])
	}
	return id
}

// IsDL3000 matches the identification strings of the DL3000 series.
func (id Identity) IsDL3000() bool {
	return strings.Contains(id.Raw, "RIGOL") && strings.Contains(id.Raw, "DL30")
}

func (id Identity) String() string {
	if id.Model == "" {
		return id.Raw
	}
	return fmt.Sprintf("%s %s (serial %s, firmware %s)", id.Manufacturer, id.Model, id.Serial, id.Firmware)
}
