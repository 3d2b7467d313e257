package dl3000

import (
	"fmt"
)

// Virtual front panel key codes.
const (
	keyMenu3    = 16
	keyDigit0   = 20
	keyPoint    = 30
	keyOK       = 41
	cmdKey      = ":SYSTEM:KEY %d"
	cmdDebugOn  = ":DEBUG:KEY ON"
	cmdDebugOff = ":DEBUG:KEY OFF"
)

// panelKeys is the key sequence that enters volts as V_Stop on the battery mode screen.
func panelKeys(volts float64) ([]int, error) {
	if volts < 0 {
		return nil, fmt.Errorf("stop voltage %.3f is negative", volts)
	}
	keys := []int{keyMenu3, keyMenu3}
	for _, c := range fmt.Sprintf("%.3f", volts) {
		switch {
		case c == '.':
			keys = append(keys, keyPoint)
		case c >= '0' && c <= '9':
			keys = append(keys, keyDigit0+int(c-'0'))
		default:
			return nil, fmt.Errorf("can't enter '%c' on the keypad", c)
		}
	}
	return append(keys, keyOK), nil
}

func (l *Load) setStopVoltagePanel(volts float64) (err error) {
	keys, err := panelKeys(volts)
	if err != nil {
		return err
	}

	short := l.keyDelay / 2
	long := l.keyDelay * 5 / 2

	if err := l.conn.Write(cmdDebugOn); err != nil {
		return err
	}
	defer func() {
		if offErr := l.conn.Write(cmdDebugOff); offErr != nil && err == nil {
			err = offErr
		}
	}()
	l.sleep(short)

	if err := l.SetAppMode(AppModeBattery); err != nil {
		return err
	}
	l.sleep(long)

	for i, key := range keys {
		if err := l.conn.Write(fmt.Sprintf(cmdKey, key)); err != nil {
			return fmt.Errorf("panel key %d of %d: %w", i+1, len(keys), err)
		}
		// The second menu press opens the V_Stop field, which needs longer to draw.
		if i == 1 {
			l.sleep(long)
		} else {
			l.sleep(l.keyDelay)
		}
	}
	l.log.Debugf("Entered stop voltage %.3f V with %d panel keys", volts, len(keys))
	return nil
}
