// Package abortpin stops a running test when a push button pulls a GPIO pin low.
package abortpin

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

const pollInterval = 250 * time.Millisecond

// Watch configures the named pin as a pulled up input and calls stop on its
// first falling edge. Watching ends when ctx is done.
func Watch(ctx context.Context, pinName string, stop func(), log logrus.FieldLogger) error {
	if _, err := host.Init(); err != nil {
		return err
	}
	pin := gpioreg.ByName(pinName)
	if pin == nil {
		return fmt.Errorf("failed to find GPIO pin '%s'", pinName)
	}
	if err := pin.In(gpio.PullUp, gpio.FallingEdge); err != nil {
		return fmt.Errorf("failed to configure pin %s: %w", pinName, err)
	}
	log.Infof("Watching %s for the abort button", pinName)
	go watchPin(ctx, pin, stop, log)
	return nil
}

func watchPin(ctx context.Context, pin gpio.PinIn, stop func(), log logrus.FieldLogger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if pin.WaitForEdge(pollInterval) && pin.Read() == gpio.Low {
			log.Warnf("Abort button on %s pressed, stopping test", pin.Name())
			stop()
			return
		}
	}
}
