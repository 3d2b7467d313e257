package serialhelper

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/TheCacophonyProject/discharge-tester/internal/logging"
	"github.com/tarm/serial"
)

var log = logging.NewLogger("info")

const cmdlineFile = "/boot/firmware/cmdline.txt"

type SerialUnavailableError struct {
	msg string
}

func (e *SerialUnavailableError) Error() string {
	return e.msg
}

func NewSerialUnavailableError(msg string) error {
	return &SerialUnavailableError{msg: msg}
}

// SerialInUseFromTerminal reports if the kernel console has been put on the device.
func SerialInUseFromTerminal(device string) bool {
	b, err := os.ReadFile(cmdlineFile)
	if err != nil {
		log.Debugf("Error when reading %s: %s", cmdlineFile, err)
		return false
	}
	return strings.Contains(string(b), "console="+filepath.Base(device))
}

// GetSerial will try to get a file lock on the serial device.
// defer ReleaseSerial(serialFile) should be called to release the lock and close the file.
func GetSerial(device string, retries int, wait time.Duration) (*os.File, error) {
	if SerialInUseFromTerminal(device) {
		return nil, NewSerialUnavailableError(fmt.Sprintf("%s is in use by the terminal console", device))
	}

	serialFile, err := os.OpenFile(device, os.O_RDWR, 0666)
	if err != nil {
		return nil, err
	}
	lockAcquired := false
	defer func() {
		if !lockAcquired {
			serialFile.Close()
		}
	}()

	i := retries
	for {
		err = syscall.Flock(int(serialFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			lockAcquired = true
			break
		}

		if errno, ok := err.(syscall.Errno); ok && errno == syscall.EWOULDBLOCK {
			process, err := getLockingProcess(device)
			if err != nil {
				log.Debugf("Error checking locking process: %v", err)
			} else if process != "" {
				log.Printf("%s is locked by process: %s", device, strings.TrimSpace(process))
			}

			if i > 0 {
				log.Printf("%s is locked by another process. Retrying %d more times in %s...", device, i, wait)
				time.Sleep(wait)
				i--
			} else {
				return nil, NewSerialUnavailableError(fmt.Sprintf("failed to get lock on %s, might be in use by other process", device))
			}
		} else {
			return nil, err
		}
	}

	return serialFile, nil
}

func getLockingProcess(device string) (string, error) {
	cmd := exec.Command("fuser", device)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	err := cmd.Run()
	if err != nil {
		if exitError, ok := err.(*exec.ExitError); ok && exitError.ExitCode() == 1 {
			// Exit code 1 from `fuser` means no process is using the file
			return "", nil
		}
		return "", fmt.Errorf("failed to execute fuser: %v", err)
	}
	return output.String(), nil
}

func ReleaseSerial(serialFile *os.File) error {
	err := syscall.Flock(int(serialFile.Fd()), syscall.LOCK_UN)
	serialFile.Close()
	return err
}

// Port is an open serial port that holds the device lock for as long as it is open.
type Port struct {
	lock *os.File
	port io.ReadWriteCloser
}

// Open locks the device and opens it at the given baud rate.
// A read that sees no data within readTimeout returns zero bytes.
func Open(device string, baud int, readTimeout time.Duration, retries int, wait time.Duration) (*Port, error) {
	lock, err := GetSerial(device, retries, wait)
	if err != nil {
		return nil, err
	}

	c := &serial.Config{Name: device, Baud: baud, ReadTimeout: readTimeout}
	serialPort, err := serial.OpenPort(c)
	if err != nil {
		ReleaseSerial(lock)
		return nil, err
	}
	return &Port{lock: lock, port: serialPort}, nil
}

func (p *Port) Read(b []byte) (int, error) {
	return p.port.Read(b)
}

func (p *Port) Write(b []byte) (int, error) {
	n, err := p.port.Write(b)
	if err != nil {
		return n, err
	}
	if n != len(b) {
		return n, fmt.Errorf("wrote %d bytes, expected %d", n, len(b))
	}
	return n, nil
}

func (p *Port) Close() error {
	err := p.port.Close()
	if releaseErr := ReleaseSerial(p.lock); err == nil {
		err = releaseErr
	}
	return err
}
