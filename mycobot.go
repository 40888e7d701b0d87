package cobot_us

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
	"go.viam.com/rdk/logging"
)

// myCobot controller protocol constants
const (
	frameHeader = 0xFE
	frameFooter = 0xFA

	cmdSoftwareVersion  = 0x02
	cmdPowerOn          = 0x10
	cmdReleaseAllServos = 0x13
	cmdGetAngles        = 0x20
	cmdSendAngles       = 0x22
	cmdGetCoords        = 0x23
	cmdSendCoords       = 0x25
	cmdStop             = 0x29
	cmdIsInPosition     = 0x2A
)

type serialPort interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// myCobotDriver talks to the myCobot 280 controller board over its UART.
type myCobotDriver struct {
	port    serialPort
	timeout time.Duration
	logger  logging.Logger
	mu      sync.Mutex
	rx      []byte
}

func openMyCobot(ep Endpoint, logger logging.Logger) (*myCobotDriver, error) {
	ep = ep.withDefaults()
	mode := &serial.Mode{
		BaudRate: ep.Baudrate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(ep.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", ep.Port, err)
	}
	return newMyCobotDriver(port, ep.Timeout, logger), nil
}

func newMyCobotDriver(port serialPort, timeout time.Duration, logger logging.Logger) *myCobotDriver {
	return &myCobotDriver{port: port, timeout: timeout, logger: logger}
}

func encodeFrame(cmd byte, data []byte) []byte {
	frame := []byte{frameHeader, frameHeader, byte(len(data) + 2), cmd}
	frame = append(frame, data...)
	return append(frame, frameFooter)
}

// decodeFrame looks for a complete frame carrying cmd in buf. It returns the
// payload and the number of bytes consumed, or ok=false if more input is needed.
func decodeFrame(buf []byte, cmd byte) (payload []byte, consumed int, ok bool) {
	start := 0
	for {
		idx := bytes.Index(buf[start:], []byte{frameHeader, frameHeader})
		if idx < 0 {
			return nil, 0, false
		}
		idx += start
		if len(buf) < idx+4 {
			return nil, 0, false
		}
		length := int(buf[idx+2])
		if length < 2 {
			start = idx + 1
			continue
		}
		end := idx + 3 + length
		if len(buf) < end {
			return nil, 0, false
		}
		if buf[end-1] != frameFooter || buf[idx+3] != cmd {
			start = idx + 1
			continue
		}
		return buf[idx+4 : end-1], end, true
	}
}

func (d *myCobotDriver) write(cmd byte, data []byte) error {
	if _, err := d.port.Write(encodeFrame(cmd, data)); err != nil {
		return errors.Wrapf(err, "failed to write command 0x%02x", cmd)
	}
	return nil
}

// request sends cmd and waits for the matching reply frame.
func (d *myCobotDriver) request(ctx context.Context, cmd byte, data []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rx = d.rx[:0]
	if err := d.write(cmd, data); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(d.timeout)
	if err := d.port.SetReadTimeout(20 * time.Millisecond); err != nil {
		return nil, errors.Wrap(err, "failed to set read timeout")
	}
	chunk := make([]byte, 64)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := d.port.Read(chunk)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read reply to 0x%02x", cmd)
		}
		d.rx = append(d.rx, chunk[:n]...)
		if payload, _, ok := decodeFrame(d.rx, cmd); ok {
			out := make([]byte, len(payload))
			copy(out, payload)
			return out, nil
		}
	}
	return nil, fmt.Errorf("no reply to command 0x%02x within %s", cmd, d.timeout)
}

// send writes a command that has no reply.
func (d *myCobotDriver) send(cmd byte, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.write(cmd, data)
}

func encodeInt16(dst []byte, v float64) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(int16(math.Round(v))))
	return append(dst, b[:]...)
}

func decodeInt16(b []byte) float64 {
	return float64(int16(binary.BigEndian.Uint16(b)))
}

func encodeAngles(angles JointAngles) []byte {
	data := make([]byte, 0, 2*NumJoints)
	for _, a := range angles {
		data = encodeInt16(data, a*100)
	}
	return data
}

func encodeCoords(c Coords) []byte {
	data := make([]byte, 0, 12)
	for _, v := range []float64{c.X, c.Y, c.Z} {
		data = encodeInt16(data, v*10)
	}
	for _, v := range []float64{c.RX, c.RY, c.RZ} {
		data = encodeInt16(data, v*100)
	}
	return data
}

func (d *myCobotDriver) Version(ctx context.Context) (string, error) {
	reply, err := d.request(ctx, cmdSoftwareVersion, nil)
	if err != nil {
		return "", err
	}
	if len(reply) < 1 {
		return "", errors.New("empty version reply")
	}
	return fmt.Sprintf("myCobot 280 firmware %.1f", float64(reply[0])/10), nil
}

func (d *myCobotDriver) GetAngles(ctx context.Context) (JointAngles, error) {
	var ja JointAngles
	reply, err := d.request(ctx, cmdGetAngles, nil)
	if err != nil {
		return ja, err
	}
	if len(reply) != 2*NumJoints {
		return ja, fmt.Errorf("expected %d angle bytes, got %d", 2*NumJoints, len(reply))
	}
	for i := range ja {
		ja[i] = decodeInt16(reply[2*i:]) / 100
	}
	return ja, nil
}

func (d *myCobotDriver) SendAngles(ctx context.Context, angles JointAngles, speed int) error {
	return d.send(cmdSendAngles, append(encodeAngles(angles), byte(speed)))
}

func (d *myCobotDriver) GetCoords(ctx context.Context) (Coords, error) {
	reply, err := d.request(ctx, cmdGetCoords, nil)
	if err != nil {
		return Coords{}, err
	}
	if len(reply) != 12 {
		return Coords{}, fmt.Errorf("expected 12 coordinate bytes, got %d", len(reply))
	}
	return Coords{
		X:  decodeInt16(reply[0:]) / 10,
		Y:  decodeInt16(reply[2:]) / 10,
		Z:  decodeInt16(reply[4:]) / 10,
		RX: decodeInt16(reply[6:]) / 100,
		RY: decodeInt16(reply[8:]) / 100,
		RZ: decodeInt16(reply[10:]) / 100,
	}, nil
}

func (d *myCobotDriver) SendCoords(ctx context.Context, coords Coords, speed int, mode MoveMode) error {
	data := append(encodeCoords(coords), byte(speed), byte(mode))
	return d.send(cmdSendCoords, data)
}

func (d *myCobotDriver) inPosition(ctx context.Context, data []byte) (bool, error) {
	reply, err := d.request(ctx, cmdIsInPosition, data)
	if err != nil {
		return false, err
	}
	if len(reply) < 1 {
		return false, errors.New("empty position reply")
	}
	switch int8(reply[0]) {
	case 1:
		return true, nil
	case 0:
		return false, nil
	default:
		return false, errors.New("controller reported position check error")
	}
}

func (d *myCobotDriver) AnglesReached(ctx context.Context, target JointAngles) (bool, error) {
	return d.inPosition(ctx, append(encodeAngles(target), 0))
}

func (d *myCobotDriver) CoordsReached(ctx context.Context, target Coords) (bool, error) {
	return d.inPosition(ctx, append(encodeCoords(target), 1))
}

func (d *myCobotDriver) ReleaseServos(ctx context.Context) error {
	return d.send(cmdReleaseAllServos, nil)
}

func (d *myCobotDriver) LockServos(ctx context.Context) error {
	return d.send(cmdPowerOn, nil)
}

func (d *myCobotDriver) Stop(ctx context.Context) error {
	return d.send(cmdStop, nil)
}

func (d *myCobotDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port != nil {
		return d.port.Close()
	}
	return nil
}
