// Package board drives the station I/O board over a serial line.
//
// The protocol is newline-terminated ASCII, one request and one reply at a
// time. Every request is prefixed with a sequence number that the board
// echoes at the start of its reply:
//
//	<seq> DIST                     -> <seq> OK <cm>
//	<seq> ARM <ACTION> <battery>   -> <seq> OK
//	<seq> BMS READ <battery>       -> <seq> OK <charge> <temp>
//	<seq> BMS CHARGE|STOP <battery>-> <seq> OK
//	<seq> PANEL <degrees>          -> <seq> OK
//	<seq> CLEAN                    -> <seq> OK
//
// Any request may be answered with "<seq> ERR <message>". A reply whose
// sequence number is not the one in flight belongs to a request that
// already timed out and is dropped.
package board

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/jkaberg/dock-station/internal/domain"
	"github.com/jkaberg/dock-station/internal/hw"
	"github.com/sirupsen/logrus"
	"github.com/tarm/serial"
)

var (
	ErrClosed   = errors.New("board connection closed")
	ErrProtocol = errors.New("board protocol error")
	errNoReply  = errors.New("no reply from board")
)

// Board is one I/O board connection. Requests are serialised.
type Board struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	lines  chan string
	seq    uint32
	logger *logrus.Logger
}

// Open opens the serial port and starts the reader.
func Open(port string, baud int, logger *logrus.Logger) (*Board, error) {
	p, err := serial.OpenPort(&serial.Config{Name: port, Baud: baud})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", port, err)
	}
	logger.WithFields(logrus.Fields{"port": port, "baud": baud}).Info("I/O board connected")
	return New(p, logger), nil
}

// New runs the protocol over any byte stream. If rw is also an io.Closer,
// Close closes it.
func New(rw io.ReadWriter, logger *logrus.Logger) *Board {
	b := &Board{
		w:      rw,
		lines:  make(chan string, 16),
		logger: logger,
	}
	if c, ok := rw.(io.Closer); ok {
		b.closer = c
	}
	go b.readLoop(rw)
	return b
}

func (b *Board) readLoop(r io.Reader) {
	defer close(b.lines)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		b.lines <- line
	}
	if err := sc.Err(); err != nil {
		b.logger.WithError(err).Warn("board: serial read stopped")
	}
}

func (b *Board) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer.Close()
}

// exchange sends one request and waits for its reply until ctx is done.
// It returns the fields after "OK".
func (b *Board) exchange(ctx context.Context, req string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	tag := strconv.FormatUint(uint64(b.seq), 10)
	if _, err := io.WriteString(b.w, tag+" "+req+"\n"); err != nil {
		return nil, fmt.Errorf("write %q: %w", req, err)
	}

	for {
		select {
		case line, ok := <-b.lines:
			if !ok {
				return nil, ErrClosed
			}
			got, reply, _ := strings.Cut(line, " ")
			if got != tag {
				b.logger.WithFields(logrus.Fields{"line": line, "want": tag}).Debug("board: discarding stale reply")
				continue
			}
			return parseReply(req, line, reply)
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %q: %v", errNoReply, req, ctx.Err())
		}
	}
}

func parseReply(req, line, reply string) ([]string, error) {
	fields := strings.Fields(reply)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty reply %q to %q", ErrProtocol, line, req)
	}
	switch fields[0] {
	case "OK":
		return fields[1:], nil
	case "ERR":
		msg := strings.TrimSpace(strings.TrimPrefix(reply, "ERR"))
		return nil, fmt.Errorf("%w: %s: %s", hw.ErrHardwareFault, req, msg)
	default:
		return nil, fmt.Errorf("%w: unexpected reply %q to %q", ErrProtocol, line, req)
	}
}

// command runs a request that carries no reply fields. Missing replies are
// hardware faults.
func (b *Board) command(ctx context.Context, req string) error {
	_, err := b.exchange(ctx, req)
	if errors.Is(err, errNoReply) {
		return fmt.Errorf("%w: %v", hw.ErrHardwareFault, err)
	}
	return err
}

// Command implements hw.ArmDriver.
func (b *Board) Command(ctx context.Context, action hw.ArmAction, battery domain.BatteryID) error {
	req := "ARM " + strings.ToUpper(string(action))
	if battery != "" {
		req += " " + string(battery)
	}
	return b.command(ctx, req)
}

// SetAngle implements hw.PanelMotorDriver.
func (b *Board) SetAngle(ctx context.Context, degrees float64) error {
	return b.command(ctx, "PANEL "+strconv.FormatFloat(degrees, 'f', 1, 64))
}

// Activate implements hw.CleaningActuator.
func (b *Board) Activate(ctx context.Context) error {
	return b.command(ctx, "CLEAN")
}

// DistanceSensor returns the board's docking distance sensor.
func (b *Board) DistanceSensor() hw.DistanceSensor { return distance{b} }

// BMS returns the board's battery management interface.
func (b *Board) BMS() hw.BatteryManagementSystem { return bms{b} }

type distance struct{ b *Board }

func (d distance) Read(ctx context.Context) (float64, error) {
	fields, err := d.b.exchange(ctx, "DIST")
	if errors.Is(err, errNoReply) {
		return 0, hw.ErrSensorTimeout
	}
	if err != nil {
		return 0, err
	}
	if len(fields) != 1 {
		return 0, fmt.Errorf("%w: DIST reply %v", ErrProtocol, fields)
	}
	cm, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: DIST value %q", ErrProtocol, fields[0])
	}
	return cm, nil
}

type bms struct{ b *Board }

func (m bms) Read(ctx context.Context, id domain.BatteryID) (hw.Reading, error) {
	fields, err := m.b.exchange(ctx, "BMS READ "+string(id))
	if errors.Is(err, errNoReply) {
		return hw.Reading{}, fmt.Errorf("%w: %v", hw.ErrSensorTimeout, err)
	}
	if err != nil {
		return hw.Reading{}, err
	}
	if len(fields) != 2 {
		return hw.Reading{}, fmt.Errorf("%w: BMS READ reply %v", ErrProtocol, fields)
	}
	charge, err1 := strconv.ParseFloat(fields[0], 64)
	temp, err2 := strconv.ParseFloat(fields[1], 64)
	if err := errors.Join(err1, err2); err != nil {
		return hw.Reading{}, fmt.Errorf("%w: BMS READ values %v: %v", ErrProtocol, fields, err)
	}
	return hw.Reading{Charge: charge, Temperature: temp}, nil
}

func (m bms) SendCharge(ctx context.Context, id domain.BatteryID) error {
	return m.b.command(ctx, "BMS CHARGE "+string(id))
}

func (m bms) SendStop(ctx context.Context, id domain.BatteryID) error {
	return m.b.command(ctx, "BMS STOP "+string(id))
}
