package location

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/adrianmo/go-nmea"
	"github.com/jacobsa/go-serial/serial"
)

// metersPerHDOP approximates the user-equivalent range error of a
// consumer receiver.
const metersPerHDOP = 5.0

// defaultAccuracy is used for RMC fixes seen before any GGA sentence.
const defaultAccuracy = 25.0

// NMEAProvider reads NMEA 0183 sentences from a GPS receiver.
type NMEAProvider struct {
	open func() (io.ReadCloser, error)
}

var _ Provider = (*NMEAProvider)(nil)

// NewNMEAProvider reads sentences from whatever open returns. The reader is
// closed when Run returns.
func NewNMEAProvider(open func() (io.ReadCloser, error)) *NMEAProvider {
	return &NMEAProvider{open: open}
}

// NewSerialProvider reads from a serial GPS device such as /dev/ttyACM0.
func NewSerialProvider(path string, baud int) *NMEAProvider {
	return NewNMEAProvider(func() (io.ReadCloser, error) {
		return OpenSerial(path, baud)
	})
}

// OpenSerial opens a serial port with 8N1 framing.
func OpenSerial(path string, baud int) (io.ReadWriteCloser, error) {
	if baud <= 0 {
		baud = 9600
	}
	port, err := serial.Open(serial.OpenOptions{
		PortName:        path,
		BaudRate:        uint(baud),
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open GPS device %s: %w", path, err)
	}
	return port, nil
}

// Run parses sentences until ctx is cancelled or the device fails.
func (p *NMEAProvider) Run(ctx context.Context, update func(Location), fail func(error)) error {
	dev, err := p.open()
	if err != nil {
		return err
	}

	// unblock the reader on cancel
	stop := context.AfterFunc(ctx, func() { dev.Close() })
	defer func() {
		if stop() {
			dev.Close()
		}
	}()

	accuracy := defaultAccuracy
	r := bufio.NewReader(dev)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("GPS stream closed")
			}
			return fmt.Errorf("failed to read GPS device: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		s, err := nmea.Parse(line)
		if err != nil {
			continue
		}

		switch m := s.(type) {
		case nmea.GGA:
			if m.FixQuality == nmea.Invalid {
				fail(nil)
				continue
			}
			if m.HDOP > 0 {
				accuracy = m.HDOP * metersPerHDOP
			}
			update(Location{Latitude: m.Latitude, Longitude: m.Longitude, Accuracy: accuracy})
		case nmea.RMC:
			if m.Validity != nmea.ValidRMC {
				fail(nil)
				continue
			}
			update(Location{Latitude: m.Latitude, Longitude: m.Longitude, Accuracy: accuracy})
		}
	}
}

// StaticProvider reports a fixed position, for stationary setups or hosts
// without a receiver.
type StaticProvider struct {
	Location Location
}

var _ Provider = (*StaticProvider)(nil)

// Run emits the configured location once and waits for cancellation.
func (p *StaticProvider) Run(ctx context.Context, update func(Location), _ func(error)) error {
	update(p.Location)
	<-ctx.Done()
	return nil
}
