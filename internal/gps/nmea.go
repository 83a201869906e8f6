package gps

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// NMEAProvider reads standard NMEA 0183 sentences from a UART GPS.
// Compatible with u-blox NEO-M8N and any standard NMEA GPS.
type NMEAProvider struct {
	portPath string
	baudRate int
	port     io.ReadCloser
	scanner  *bufio.Scanner
	mu       sync.Mutex
	last     Data
	date     string // ddmmyy from the most recent RMC
}

// NMEAConfig holds configuration for the NMEA GPS provider.
type NMEAConfig struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

// openPort is swapped out in tests.
var openPort = func(path string, mode *serial.Mode) (io.ReadCloser, error) {
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(200 * time.Millisecond); err != nil {
		port.Close()
		return nil, err
	}
	return port, nil
}

// errQuiet marks a serial read that timed out without data.
var errQuiet = errors.New("gps: port quiet")

// quietReader reports an empty timed-out read as errQuiet so the scanner
// gives up on the current Read instead of spinning.
type quietReader struct{ r io.Reader }

func (q quietReader) Read(p []byte) (int, error) {
	n, err := q.r.Read(p)
	if n == 0 && err == nil {
		return 0, errQuiet
	}
	return n, err
}

// NewNMEA creates a new NMEA GPS provider.
func NewNMEA(cfg NMEAConfig) *NMEAProvider {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600 // Standard NMEA default
	}
	return &NMEAProvider{
		portPath: cfg.PortPath,
		baudRate: cfg.BaudRate,
	}
}

func (n *NMEAProvider) Name() string { return "NMEA GPS" }

// Connect opens the serial port. A permission failure on the device node is
// reported as ErrUnauthorized.
func (n *NMEAProvider) Connect() error {
	mode := &serial.Mode{
		BaudRate: n.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := openPort(n.portPath, mode)
	if err != nil {
		if isPermissionError(err) {
			return fmt.Errorf("gps: open %s: %w: %w", n.portPath, ErrUnauthorized, err)
		}
		return fmt.Errorf("gps: failed to open %s: %w", n.portPath, err)
	}

	n.mu.Lock()
	n.port = port
	n.scanner = bufio.NewScanner(quietReader{port})
	n.last = Data{}
	n.date = ""
	n.mu.Unlock()

	log.Printf("[gps] connected to %s at %d baud", n.portPath, n.baudRate)
	return nil
}

func (n *NMEAProvider) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.scanner = nil
	if n.port != nil {
		err := n.port.Close()
		n.port = nil
		return err
	}
	return nil
}

// Read reads NMEA sentences until we have a complete fix update. A stream
// that ends yields io.EOF; one that carries no RMC yields ErrNoFix.
func (n *NMEAProvider) Read() (*Data, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.scanner == nil {
		return nil, fmt.Errorf("gps: not connected")
	}

	// Read up to 20 lines to find RMC + GGA
	gotRMC := false
	gotGGA := false
	for i := 0; i < 20 && !(gotRMC && gotGGA); i++ {
		if !n.scanner.Scan() {
			err := n.scanner.Err()
			if errors.Is(err, errQuiet) {
				// Scanner errors are sticky; start over on the next Read.
				n.scanner = bufio.NewScanner(quietReader{n.port})
				if !gotRMC {
					return nil, ErrNoFix
				}
				break
			}
			if err != nil {
				return nil, fmt.Errorf("gps: read: %w", err)
			}
			if !gotRMC {
				return nil, fmt.Errorf("gps: read %s: %w", n.portPath, io.EOF)
			}
			break
		}
		line := strings.TrimSpace(n.scanner.Text())
		if !strings.HasPrefix(line, "$") {
			continue
		}
		if !validateNMEAChecksum(line) {
			continue
		}

		if strings.HasPrefix(line, "$GPRMC") || strings.HasPrefix(line, "$GNRMC") {
			n.parseRMC(line)
			gotRMC = true
		} else if strings.HasPrefix(line, "$GPGGA") || strings.HasPrefix(line, "$GNGGA") {
			n.parseGGA(line)
			gotGGA = true
		}
	}
	if !gotRMC {
		return nil, ErrNoFix
	}

	out := n.last
	return &out, nil
}

func (n *NMEAProvider) parseRMC(line string) {
	// $GPRMC,hhmmss.ss,A,llll.ll,a,yyyyy.yy,a,x.x,x.x,ddmmyy,x.x,a*hh
	parts := splitNMEA(line)
	if len(parts) < 10 {
		return
	}

	n.last.Valid = parts[2] == "A"
	n.date = parts[9]
	if ts, ok := parseNMEATime(parts[9], parts[1]); ok {
		n.last.Time = ts
	}

	if n.last.Valid {
		n.last.Latitude = parseNMEACoord(parts[3], parts[4])
		n.last.Longitude = parseNMEACoord(parts[5], parts[6])

		if spd, err := strconv.ParseFloat(parts[7], 64); err == nil {
			n.last.Speed = spd * 1.852 // Knots to km/h
		}
		if hdg, err := strconv.ParseFloat(parts[8], 64); err == nil {
			n.last.Heading = hdg
		}
	}
}

func (n *NMEAProvider) parseGGA(line string) {
	// $GPGGA,hhmmss.ss,llll.ll,a,yyyyy.yy,a,x,xx,x.x,x.x,M,x.x,M,x.x,xxxx*hh
	parts := splitNMEA(line)
	if len(parts) < 11 {
		return
	}

	// GGA carries no date; reuse the last one RMC gave us.
	if ts, ok := parseNMEATime(n.date, parts[1]); ok {
		n.last.Time = ts
	}
	if fix, err := strconv.Atoi(parts[6]); err == nil {
		n.last.FixQuality = fix
	}
	if sats, err := strconv.Atoi(parts[7]); err == nil {
		n.last.Satellites = sats
	}
	if hdop, err := strconv.ParseFloat(parts[8], 64); err == nil {
		n.last.HDOP = hdop
	}
	if alt, err := strconv.ParseFloat(parts[9], 64); err == nil {
		n.last.Altitude = alt
	}
}

// splitNMEA splits a sentence and strips the checksum suffix.
func splitNMEA(line string) []string {
	if idx := strings.Index(line, "*"); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimPrefix(line, "$")
	return strings.Split(line, ",")
}

// parseNMEATime combines an RMC ddmmyy date and an hhmmss.ss time into a UTC
// instant.
func parseNMEATime(date, clock string) (time.Time, bool) {
	if len(date) != 6 || len(clock) < 6 {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation("020106150405", date+clock[:6], time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	if len(clock) > 7 && clock[6] == '.' {
		if frac, err := strconv.ParseFloat("0"+clock[6:], 64); err == nil {
			t = t.Add(time.Duration(frac * float64(time.Second)).Round(time.Millisecond))
		}
	}
	return t, true
}

// parseNMEACoord converts NMEA ddmm.mmmm format to decimal degrees.
func parseNMEACoord(raw, dir string) float64 {
	if raw == "" || dir == "" {
		return 0
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	deg := math.Floor(val / 100)
	min := val - deg*100
	result := deg + min/60

	if dir == "S" || dir == "W" {
		result = -result
	}
	return result
}

// validateNMEAChecksum checks the XOR checksum after *.
func validateNMEAChecksum(line string) bool {
	idx := strings.Index(line, "*")
	if idx < 0 || idx+3 > len(line) {
		return false
	}
	body := line[1:idx] // Between $ and *
	var calc byte
	for i := 0; i < len(body); i++ {
		calc ^= body[i]
	}
	expected, err := strconv.ParseUint(line[idx+1:idx+3], 16, 8)
	if err != nil {
		return false
	}
	return byte(expected) == calc
}

func isPermissionError(err error) bool {
	if errors.Is(err, fs.ErrPermission) {
		return true
	}
	var portErr *serial.PortError
	return errors.As(err, &portErr) && portErr.Code() == serial.PermissionDenied
}
