// Package eventlog is the append-only operator log. Every registry mutation
// and every authentication event lands here as one line of the form
//
//	[2024-05-01T10:00:00Z] [IP: 10.0.0.7] Client X1 adopted into fleet-a.
package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// tailWindow bounds how much of the file Tail reads.
const tailWindow = 512 * 1024

const addrField = "ip"

var reLine = regexp.MustCompile(`^\[([^\]]*)\] \[IP: ([^\]]*)\] ?(.*)$`)

// Entry is one log line.
type Entry struct {
	Time    time.Time `json:"time"`
	Addr    string    `json:"ip"`
	Message string    `json:"message"`
}

// String renders the entry the way the panel shows it.
func (e Entry) String() string {
	return fmt.Sprintf("[%s] [IP: %s] %s", e.Time.UTC().Format(time.RFC3339), e.Addr, e.Message)
}

// Log appends entries to a file.
type Log struct {
	path   string
	f      *os.File
	logger zerolog.Logger
	now    func() time.Time
}

// Open opens path for appending, creating it and its directory if needed.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, err
	}
	return &Log{
		path:   path,
		f:      f,
		logger: zerolog.New(zerolog.SyncWriter(lineWriter(f))),
		now:    time.Now,
	}, nil
}

// lineWriter renders zerolog events as bracketed text lines.
func lineWriter(out io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:           out,
		NoColor:       true,
		PartsOrder:    []string{zerolog.TimestampFieldName, addrField, zerolog.MessageFieldName},
		FieldsExclude: []string{addrField},
		FormatTimestamp: func(i any) string {
			return fmt.Sprintf("[%s]", i)
		},
		FormatPartValueByName: func(i any, name string) string {
			if name == addrField {
				return fmt.Sprintf("[IP: %s]", i)
			}
			return fmt.Sprint(i)
		},
		FormatMessage: func(i any) string {
			if i == nil {
				return ""
			}
			return fmt.Sprint(i)
		},
	}
}

// Record appends one entry. Failures to write are not reported; the event
// log never blocks the operation it describes.
func (l *Log) Record(addr, message string) {
	if addr == "" {
		addr = "N/A"
	}
	message = strings.Join(strings.Fields(message), " ")
	l.logger.Log().
		Str(zerolog.TimestampFieldName, l.now().UTC().Format(time.RFC3339)).
		Str(addrField, addr).
		Msg(message)
}

// Path returns the file backing the log.
func (l *Log) Path() string { return l.path }

// Close closes the file.
func (l *Log) Close() error { return l.f.Close() }

// Tail returns up to n of the most recent entries, oldest first. Lines that do
// not parse are kept as bare messages.
func (l *Log) Tail(n int) ([]Entry, error) {
	return ReadTail(l.path, n)
}

// ReadTail is Tail for a log file that is not open in this process.
func ReadTail(path string, n int) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	offset := int64(0)
	if st.Size() > tailWindow {
		offset = st.Size() - tailWindow
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		// drop the partial first line
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			data = data[i+1:]
		}
	}
	var out []Entry
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), tailWindow)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		out = append(out, parseLine(line))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

// parseLine reads the bracketed form, then JSON lines written by older
// releases. Anything else becomes a bare message.
func parseLine(line []byte) Entry {
	if m := reLine.FindSubmatch(line); m != nil {
		e := Entry{Addr: string(m[2]), Message: string(m[3])}
		if ts, err := time.Parse(time.RFC3339Nano, string(m[1])); err == nil {
			e.Time = ts
		}
		return e
	}
	var e Entry
	if line[0] == '{' && json.Unmarshal(line, &e) == nil {
		return e
	}
	return Entry{Message: string(line)}
}
