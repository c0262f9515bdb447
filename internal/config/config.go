package config

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/x/ansi"
	"github.com/tealvm/teal/internal/devices/multiserial"
	"gopkg.in/yaml.v3"
)

// Backend kinds accepted for a serial port.
const (
	BackendStdio    = "stdio"
	BackendFile     = "file"
	BackendNull     = "null"
	BackendLoopback = "loopback"
)

// Port describes the character backend bound to one UART port.
type Port struct {
	Backend   string `yaml:"backend"`
	Path      string `yaml:"path,omitempty"`
	StripANSI bool   `yaml:"stripAnsi,omitempty"`
}

// Machine describes a serial-card machine configuration on disk.
type Machine struct {
	Version int    `yaml:"version"`
	Name    string `yaml:"name,omitempty"`

	// ProgIF overrides the card's class programming-interface byte.
	ProgIF *int `yaml:"progIF,omitempty"`

	Ports []Port `yaml:"ports"`
}

func (m *Machine) normalize() {
	if m.Version == 0 {
		m.Version = 1
	}
	for len(m.Ports) < multiserial.PortCount {
		m.Ports = append(m.Ports, Port{Backend: BackendNull})
	}
}

func (m *Machine) validate() error {
	if m.Version != 1 {
		return fmt.Errorf("unsupported config version %d", m.Version)
	}
	if len(m.Ports) > multiserial.PortCount {
		return fmt.Errorf("config declares %d ports, card has %d", len(m.Ports), multiserial.PortCount)
	}
	if m.ProgIF != nil && (*m.ProgIF < 0 || *m.ProgIF > 0xff) {
		return fmt.Errorf("progIF %d out of byte range", *m.ProgIF)
	}
	for i, port := range m.Ports {
		switch port.Backend {
		case BackendStdio, BackendNull, BackendLoopback:
		case BackendFile:
			if port.Path == "" {
				return fmt.Errorf("port %d: file backend requires a path", i)
			}
		default:
			return fmt.Errorf("port %d: unknown backend %q", i, port.Backend)
		}
	}
	return nil
}

// Default returns the configuration used when no file is supplied: port 0
// on stdio, the rest disconnected into null sinks.
func Default() *Machine {
	m := &Machine{
		Version: 1,
		Ports:   []Port{{Backend: BackendStdio}},
	}
	m.normalize()
	return m
}

// Load reads and validates a machine configuration file.
func Load(path string) (*Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a machine configuration document.
func Parse(data []byte) (*Machine, error) {
	var m Machine
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	m.normalize()
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// stripWriter removes ANSI escape sequences before forwarding, so UART
// output logged to files stays readable.
type stripWriter struct {
	w io.Writer
}

func (s stripWriter) Write(p []byte) (int, error) {
	if _, err := s.w.Write([]byte(ansi.Strip(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Apply binds the configured backends to the card's ports. The returned
// close function releases any files it opened.
func (m *Machine) Apply(card *multiserial.Card) (func() error, error) {
	if m.ProgIF != nil {
		card.SetProgIF(byte(*m.ProgIF))
	}

	var files []*os.File
	closeAll := func() error {
		var firstErr error
		for _, f := range files {
			if err := f.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	for i, port := range m.Ports {
		var out io.Writer
		var in io.Reader
		switch port.Backend {
		case BackendStdio:
			out = os.Stdout
			in = os.Stdin
		case BackendNull:
			out = io.Discard
		case BackendLoopback:
			// Transmitted bytes become the port's own receive stream.
			b := &bytes.Buffer{}
			out = b
			in = b
		case BackendFile:
			f, err := os.OpenFile(port.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				_ = closeAll()
				return nil, fmt.Errorf("port %d: open %s: %w", i, port.Path, err)
			}
			files = append(files, f)
			out = f
			if port.StripANSI {
				out = stripWriter{w: f}
			}
		}
		if err := card.SetBackend(i, out, in); err != nil {
			_ = closeAll()
			return nil, err
		}
	}
	return closeAll, nil
}
