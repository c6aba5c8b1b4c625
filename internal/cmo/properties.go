// Package cmo rewrites a simulation's properties.cmo so that the play binary
// renders one entity per image: the selected channel in white, fibers in
// black behind non-fiber channels, everything else hidden.
package cmo

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// logger resolves the default at call time so a handler installed after
// init is honoured.
func logger() *slog.Logger { return slog.Default() }

// FileName is the property file read by the play binary from its working directory.
const FileName = "properties.cmo"

// DefaultWindowSize is the rendered image edge in pixels.
const DefaultWindowSize = 800

var (
	// ErrUnknownChannel is returned for a channel with no hand or fiber section.
	ErrUnknownChannel = errors.New("channel not found in properties")
	// ErrNoProperties is returned when the simulation directory has no properties.cmo.
	ErrNoProperties = errors.New("simulation directory has no " + FileName)
)

const (
	displayWhite     = " display = (color=white; visible=1;)"
	displayBlack     = " display = (color=black; visible=1;)"
	displayInvisible = " display = (visible=0;)"
)

func simulDisplay(windowSize int) string {
	return fmt.Sprintf(" display = (style=2; tile=1; label=off; zoom=1.07177345; window_size=%d; )", windowSize)
}

type section struct {
	name   string
	fiber  bool
	anchor int // display line goes after lines[anchor]
}

// Properties is a parsed properties.cmo with all hand/fiber display lines
// removed and the simulation display replaced.
type Properties struct {
	lines    []string
	sections map[string]section
	order    []string
}

// Parse reads a properties.cmo. Only "set hand", "set fiber" and
// "set simul" sections are touched.
func Parse(r io.Reader, windowSize int) (*Properties, error) {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	p := &Properties{sections: make(map[string]section)}

	var (
		searching bool // saw "set ...", waiting for '{'
		inside    bool
		cur       section
		simul     bool
	)

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")

		switch {
		case strings.HasPrefix(line, "set hand"), strings.HasPrefix(line, "set fiber"), strings.HasPrefix(line, "set simul"):
			p.lines = append(p.lines, line)
			fields := strings.Fields(line)
			if len(fields) < 3 {
				return nil, fmt.Errorf("malformed section header %q", line)
			}
			simul = strings.HasPrefix(line, "set simul")
			cur = section{name: strings.TrimSuffix(fields[2], "{"), fiber: strings.HasPrefix(line, "set fiber")}
			searching = true
			if strings.HasSuffix(strings.TrimSpace(line), "{") {
				searching, inside = false, true
			}

		case searching && strings.HasPrefix(line, "{"):
			p.lines = append(p.lines, line)
			searching, inside = false, true

		case inside && strings.HasPrefix(line, "}"):
			inside = false
			if simul {
				p.lines = append(p.lines, simulDisplay(windowSize))
			} else {
				cur.anchor = len(p.lines) - 1
				if _, dup := p.sections[cur.name]; !dup {
					p.order = append(p.order, cur.name)
				}
				p.sections[cur.name] = cur
			}
			p.lines = append(p.lines, line)

		case inside && strings.Contains(line, "display"):
			// dropped, replaced per channel

		default:
			p.lines = append(p.lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

// Load parses <simDir>/properties.cmo.
func Load(simDir string, windowSize int) (*Properties, error) {
	f, err := os.Open(filepath.Join(simDir, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoProperties, simDir)
		}
		return nil, err
	}
	defer f.Close()
	return Parse(f, windowSize)
}

// Channels lists the hand and fiber section names in file order.
func (p *Properties) Channels() []string {
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// IsFiber reports whether channel names a fiber section.
func (p *Properties) IsFiber(channel string) bool {
	return p.sections[channel].fiber
}

// Render returns the property file text for one channel.
func (p *Properties) Render(channel string) (string, error) {
	target, ok := p.sections[channel]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}

	displays := make(map[int]string, len(p.sections))
	for name, s := range p.sections {
		switch {
		case name == channel:
			displays[s.anchor] = displayWhite
		case !target.fiber && s.fiber:
			displays[s.anchor] = displayBlack
		default:
			displays[s.anchor] = displayInvisible
		}
	}

	var b strings.Builder
	for i, line := range p.lines {
		b.WriteString(line)
		b.WriteByte('\n')
		if d, ok := displays[i]; ok {
			b.WriteString(d)
			b.WriteByte('\n')
		}
	}
	return b.String(), nil
}

// WriteChannel writes the rewritten properties.cmo for channel into dir.
func (p *Properties) WriteChannel(dir, channel string) error {
	text, err := p.Render(channel)
	if err != nil {
		return err
	}
	logger().Debug("Writing channel properties", "channel", channel, "dir", dir)
	return os.WriteFile(filepath.Join(dir, FileName), []byte(text), 0o644)
}

// Prepare creates one temp directory per channel under baseDir (os.TempDir
// when empty) holding that channel's properties.cmo. An empty channel list
// selects every channel. The caller removes the directories.
func Prepare(simDir string, channels []string, windowSize int, baseDir string) (map[string]string, error) {
	p, err := Load(simDir, windowSize)
	if err != nil {
		return nil, err
	}
	if len(channels) == 0 {
		channels = p.Channels()
	}
	for _, ch := range channels {
		if _, ok := p.sections[ch]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, ch)
		}
	}

	dirs := make(map[string]string, len(channels))
	for _, ch := range channels {
		dir, err := os.MkdirTemp(baseDir, "cytoreport-"+ch+"-")
		if err != nil {
			Cleanup(dirs)
			return nil, err
		}
		dirs[ch] = dir
		if err := p.WriteChannel(dir, ch); err != nil {
			Cleanup(dirs)
			return nil, err
		}
	}
	return dirs, nil
}

// Cleanup removes directories created by Prepare.
func Cleanup(dirs map[string]string) {
	for ch, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			logger().Warn("Failed to remove channel directory", "channel", ch, "dir", dir, "error", err)
		}
	}
}
