// ============================================================================
// Report Stream Parser
// ============================================================================
//
// Package: internal/report
// File: parser.go
// Purpose: frame-scoped state machine over the report binary's stdout lines
//
// Protocol:
//   % frame <n>     opens frame n (Idle -> InFrame(n)), runs the decoder init hook
//   % end           closes the open frame (InFrame(n) -> Idle)
//   % <anything>    other service lines, ignored
//   <data>          decoded into frame n while a frame is open, dropped otherwise
//   (empty)         always dropped
//
// State machine:
//   ┌──────┐  % frame n   ┌─────────────┐
//   │ Idle │ ───────────> │ InFrame(n)  │ ──┐ data line -> decoder(n, line)
//   └──────┘ <─────────── └─────────────┘ <─┘
//                % end
//
// Error handling:
//   - DecodeError: logged, line skipped
//   - Anomaly (end without frame, bad frame index): logged, counted
//
// The parser is owned by one goroutine; it does no locking.
//
// ============================================================================

package report

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ChuLiYu/cytoreport/pkg/types"
)

const servicePrefix = "% "

// Anomaly is a protocol irregularity that does not stop the stream.
type Anomaly struct {
	Reason string
	Line   string
}

func (a *Anomaly) Error() string {
	return fmt.Sprintf("protocol anomaly: %s: %q", a.Reason, a.Line)
}

// Stats counts what the parser did with its input.
type Stats struct {
	Lines     int // every line handed to HandleLine
	Decoded   int // data lines applied to a frame
	Skipped   int // data lines rejected by the decoder
	Discarded int // data lines seen outside any frame
	Anomalies int
}

// Parser tracks the frame cursor of one report stream and routes data lines
// to the operation decoder.
type Parser struct {
	op     types.Operation
	dec    decoder
	logger *slog.Logger

	frame int  // current frame index, valid when open
	open  bool // false = Idle
	data  types.Dataset
	stats Stats
}

// NewParser builds a parser for op. Unknown operations fail here rather
// than on the first data line.
func NewParser(op types.Operation, logger *slog.Logger) (*Parser, error) {
	dec, ok := decoderFor(op)
	if !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownOperation, op)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{
		op:     op,
		dec:    dec,
		logger: logger.With("op", string(op)),
		data:   make(types.Dataset),
	}, nil
}

// HandleLine advances the state machine by one complete line.
func (p *Parser) HandleLine(line string) {
	p.stats.Lines++

	if strings.HasPrefix(line, servicePrefix) {
		p.handleService(line)
		return
	}
	if line == "" {
		return
	}
	if !p.open {
		p.stats.Discarded++
		return
	}

	if err := p.dec.decode(p.data[p.frame], line, p.logger); err != nil {
		p.stats.Skipped++
		derr := &DecodeError{Op: p.op, Frame: p.frame, Line: line, Err: err}
		p.logger.Warn("Skipping line", "error", derr)
		return
	}
	p.stats.Decoded++
}

func (p *Parser) handleService(line string) {
	serv := line[len(servicePrefix):]

	switch {
	case strings.HasPrefix(serv, "frame"):
		n, err := strconv.Atoi(strings.TrimSpace(serv[len("frame"):]))
		if err != nil || n < 0 {
			p.anomaly("bad frame index", line)
			return
		}
		p.frame = n
		p.open = true
		f := &types.Frame{}
		p.dec.init(f)
		p.data[n] = f
		p.logger.Debug("Processing frame", "frame", n)

	case strings.HasPrefix(serv, "end"):
		if !p.open {
			p.anomaly("frame ended before it began", line)
			return
		}
		p.logger.Debug("Frame done", "frame", p.frame)
		p.open = false
	}
}

func (p *Parser) anomaly(reason, line string) {
	p.stats.Anomalies++
	p.logger.Warn("Protocol anomaly", "error", &Anomaly{Reason: reason, Line: line})
}

// Finish reports an unterminated fragment left over at process exit.
func (p *Parser) Finish(remainder string) {
	if remainder != "" {
		p.anomaly("unterminated output at exit", remainder)
	}
}

// Current returns the open frame index; ok is false while Idle.
func (p *Parser) Current() (frame int, ok bool) {
	return p.frame, p.open
}

// Dataset returns the decoded records. It must not be read while the
// stream is still being fed.
func (p *Parser) Dataset() types.Dataset {
	return p.data
}

// Stats returns the running counters.
func (p *Parser) Stats() Stats {
	return p.stats
}

// Operation returns the operation the parser decodes.
func (p *Parser) Operation() types.Operation {
	return p.op
}
