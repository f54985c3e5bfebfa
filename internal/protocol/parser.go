package protocol

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	testpointValues = 1 + 5*3
)

type handler func(p *Parser, tokens []string) error

var handlers = map[string]handler{
	TagNodeInfo:      (*Parser).nodeInfo,
	TagTestpointInfo: (*Parser).testpointInfo,
	TagHubAlarm:      (*Parser).hubAlarm,
	TagNodeAlarm:     (*Parser).nodeAlarm,
	TagHubStatus:     (*Parser).hubStatus,
	TagNodeStatus:    (*Parser).nodeStatus,
	TagStatus:        (*Parser).status,
	TagError:         (*Parser).deviceError,
	TagVoltammogram:  (*Parser).voltammogram,
	TagConductance:   (*Parser).conductance,
	TagORP:           scalar(func(l Listener, id string, v float64) { l.OnORP(id, v) }),
	TagPH:            scalar(func(l Listener, id string, v float64) { l.OnPH(id, v) }),
	TagTemperature:   scalar(func(l Listener, id string, v float64) { l.OnTemperature(id, v) }),
}

// Parser turns a byte stream into listener calls. It buffers partial
// lines across Feed calls and is owned by one connection.
type Parser struct {
	l   Listener
	buf []byte

	// OnFrame, if set, is called after every complete frame with its tag
	// and the frame error, if any.
	OnFrame func(tag string, err error)
}

func NewParser(l Listener) *Parser {
	if l == nil {
		l = NopListener{}
	}
	return &Parser{l: l}
}

// Buffered returns the number of bytes of the incomplete trailing line.
func (p *Parser) Buffered() int { return len(p.buf) }

// Reset drops any partial line.
func (p *Parser) Reset() { p.buf = p.buf[:0] }

// Feed appends data and processes every complete frame in it. Frame errors
// go to the listener. The only returned error is ErrFrameTooLong, after
// which the partial line has been discarded.
func (p *Parser) Feed(data []byte) error {
	p.buf = append(p.buf, data...)

	start := 0
	for {
		i := bytes.Index(p.buf[start:], []byte(Terminator))
		if i < 0 {
			break
		}
		p.dispatch(string(p.buf[start : start+i]))
		start += i + len(Terminator)
	}

	n := copy(p.buf, p.buf[start:])
	p.buf = p.buf[:n]

	if len(p.buf) > MaxFrameSize {
		p.Reset()
		return ErrFrameTooLong
	}
	return nil
}

func (p *Parser) dispatch(line string) {
	if line == "" {
		return
	}
	tag, tokens := SplitLine(line)

	var err error
	if h, ok := handlers[tag]; ok {
		err = h(p, tokens)
	} else if strings.HasPrefix(tag, "<") && strings.HasSuffix(tag, ">") {
		err = ErrUnknownTag
	} else {
		err = ErrMissingTag
		tag = ""
	}

	if err != nil {
		err = &FrameError{Tag: tag, Err: err}
		p.l.OnError(err)
	}
	if p.OnFrame != nil {
		p.OnFrame(tag, err)
	}
}

func expectTokens(tokens []string, n int) error {
	if len(tokens) != n {
		return errors.Wrapf(ErrTokenCount, "got %d, want %d", len(tokens), n)
	}
	return nil
}

func splitValues(token string, n int) ([]string, error) {
	values := strings.Split(token, string(ValueSeparator))
	if len(values) != n {
		return nil, errors.Wrapf(ErrValueCount, "got %d, want %d", len(values), n)
	}
	return values, nil
}

func parseID(s string) (string, error) {
	if s == "" {
		return "", ErrEmptyID
	}
	return s, nil
}

func parseFloat(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, errors.Wrapf(ErrBadNumber, "%q", s)
	}
	return v, nil
}

func parseFloats(values []string) ([]float64, error) {
	out := make([]float64, len(values))
	for i, s := range values {
		v, err := parseFloat(s)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func parseCount(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0, errors.Wrapf(ErrBadNumber, "count %q", s)
	}
	return n, nil
}

// parseList handles the "count, count x composite" shape shared by the
// info frames.
func parseList(tokens []string, values int, fn func([]string) error) error {
	if len(tokens) < 1 {
		return errors.Wrap(ErrTokenCount, "missing count")
	}
	n, err := parseCount(tokens[0])
	if err != nil {
		return err
	}
	if err := expectTokens(tokens[1:], n); err != nil {
		return err
	}
	for _, t := range tokens[1:] {
		v, err := splitValues(t, values)
		if err != nil {
			return err
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	return nil
}

func (p *Parser) nodeInfo(tokens []string) error {
	var nodes []NodeInfo
	err := parseList(tokens, 2, func(v []string) error {
		id, err := parseID(v[0])
		if err != nil {
			return err
		}
		if v[1] == "" {
			return errors.Wrapf(ErrEmptyID, "type of node %s", id)
		}
		nodes = append(nodes, NodeInfo{ID: id, Type: v[1]})
		return nil
	})
	if err != nil {
		return err
	}
	p.l.OnNodeInfo(nodes)
	return nil
}

// parseSensor reads one (sensorId;nodeId;input) triple. An all-empty
// triple is an unwired channel and yields Input -1.
func parseSensor(v []string) (SensorInfo, error) {
	if v[0] == "" && v[1] == "" && v[2] == "" {
		return SensorInfo{Input: -1}, nil
	}
	input, err := strconv.Atoi(strings.TrimSpace(v[2]))
	if err != nil || input < 0 {
		return SensorInfo{}, errors.Wrapf(ErrBadNumber, "input %q", v[2])
	}
	return SensorInfo{ID: v[0], NodeID: v[1], Input: input}, nil
}

func (p *Parser) testpointInfo(tokens []string) error {
	var testpoints []TestpointInfo
	err := parseList(tokens, testpointValues, func(v []string) error {
		id, err := parseID(v[0])
		if err != nil {
			return err
		}
		var sensors [5]SensorInfo
		for i := range sensors {
			off := 1 + 3*i
			if sensors[i], err = parseSensor(v[off : off+3]); err != nil {
				return errors.WithMessagef(err, "testpoint %s", id)
			}
		}
		testpoints = append(testpoints, TestpointInfo{
			ID:           id,
			Conductance:  sensors[0],
			ORP:          sensors[1],
			PH:           sensors[2],
			Potentiostat: sensors[3],
			Temperature:  sensors[4],
		})
		return nil
	})
	if err != nil {
		return err
	}
	p.l.OnTestpointInfo(testpoints)
	return nil
}

func parseAlarmToken(token string) (Alarm, error) {
	v, err := splitValues(token, 2)
	if err != nil {
		return Alarm{}, err
	}
	a, ok := ParseAlarm(v[0], v[1])
	if !ok {
		return Alarm{}, errors.Wrapf(ErrBadEnum, "alarm %q", token)
	}
	return a, nil
}

func (p *Parser) hubAlarm(tokens []string) error {
	if err := expectTokens(tokens, 1); err != nil {
		return err
	}
	a, err := parseAlarmToken(tokens[0])
	if err != nil {
		return err
	}
	p.l.OnHubAlarm(a)
	return nil
}

func (p *Parser) nodeAlarm(tokens []string) error {
	if err := expectTokens(tokens, 2); err != nil {
		return err
	}
	id, err := parseID(tokens[0])
	if err != nil {
		return err
	}
	a, err := parseAlarmToken(tokens[1])
	if err != nil {
		return err
	}
	p.l.OnNodeAlarm(id, a)
	return nil
}

func (p *Parser) hubStatus(tokens []string) error {
	if err := expectTokens(tokens, 1); err != nil {
		return err
	}
	t, err := parseFloat(tokens[0])
	if err != nil {
		return err
	}
	p.l.OnHubStatus(t)
	return nil
}

func (p *Parser) nodeStatus(tokens []string) error {
	if err := expectTokens(tokens, 2); err != nil {
		return err
	}
	id, err := parseID(tokens[0])
	if err != nil {
		return err
	}
	v, err := splitValues(tokens[1], 3)
	if err != nil {
		return err
	}
	f, err := parseFloats(v)
	if err != nil {
		return err
	}
	p.l.OnNodeStatus(id, NodeStatus{Voltage: f[0], Current: f[1], Temperature: f[2]})
	return nil
}

func (p *Parser) status(tokens []string) error {
	if err := expectTokens(tokens, 1); err != nil {
		return err
	}
	switch tokens[0] {
	case StatusRunning:
		p.l.OnMeasurementStatus(MeasurementStarted)
	case StatusIdle:
		p.l.OnMeasurementStatus(MeasurementStopped)
	default:
		p.l.OnMeasurementStatus(MeasurementError)
	}
	return nil
}

func (p *Parser) deviceError(tokens []string) error {
	if err := expectTokens(tokens, 1); err != nil {
		return err
	}
	p.l.OnDeviceError(ParseDeviceError(tokens[0]).Message)
	return nil
}

// parseSeries reads a ';'-separated number list. An empty token is an
// empty list.
func parseSeries(token string) ([]float64, error) {
	if token == "" {
		return []float64{}, nil
	}
	return parseFloats(strings.Split(token, string(ValueSeparator)))
}

func (p *Parser) voltammogram(tokens []string) error {
	if err := expectTokens(tokens, 3); err != nil {
		return err
	}
	id, err := parseID(tokens[0])
	if err != nil {
		return err
	}
	voltages, err := parseSeries(tokens[1])
	if err != nil {
		return err
	}
	currents, err := parseSeries(tokens[2])
	if err != nil {
		return err
	}
	if len(voltages) != len(currents) {
		return errors.Wrapf(ErrLengthMismatch, "%d vs %d", len(voltages), len(currents))
	}
	p.l.OnVoltammogram(id, Voltammogram{Voltages: voltages, Currents: currents})
	return nil
}

func (p *Parser) conductance(tokens []string) error {
	if err := expectTokens(tokens, 2); err != nil {
		return err
	}
	id, err := parseID(tokens[0])
	if err != nil {
		return err
	}
	v, err := splitValues(tokens[1], 3)
	if err != nil {
		return err
	}
	f, err := parseFloats(v)
	if err != nil {
		return err
	}
	p.l.OnConductance(id, Conductance{Conductance: f[0], Resistance: f[1], Temperature: f[2]})
	return nil
}

// scalar builds the handler for the single-value sensor frames.
func scalar(emit func(l Listener, id string, v float64)) handler {
	return func(p *Parser, tokens []string) error {
		if err := expectTokens(tokens, 2); err != nil {
			return err
		}
		id, err := parseID(tokens[0])
		if err != nil {
			return err
		}
		v, err := splitValues(tokens[1], 1)
		if err != nil {
			return err
		}
		f, err := parseFloat(v[0])
		if err != nil {
			return err
		}
		emit(p.l, id, f)
		return nil
	}
}
