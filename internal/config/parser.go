// Package config implements a hierarchical block-structured text
// grammar: it turns a declarative SCST configuration into a
// *model.Root, or a structured scsterr.ParseError carrying a
// line number and excerpt. It follows a line/state-machine
// parsing idiom generalized to a brace-block tokenizer (scanner.go).
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/truenas/truenas-pyscstadmin/internal/model"
	"github.com/truenas/truenas-pyscstadmin/internal/scsterr"
)

// ParseFile reads and parses an SCST configuration file.
func ParseFile(path string) (*model.Root, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &scsterr.PreconditionError{Msg: "cannot read config file " + path, Err: err}
	}
	return ParseText(path, string(data))
}

// ParseText parses SCST configuration text. file is used only for error
// messages and may be "" for in-memory strings.
func ParseText(file, text string) (*model.Root, error) {
	events, err := scan(file, text)
	if err != nil {
		return nil, err
	}

	p := &parser{file: file, events: events}
	root := model.NewRoot()
	if err := p.parseRoot(root); err != nil {
		return nil, err
	}
	return root, nil
}

type parser struct {
	file   string
	events []event
	seq    int
}

func (p *parser) nextSeq() int {
	p.seq++
	return p.seq
}

func (p *parser) errAt(line int, text, msg string) error {
	return &scsterr.ParseError{File: p.file, Line: line, Excerpt: text, Msg: msg}
}

// A trailing body line can arrive either as its own evLine event, or as
// the text carried by an evClose event when a block closes on the same
// physical line as its last statement (e.g. `enabled 1 }`). Every
// container's body loop runs incoming text through the same applyLine
// callback in both cases.

func (p *parser) parseRoot(root *model.Root) error {
	idx := 0
	topKinds := map[string]bool{"HANDLER": true, "TARGET_DRIVER": true, "DEVICE_GROUP": true}
	seenNames := map[string]bool{}

	applyLine := func(ev event) error {
		key, val := splitAttrLine(ev.text)
		setAttrWarnDup(root.Attrs, key, val, "<root>")
		return nil
	}

	for idx < len(p.events) {
		ev := p.events[idx]
		switch ev.kind {
		case evLine:
			if err := applyLine(ev); err != nil {
				return err
			}
			idx++

		case evClose:
			return p.errAt(ev.line, ev.text, "unexpected '}'")

		case evOpen:
			words := strings.Fields(ev.text)
			if len(words) == 0 {
				return p.errAt(ev.line, ev.text, "missing block kind before '{'")
			}
			kind := words[0]
			if !topKinds[kind] {
				return p.errAt(ev.line, ev.text, "unknown top-level block kind "+kind)
			}
			if len(words) < 2 {
				return p.errAt(ev.line, ev.text, kind+" requires a name")
			}
			name := words[1]
			dupKey := kind + " " + name
			if seenNames[dupKey] {
				return p.errAt(ev.line, ev.text, "duplicate "+kind+" "+name)
			}
			seenNames[dupKey] = true

			var next int
			var err error
			switch kind {
			case "HANDLER":
				h := &model.Handler{Name: name, Kind: model.HandlerKind(name), Seq: p.nextSeq()}
				next, err = p.parseHandlerBody(idx+1, ev.line, h)
				root.Handlers = append(root.Handlers, h)
			case "TARGET_DRIVER":
				d := &model.Driver{Name: name, Attrs: model.NewAttrMap(), Seq: p.nextSeq()}
				next, err = p.parseDriverBody(idx+1, ev.line, d)
				root.Drivers = append(root.Drivers, d)
			case "DEVICE_GROUP":
				dg := &model.DeviceGroup{Name: name, Seq: p.nextSeq()}
				next, err = p.parseDeviceGroupBody(idx+1, ev.line, dg)
				root.DeviceGroups = append(root.DeviceGroups, dg)
			}
			if err != nil {
				return err
			}
			idx = next
		}
	}
	return nil
}

func (p *parser) parseHandlerBody(idx, openLine int, h *model.Handler) (int, error) {
	seen := map[string]bool{}
	rejectLine := func(ev event) error {
		return p.errAt(ev.line, ev.text, "HANDLER blocks contain only DEVICE blocks")
	}
	for {
		if idx >= len(p.events) {
			return 0, p.errAt(openLine, "", "unterminated HANDLER block opened here")
		}
		ev := p.events[idx]
		switch ev.kind {
		case evClose:
			if ev.text != "" {
				return 0, rejectLine(ev)
			}
			return idx + 1, nil
		case evLine:
			return 0, rejectLine(ev)
		case evOpen:
			words := strings.Fields(ev.text)
			if len(words) < 1 || words[0] != "DEVICE" {
				return 0, p.errAt(ev.line, ev.text, "expected DEVICE inside HANDLER")
			}
			if len(words) < 2 {
				return 0, p.errAt(ev.line, ev.text, "DEVICE requires a name")
			}
			name := words[1]
			if seen[name] {
				return 0, p.errAt(ev.line, ev.text, "duplicate DEVICE "+name)
			}
			seen[name] = true
			dev := &model.Device{Name: name, Attrs: model.NewAttrMap(), Seq: p.nextSeq()}
			next, err := p.parseDeviceBody(idx+1, ev.line, dev)
			if err != nil {
				return 0, err
			}
			h.Devices = append(h.Devices, dev)
			idx = next
		}
	}
}

func (p *parser) parseDeviceBody(idx, openLine int, dev *model.Device) (int, error) {
	applyLine := func(ev event) {
		key, val := splitAttrLine(ev.text)
		setAttrWarnDup(dev.Attrs, key, val, "DEVICE "+dev.Name)
	}
	for {
		if idx >= len(p.events) {
			return 0, p.errAt(openLine, "", "unterminated DEVICE block opened here")
		}
		ev := p.events[idx]
		switch ev.kind {
		case evClose:
			if ev.text != "" {
				applyLine(ev)
			}
			return idx + 1, nil
		case evOpen:
			return 0, p.errAt(ev.line, ev.text, "DEVICE blocks do not nest further")
		case evLine:
			applyLine(ev)
			idx++
		}
	}
}

func (p *parser) parseDriverBody(idx, openLine int, d *model.Driver) (int, error) {
	seen := map[string]bool{}
	applyLine := func(ev event) {
		key, val := splitAttrLine(ev.text)
		setAttrWarnDup(d.Attrs, key, val, "TARGET_DRIVER "+d.Name)
	}
	for {
		if idx >= len(p.events) {
			return 0, p.errAt(openLine, "", "unterminated TARGET_DRIVER block opened here")
		}
		ev := p.events[idx]
		switch ev.kind {
		case evClose:
			if ev.text != "" {
				applyLine(ev)
			}
			return idx + 1, nil
		case evLine:
			applyLine(ev)
			idx++
		case evOpen:
			words := strings.Fields(ev.text)
			if len(words) < 1 || words[0] != "TARGET" {
				return 0, p.errAt(ev.line, ev.text, "expected TARGET inside TARGET_DRIVER")
			}
			if len(words) < 2 {
				return 0, p.errAt(ev.line, ev.text, "TARGET requires a name")
			}
			name := words[1]
			if seen[name] {
				return 0, p.errAt(ev.line, ev.text, "duplicate TARGET "+name)
			}
			seen[name] = true
			t := &model.Target{Name: name, Attrs: model.NewAttrMap(), Seq: p.nextSeq()}
			next, err := p.parseTargetBody(idx+1, ev.line, t)
			if err != nil {
				return 0, err
			}
			d.Targets = append(d.Targets, t)
			idx = next
		}
	}
}

func (p *parser) parseTargetBody(idx, openLine int, t *model.Target) (int, error) {
	seenGroups := map[string]bool{}
	applyLine := func(ev event) error {
		fields := strings.Fields(ev.text)
		if len(fields) > 0 && fields[0] == "LUN" {
			lun, err := parseLunLine(p, ev)
			if err != nil {
				return err
			}
			if _, exists := t.LUNs.Get(lun.Number); exists {
				return p.errAt(ev.line, ev.text, "duplicate LUN number in TARGET "+t.Name)
			}
			t.LUNs.Add(lun)
			return nil
		}
		key, val := splitAttrLine(ev.text)
		setAttrWarnDup(t.Attrs, key, val, "TARGET "+t.Name)
		return nil
	}
	for {
		if idx >= len(p.events) {
			return 0, p.errAt(openLine, "", "unterminated TARGET block opened here")
		}
		ev := p.events[idx]
		switch ev.kind {
		case evClose:
			if ev.text != "" {
				if err := applyLine(ev); err != nil {
					return 0, err
				}
			}
			return idx + 1, nil
		case evLine:
			if err := applyLine(ev); err != nil {
				return 0, err
			}
			idx++
		case evOpen:
			words := strings.Fields(ev.text)
			if len(words) < 1 || words[0] != "GROUP" {
				return 0, p.errAt(ev.line, ev.text, "expected GROUP inside TARGET")
			}
			if len(words) < 2 {
				return 0, p.errAt(ev.line, ev.text, "GROUP requires a name")
			}
			name := words[1]
			if seenGroups[name] {
				return 0, p.errAt(ev.line, ev.text, "duplicate GROUP "+name)
			}
			seenGroups[name] = true
			g := &model.InitiatorGroup{Name: name, Seq: p.nextSeq()}
			next, err := p.parseGroupBody(idx+1, ev.line, g)
			if err != nil {
				return 0, err
			}
			t.InitiatorGroups = append(t.InitiatorGroups, g)
			idx = next
		}
	}
}

func (p *parser) parseGroupBody(idx, openLine int, g *model.InitiatorGroup) (int, error) {
	applyLine := func(ev event) error {
		fields := strings.Fields(ev.text)
		switch {
		case len(fields) > 0 && fields[0] == "LUN":
			lun, err := parseLunLine(p, ev)
			if err != nil {
				return err
			}
			if _, exists := g.LUNs.Get(lun.Number); exists {
				return p.errAt(ev.line, ev.text, "duplicate LUN number in GROUP "+g.Name)
			}
			g.LUNs.Add(lun)
			return nil
		case len(fields) > 0 && fields[0] == "INITIATOR":
			if len(fields) < 2 {
				return p.errAt(ev.line, ev.text, "INITIATOR requires a name")
			}
			g.Initiators = append(g.Initiators, strings.TrimSpace(strings.TrimPrefix(ev.text, "INITIATOR")))
			return nil
		default:
			return p.errAt(ev.line, ev.text, "expected LUN or INITIATOR inside GROUP")
		}
	}
	for {
		if idx >= len(p.events) {
			return 0, p.errAt(openLine, "", "unterminated GROUP block opened here")
		}
		ev := p.events[idx]
		switch ev.kind {
		case evClose:
			if ev.text != "" {
				if err := applyLine(ev); err != nil {
					return 0, err
				}
			}
			return idx + 1, nil
		case evOpen:
			return 0, p.errAt(ev.line, ev.text, "GROUP blocks do not nest further")
		case evLine:
			if err := applyLine(ev); err != nil {
				return 0, err
			}
			idx++
		}
	}
}

func (p *parser) parseDeviceGroupBody(idx, openLine int, dg *model.DeviceGroup) (int, error) {
	seenTG := map[string]bool{}
	applyLine := func(ev event) error {
		fields := strings.Fields(ev.text)
		if len(fields) < 2 || fields[0] != "DEVICE" {
			return p.errAt(ev.line, ev.text, "expected DEVICE reference inside DEVICE_GROUP")
		}
		dg.Devices = append(dg.Devices, fields[1])
		return nil
	}
	for {
		if idx >= len(p.events) {
			return 0, p.errAt(openLine, "", "unterminated DEVICE_GROUP block opened here")
		}
		ev := p.events[idx]
		switch ev.kind {
		case evClose:
			if ev.text != "" {
				if err := applyLine(ev); err != nil {
					return 0, err
				}
			}
			return idx + 1, nil
		case evLine:
			if err := applyLine(ev); err != nil {
				return 0, err
			}
			idx++
		case evOpen:
			words := strings.Fields(ev.text)
			if len(words) < 1 || words[0] != "TARGET_GROUP" {
				return 0, p.errAt(ev.line, ev.text, "expected TARGET_GROUP inside DEVICE_GROUP")
			}
			if len(words) < 2 {
				return 0, p.errAt(ev.line, ev.text, "TARGET_GROUP requires a name")
			}
			name := words[1]
			if seenTG[name] {
				return 0, p.errAt(ev.line, ev.text, "duplicate TARGET_GROUP "+name)
			}
			seenTG[name] = true
			tg := &model.TargetGroup{Name: name, Seq: p.nextSeq()}
			next, err := p.parseTargetGroupBody(idx+1, ev.line, tg)
			if err != nil {
				return 0, err
			}
			dg.TargetGroups = append(dg.TargetGroups, tg)
			idx = next
		}
	}
}

func (p *parser) parseTargetGroupBody(idx, openLine int, tg *model.TargetGroup) (int, error) {
	seenTG := map[string]bool{}
	applyLine := func(ev event) error {
		fields := strings.Fields(ev.text)
		if len(fields) < 3 || fields[0] != "TARGET" {
			return p.errAt(ev.line, ev.text, "expected TARGET driver target inside TARGET_GROUP")
		}
		ref := fields[1] + ":" + fields[2]
		if seenTG[ref] {
			return p.errAt(ev.line, ev.text, "duplicate TARGET "+ref)
		}
		seenTG[ref] = true
		tg.Targets = append(tg.Targets, &model.TargetRef{
			Driver: fields[1], Target: fields[2], Attrs: model.NewAttrMap(), Seq: p.nextSeq(),
		})
		return nil
	}
	for {
		if idx >= len(p.events) {
			return 0, p.errAt(openLine, "", "unterminated TARGET_GROUP block opened here")
		}
		ev := p.events[idx]
		switch ev.kind {
		case evClose:
			if ev.text != "" {
				if err := applyLine(ev); err != nil {
					return 0, err
				}
			}
			return idx + 1, nil
		case evLine:
			if err := applyLine(ev); err != nil {
				return 0, err
			}
			idx++
		case evOpen:
			words := strings.Fields(ev.text)
			if len(words) < 3 || words[0] != "TARGET" {
				return 0, p.errAt(ev.line, ev.text, "expected TARGET driver target inside TARGET_GROUP")
			}
			ref := &model.TargetRef{Driver: words[1], Target: words[2], Attrs: model.NewAttrMap(), Seq: p.nextSeq()}
			next, err := p.parseTargetRefBody(idx+1, ev.line, ref)
			if err != nil {
				return 0, err
			}
			tg.Targets = append(tg.Targets, ref)
			idx = next
		}
	}
}

func (p *parser) parseTargetRefBody(idx, openLine int, ref *model.TargetRef) (int, error) {
	applyLine := func(ev event) {
		key, val := splitAttrLine(ev.text)
		setAttrWarnDup(ref.Attrs, key, val, "TARGET "+ref.Driver+" "+ref.Target)
	}
	for {
		if idx >= len(p.events) {
			return 0, p.errAt(openLine, "", "unterminated TARGET block opened here")
		}
		ev := p.events[idx]
		switch ev.kind {
		case evClose:
			if ev.text != "" {
				applyLine(ev)
			}
			return idx + 1, nil
		case evOpen:
			return 0, p.errAt(ev.line, ev.text, "TARGET references do not nest further")
		case evLine:
			applyLine(ev)
			idx++
		}
	}
}

// splitAttrLine splits an attribute line into key and rest-of-line
// value, stripping one pair of surrounding quotes .
func splitAttrLine(line string) (string, string) {
	fields := strings.SplitN(line, " ", 2)
	key := fields[0]
	if len(fields) == 1 {
		return key, ""
	}
	return key, stripQuotes(strings.TrimSpace(fields[1]))
}

// setAttrWarnDup sets key=val on attrs, logging a warning if it
// overwrites an existing value: duplicate sibling attribute names
// overwrite the earlier value, with a warning.
func setAttrWarnDup(attrs *model.AttrMap, key, val, subject string) {
	if _, exists := attrs.Get(key); exists {
		log.Warn().Str("subject", subject).Str("attr", key).Msg("duplicate attribute overwrites earlier value")
	}
	attrs.Set(key, val)
}

// parseLunLine parses `LUN <int> <device> [attr=val ...]`.
func parseLunLine(p *parser, ev event) (*model.LUN, error) {
	fields := strings.Fields(ev.text)
	if len(fields) < 3 {
		return nil, p.errAt(ev.line, ev.text, "LUN requires a number and a device name")
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, p.errAt(ev.line, ev.text, "LUN number must be an integer")
	}
	lun := &model.LUN{Number: n, Device: fields[2], Attrs: model.NewAttrMap(), Seq: p.nextSeq()}
	for _, a := range fields[3:] {
		kv := strings.SplitN(a, "=", 2)
		if len(kv) != 2 {
			return nil, p.errAt(ev.line, ev.text, "malformed LUN attribute assignment "+a)
		}
		lun.Attrs.Set(kv[0], stripQuotes(kv[1]))
	}
	return lun, nil
}
