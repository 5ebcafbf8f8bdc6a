// Package manifest parses the JSON documents returned by the update server:
// the version-check manifest and the status-report response.
//
// Parsing is lenient in the same way on every section: a key whose value has
// the wrong JSON type is ignored rather than failing the document. Only a
// document that is not a JSON object is an error.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/st-keller/ota-client/digest"
	"github.com/st-keller/ota-client/version"
)

// ErrMalformed is wrapped by every Parse failure.
var ErrMalformed = errors.New("malformed manifest")

// Manifest is one parsed server response. It is created fresh per parse and
// is not safe for concurrent mutation.
type Manifest struct {
	Firmware   *Firmware
	Activation *Activation
	MQTT       Section
	Websocket  Section
	ServerTime *ServerTime
	Custom     []Item
	Settings   *RemoteSettings

	// Warnings lists entries that were present but ignored (bad content
	// items, unparsable hashes).
	Warnings []string

	hasNewVersion bool
}

// Firmware is the "firmware" section.
type Firmware struct {
	Version string
	URL     string
	Force   int

	hasVersion bool
	hasURL     bool
}

// Complete reports whether both version and url were given as strings.
func (f *Firmware) Complete() bool { return f != nil && f.hasVersion && f.hasURL }

// Activation is the "activation" section.
type Activation struct {
	Code      string
	Challenge string
	Message   string
	// Timeout bounds the activation poll. Zero means only the attempt
	// limit applies.
	Timeout time.Duration

	hasCode      bool
	hasChallenge bool
}

// ServerTime is the "server_time" section.
type ServerTime struct {
	// TimestampMillis is milliseconds since the Unix epoch.
	TimestampMillis float64
	// OffsetMinutes is added to the timestamp when present.
	OffsetMinutes int
}

// Time returns the server time with the timezone offset applied, which is
// how the device clock is set.
func (s ServerTime) Time() time.Time {
	ms := s.TimestampMillis + float64(s.OffsetMinutes)*60*1000
	return time.UnixMilli(int64(ms))
}

// Item is one auxiliary content file.
type Item struct {
	URL  string
	Path string
	// Expected is zero when the server supplied no hash.
	Expected digest.Sum
}

// BaseName is the final path element of Path, the only part a device uses
// when placing the file under its content directory.
func (i Item) BaseName() string {
	name := i.Path
	if idx := strings.LastIndexAny(name, `/\`); idx >= 0 {
		name = name[idx+1:]
	}
	return path.Clean(name)
}

// RemoteSettings is the "settings" object of a status response.
type RemoteSettings struct {
	// Status holds the recognized numeric keys of the nested "status" object.
	Status map[string]int
	// General holds every other scalar key of the settings object.
	General Section
}

// Recognized keys of settings.status.
const (
	StatusDeepSleep  = "deepSleep"
	StatusReport     = "report"
	StatusAutoStart  = "autoStart"
	StatusPickupWake = "pickupWake"
)

var statusKeys = []string{StatusDeepSleep, StatusReport, StatusAutoStart, StatusPickupWake}

// Value is a scalar from an opaque section: a string or an integer.
type Value struct {
	IsString bool
	String   string
	Int      int
}

// Section is an opaque key/value object persisted verbatim.
type Section map[string]Value

// Keys returns the section keys in sorted order.
func (s Section) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Evaluate decides HasNewVersion against the running version: the candidate
// must compare newer, or force must be 1. Both version and url must be
// present for either to apply.
func (m *Manifest) Evaluate(current string) {
	m.hasNewVersion = false
	if !m.Firmware.Complete() {
		return
	}
	m.hasNewVersion = version.IsNewer(current, m.Firmware.Version) || m.Firmware.Force == 1
}

// HasNewVersion reports the result of the last Evaluate.
func (m *Manifest) HasNewVersion() bool { return m.hasNewVersion }

// HasActivationCode reports whether the activation section carried a code.
func (m *Manifest) HasActivationCode() bool { return m.Activation != nil && m.Activation.hasCode }

// HasActivationChallenge reports whether the activation section carried a
// challenge to sign.
func (m *Manifest) HasActivationChallenge() bool {
	return m.Activation != nil && m.Activation.hasChallenge
}

// HasMQTTConfig reports whether an mqtt section was present.
func (m *Manifest) HasMQTTConfig() bool { return m.MQTT != nil }

// HasWebsocketConfig reports whether a websocket section was present.
func (m *Manifest) HasWebsocketConfig() bool { return m.Websocket != nil }

// HasServerTime reports whether a usable server_time section was present.
func (m *Manifest) HasServerTime() bool { return m.ServerTime != nil }

// Parse decodes a server response.
func Parse(data []byte) (*Manifest, error) {
	root, err := decodeObject(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	m := &Manifest{}
	if obj, ok := object(root["firmware"]); ok {
		m.Firmware = parseFirmware(obj)
	}
	if obj, ok := object(root["activation"]); ok {
		m.Activation = parseActivation(obj)
	}
	if obj, ok := object(root["mqtt"]); ok {
		m.MQTT = parseSection(obj)
	}
	if obj, ok := object(root["websocket"]); ok {
		m.Websocket = parseSection(obj)
	}
	if obj, ok := object(root["server_time"]); ok {
		if ts, ok := number(obj["timestamp"]); ok {
			st := &ServerTime{TimestampMillis: ts}
			if offset, ok := number(obj["timezone_offset"]); ok {
				st.OffsetMinutes = truncate(offset)
			}
			m.ServerTime = st
		}
	}
	if items, ok := array(root["custom"]); ok {
		m.Custom, m.Warnings = parseItems(items)
	}
	if obj, ok := object(root["settings"]); ok {
		m.Settings = parseSettings(obj)
	}
	return m, nil
}

func parseFirmware(obj map[string]json.RawMessage) *Firmware {
	f := &Firmware{}
	f.Version, f.hasVersion = str(obj["version"])
	f.URL, f.hasURL = str(obj["url"])
	if force, ok := number(obj["force"]); ok {
		f.Force = truncate(force)
	}
	return f
}

func parseActivation(obj map[string]json.RawMessage) *Activation {
	a := &Activation{}
	a.Message, _ = str(obj["message"])
	a.Code, a.hasCode = str(obj["code"])
	a.Challenge, a.hasChallenge = str(obj["challenge"])
	if ms, ok := number(obj["timeout_ms"]); ok && ms > 0 {
		a.Timeout = time.Duration(truncate(ms)) * time.Millisecond
	}
	return a
}

func parseSection(obj map[string]json.RawMessage) Section {
	section := make(Section, len(obj))
	for key, raw := range obj {
		if s, ok := str(raw); ok {
			section[key] = Value{IsString: true, String: s}
		} else if n, ok := number(raw); ok {
			section[key] = Value{Int: truncate(n)}
		}
	}
	return section
}

// hashFields lists the accepted hash keys of a content item, in preference
// order.
var hashFields = []struct {
	key       string
	algorithm digest.Algorithm
}{
	{"sha256", digest.SHA256},
	{"blake3", digest.BLAKE3},
	{"md5", digest.MD5},
}

func parseItems(raws []json.RawMessage) ([]Item, []string) {
	var items []Item
	var warnings []string
	for i, raw := range raws {
		obj, ok := object(raw)
		if !ok {
			continue
		}
		url, okURL := str(obj["url"])
		p, okPath := str(obj["path"])
		if !okURL || !okPath {
			warnings = append(warnings, fmt.Sprintf("custom[%d]: url and path must be strings", i))
			continue
		}

		item := Item{URL: url, Path: p}
		valid := true
		for _, field := range hashFields {
			hexValue, present := str(obj[field.key])
			if !present || hexValue == "" {
				continue
			}
			sum, err := digest.Parse(field.algorithm, hexValue)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("custom[%d]: %v", i, err))
				valid = false
			} else {
				item.Expected = sum
			}
			break
		}
		if !valid {
			continue
		}
		if name := item.BaseName(); name == "" || name == "." || name == ".." {
			warnings = append(warnings, fmt.Sprintf("custom[%d]: path %q has no file name", i, p))
			continue
		}
		items = append(items, item)
	}
	return items, warnings
}

func parseSettings(obj map[string]json.RawMessage) *RemoteSettings {
	rs := &RemoteSettings{Status: make(map[string]int), General: make(Section)}
	if status, ok := object(obj["status"]); ok {
		for _, key := range statusKeys {
			if n, ok := number(status[key]); ok {
				rs.Status[key] = truncate(n)
			}
		}
	}
	for key, raw := range obj {
		if key == "status" {
			continue
		}
		if s, ok := str(raw); ok {
			rs.General[key] = Value{IsString: true, String: s}
		} else if n, ok := number(raw); ok {
			rs.General[key] = Value{Int: truncate(n)}
		}
	}
	return rs
}

func decodeObject(data []byte) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty document")
	}
	if trimmed[0] != '{' {
		return nil, errors.New("document is not a JSON object")
	}
	var root map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &root); err != nil {
		return nil, err
	}
	return root, nil
}

func object(raw json.RawMessage) (map[string]json.RawMessage, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, false
	}
	return obj, true
}

func array(raw json.RawMessage) ([]json.RawMessage, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false
	}
	return items, true
}

func str(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func number(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || (raw[0] != '-' && (raw[0] < '0' || raw[0] > '9')) {
		return 0, false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	return n, true
}

// truncate converts a JSON number to int toward zero, saturating at the int
// range.
func truncate(f float64) int {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt:
		return math.MaxInt
	case f <= math.MinInt:
		return math.MinInt
	}
	return int(f)
}
