package common

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// Properties is a flat string-keyed configuration and RPC-header map with
// typed accessors. The integer base is configurable so short-format RPC
// headers (hex values) parse through the same getters as long-format
// headers and configuration files (decimal).
type Properties struct {
	values  map[string]string
	intBase int
}

func NewProperties() *Properties {
	return &Properties{values: make(map[string]string), intBase: 10}
}

func NewPropertiesWithBase(base int) *Properties {
	p := NewProperties()
	p.intBase = base
	return p
}

func (p *Properties) SetIntBase(base int) { p.intBase = base }
func (p *Properties) IntBase() int        { return p.intBase }

func (p *Properties) Set(key, value string) {
	p.values[key] = value
}

func (p *Properties) Len() int { return len(p.values) }

func (p *Properties) Has(key string) bool {
	_, ok := p.values[key]
	return ok
}

func (p *Properties) GetString(key, def string) string {
	if v, ok := p.values[key]; ok {
		return v
	}
	return def
}

func (p *Properties) GetInt(key string, def int) int {
	return int(p.GetInt64(key, int64(def)))
}

func (p *Properties) GetInt64(key string, def int64) int64 {
	v, ok := p.values[key]
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), p.intBase, 64)
	if err != nil {
		return def
	}
	return n
}

func (p *Properties) GetUint64(key string, def uint64) uint64 {
	v, ok := p.values[key]
	if !ok {
		return def
	}
	n, err := strconv.ParseUint(strings.TrimSpace(v), p.intBase, 64)
	if err != nil {
		return def
	}
	return n
}

// GetBool follows the meta protocol convention: any nonzero integer is
// true, zero is false.
func (p *Properties) GetBool(key string, def bool) bool {
	d := int64(0)
	if def {
		d = 1
	}
	return p.GetInt64(key, d) != 0
}

// Load reads "key <sep> value" lines into the map. Leading and trailing
// whitespace around both key and value is stripped; empty lines and lines
// without a separator are skipped. Lines starting with '#' are comments
// when loading configuration files.
func (p *Properties) Load(r io.Reader, sep byte) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		idx := strings.IndexByte(line, sep)
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		if key == "" {
			continue
		}
		p.values[key] = strings.TrimSpace(line[idx+1:])
	}
	return scanner.Err()
}

// Copy returns an independent snapshot of the map, keeping the base.
func (p *Properties) Copy() *Properties {
	out := NewPropertiesWithBase(p.intBase)
	for k, v := range p.values {
		out.values[k] = v
	}
	return out
}
