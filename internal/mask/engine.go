package mask

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/uppnrise/iron-veil/internal/metrics"
	"github.com/uppnrise/iron-veil/internal/state"
)

// Column is one result-set column descriptor as the engine sees it. Table is
// empty when the protocol does not expose a table name for the column.
type Column struct {
	Name  string
	Table string
}

// Engine rewrites result-row cells for one connection. It holds the
// connection's column map, rebuilt on every RowDescription or
// ColumnDefinition sequence, and consults the shared state for the current
// rule list and masking switch.
type Engine struct {
	st      *state.State
	metrics *metrics.Collector
	scanner *Scanner
	connID  uint64

	// targets maps column index to the strategy of the first matching rule.
	targets map[int]string
}

// NewEngine creates a masking engine bound to one connection.
func NewEngine(st *state.State, m *metrics.Collector, connID uint64) *Engine {
	return &Engine{
		st:      st,
		metrics: m,
		scanner: NewScanner(),
		connID:  connID,
		targets: make(map[int]string),
	}
}

// SetColumns rebuilds the column map from a fresh descriptor sequence. The
// rule list is scanned in order and the first match per column wins. A rule
// with a table constraint matches only when the column's table is unknown
// (Postgres: RowDescription carries an OID, not a name, and no OID cache is
// kept, so table-scoped rules degrade to column-name matching there) or
// equal to the rule's table.
func (e *Engine) SetColumns(cols []Column) {
	e.targets = make(map[int]string, len(cols))

	cfg := e.st.Config()
	for i, col := range cols {
		for _, rule := range cfg.Rules {
			if rule.Column != col.Name {
				continue
			}
			if rule.Table != "" && col.Table != "" && rule.Table != col.Table {
				continue
			}
			e.targets[i] = rule.Strategy
			break
		}
	}
}

// MaskRow rewrites the cells of one result row in place, returning the
// number of cells changed. The framing shape is preserved: nil cells stay
// nil, present cells stay present, only byte contents change. Cells that are
// not valid UTF-8 where text is required are left untouched.
func (e *Engine) MaskRow(values [][]byte) int {
	cfg := e.st.Config()
	if !cfg.MaskingEnabled {
		return 0
	}

	masked := 0
	for i, val := range values {
		if val == nil {
			continue
		}

		explicit, hasExplicit := e.targets[i]

		if hasExplicit && explicit == "json" {
			if out, changed, err := e.maskJSON(val); err == nil {
				if changed {
					values[i] = out
					masked++
					e.record("json")
				}
				continue
			}
			// Not a JSON document: fall through and mask the whole cell
			// under the explicit strategy.
		}

		strategy := explicit
		if !hasExplicit {
			if !utf8.Valid(val) {
				continue
			}
			s := string(val)
			trimmed := strings.TrimSpace(s)

			wrappedBraces := strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}")
			wrappedBrackets := strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]")
			if wrappedBraces || wrappedBrackets {
				if out, changed, err := e.maskJSON(val); err == nil {
					if changed {
						values[i] = out
						masked++
						e.record("json")
					}
					continue
				}
				// Invalid JSON in braces may be a Postgres array literal.
				if wrappedBraces {
					// Element strategies are counted inside the literal walk.
					if out, changed := e.maskArrayLiteral(s); changed {
						values[i] = []byte(out)
						masked++
						continue
					}
				}
			}

			kind, ok := e.scanner.Scan(s)
			if !ok {
				continue
			}
			strategy = kind.Strategy()
		}

		fake := Generate(strategy, Fingerprint(val))
		values[i] = []byte(fake)
		masked++
		e.record(strategy)
	}

	if masked > 0 {
		e.st.AddLog(e.connID, "DataMasked", fmt.Sprintf("masked %d fields in row", masked))
	}
	return masked
}

func (e *Engine) record(strategy string) {
	e.st.RecordMask(strategy)
	if e.metrics != nil {
		e.metrics.MaskApplied(strategy)
	}
}

// maskJSON parses val as a JSON document and substitutes every string leaf
// that classifies as PII. Numbers, booleans, and nulls pass through. A parse
// failure is returned as an error; the caller decides the fallback.
func (e *Engine) maskJSON(val []byte) (out []byte, changed bool, err error) {
	var doc interface{}
	if err := json.Unmarshal(val, &doc); err != nil {
		return nil, false, err
	}
	doc, changed = e.maskJSONValue(doc)
	if !changed {
		return nil, false, nil
	}
	out, err = json.Marshal(doc)
	if err != nil {
		// Leave the row untouched rather than emit an inconsistent cell.
		return nil, false, err
	}
	return out, true, nil
}

func (e *Engine) maskJSONValue(v interface{}) (interface{}, bool) {
	switch t := v.(type) {
	case string:
		if kind, ok := e.scanner.Scan(t); ok {
			return Generate(kind.Strategy(), Fingerprint([]byte(t))), true
		}
		return t, false
	case []interface{}:
		changed := false
		for i, elem := range t {
			newElem, c := e.maskJSONValue(elem)
			if c {
				t[i] = newElem
				changed = true
			}
		}
		return t, changed
	case map[string]interface{}:
		changed := false
		for k, elem := range t {
			newElem, c := e.maskJSONValue(elem)
			if c {
				t[k] = newElem
				changed = true
			}
		}
		return t, changed
	default:
		return v, false
	}
}

// maskArrayLiteral treats raw as a Postgres array literal ({a,b,...}),
// splitting top-level comma-separated elements while respecting double
// quotes and backslash escapes. Elements whose unescaped content classifies
// as PII are replaced with a quoted fake; everything else is reassembled
// verbatim. The second return is false when no element changed.
func (e *Engine) maskArrayLiteral(raw string) (string, bool) {
	if !strings.HasPrefix(raw, "{") || !strings.HasSuffix(raw, "}") {
		return raw, false
	}
	content := raw[1 : len(raw)-1]

	var elements []string
	var current strings.Builder
	inQuotes := false
	escaped := false
	for _, r := range content {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
			current.WriteRune(r)
		case r == '"':
			inQuotes = !inQuotes
			current.WriteRune(r)
		case r == ',' && !inQuotes:
			elements = append(elements, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	elements = append(elements, current.String())

	changed := false
	for i, elem := range elements {
		trimmed := strings.TrimSpace(elem)
		inner := trimmed
		if len(trimmed) >= 2 && strings.HasPrefix(trimmed, `"`) && strings.HasSuffix(trimmed, `"`) {
			inner = trimmed[1 : len(trimmed)-1]
		}
		clean := strings.ReplaceAll(strings.ReplaceAll(inner, `\"`, `"`), `\\`, `\`)

		if kind, ok := e.scanner.Scan(clean); ok {
			fake := Generate(kind.Strategy(), Fingerprint([]byte(clean)))
			// Masked elements are always quoted.
			elements[i] = `"` + fake + `"`
			changed = true
			e.record(kind.Strategy())
		}
	}
	if !changed {
		return raw, false
	}
	return "{" + strings.Join(elements, ",") + "}", true
}
