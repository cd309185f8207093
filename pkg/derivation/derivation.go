// Package derivation implements a hand-rolled recursive-descent parser for
// Nix's ATerm-format ".drv" files (spec.md §4.5). There is no ATerm grammar
// library anywhere in the retrieved example pack, so this follows the
// teacher's own style for parsing structured binary/textual formats by hand
// — a cursor over a byte slice with explicit bounds checks and error
// returns, the same shape as pkg/elfreader's note parser.
package derivation

import (
	"fmt"
)

// Derivation is the parsed content of a .drv file (spec.md §3).
type Derivation struct {
	// Outputs maps output name (e.g. "out", "debug") to its store path.
	Outputs map[string]string
	// InputSources are store paths referenced directly by the build (not
	// produced by another derivation).
	InputSources []string
	// InputDerivations maps a .drv store path to the set of its output
	// names this derivation depends on.
	InputDerivations map[string][]string
	System           string
	Builder          string
	Args             []string
	// Env is the full environment variable map, preserved byte-exact for
	// pass-through values (spec.md §4.5).
	Env map[string]string
}

// Env helpers used by the source resolver (spec.md §4.6).
func (d *Derivation) Src() (string, bool) {
	v, ok := d.Env["src"]
	return v, ok
}

func (d *Derivation) Name() string { return d.Env["name"] }

func (d *Derivation) Patches() []string {
	v, ok := d.Env["patches"]
	if !ok || v == "" {
		return nil
	}
	return splitNixList(v)
}

func (d *Derivation) PrePatch() string  { return d.Env["prePatch"] }
func (d *Derivation) PostPatch() string { return d.Env["postPatch"] }
func (d *Derivation) SourceRoot() string {
	return d.Env["sourceRoot"]
}

// splitNixList splits a Nix-serialized space-joined string list, the shape
// patches/nativeBuildInputs etc. take once an env value is stringified into
// a derivation's ATerm env map.
func splitNixList(s string) []string {
	var out []string
	start := -1
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' || s[i] == '\t' || s[i] == '\n' {
			if start != -1 {
				out = append(out, s[start:i])
				start = -1
			}
			continue
		}
		if start == -1 {
			start = i
		}
	}
	if start != -1 {
		out = append(out, s[start:])
	}
	return out
}

// parser is a cursor over raw ATerm bytes.
//
// Grammar (simplified, matches Nix's `derivationaterm` format):
//
//	Derive(...) -> "Derive(" OutputList "," InputDrvList "," InputSrcList ","
//	               System "," Builder "," Args "," Env ")"
//	OutputList  -> "[" (Output ("," Output)*)? "]"
//	Output      -> "(" Str "," Str "," Str "," Str ")"
//	InputDrvList-> "[" (InputDrv ("," InputDrv)*)? "]"
//	InputDrv    -> "(" Str "," StrList ")"
//	StrList     -> "[" (Str ("," Str)*)? "]"
//	Env         -> "[" (EnvEntry ("," EnvEntry)*)? "]"
//	EnvEntry    -> "(" Str "," Str ")"
//	Str         -> '"' ... '"' with backslash escapes
type parser struct {
	buf []byte
	pos int
}

// Parse parses the raw ATerm content of a .drv file.
func Parse(data []byte) (*Derivation, error) {
	p := &parser{buf: data}
	p.skipLiteral("Derive")
	if err := p.expect('('); err != nil {
		return nil, err
	}

	d := &Derivation{
		Outputs:          map[string]string{},
		InputDerivations: map[string][]string{},
		Env:              map[string]string{},
	}

	outputs, err := p.parseList(func(p *parser) error {
		if err := p.expect('('); err != nil {
			return err
		}
		name, err := p.parseString()
		if err != nil {
			return err
		}
		if err := p.expect(','); err != nil {
			return err
		}
		path, err := p.parseString()
		if err != nil {
			return err
		}
		// hashAlgo and hash fields are parsed and discarded; this module
		// does not verify fixed-output-derivation hashes (spec.md
		// Non-goals: signature/content verification is out of scope).
		if err := p.expect(','); err != nil {
			return err
		}
		if _, err := p.parseString(); err != nil {
			return err
		}
		if err := p.expect(','); err != nil {
			return err
		}
		if _, err := p.parseString(); err != nil {
			return err
		}
		if err := p.expect(')'); err != nil {
			return err
		}
		d.Outputs[name] = path
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("derivation: outputs: %w", err)
	}
	_ = outputs
	if err := p.expect(','); err != nil {
		return nil, err
	}

	if err := p.parseListRaw(func(p *parser) error {
		if err := p.expect('('); err != nil {
			return err
		}
		drvPath, err := p.parseString()
		if err != nil {
			return err
		}
		if err := p.expect(','); err != nil {
			return err
		}
		outs, err := p.parseStringList()
		if err != nil {
			return err
		}
		if err := p.expect(')'); err != nil {
			return err
		}
		d.InputDerivations[drvPath] = outs
		return nil
	}); err != nil {
		return nil, fmt.Errorf("derivation: input derivations: %w", err)
	}
	if err := p.expect(','); err != nil {
		return nil, err
	}

	srcs, err := p.parseStringList()
	if err != nil {
		return nil, fmt.Errorf("derivation: input sources: %w", err)
	}
	d.InputSources = srcs
	if err := p.expect(','); err != nil {
		return nil, err
	}

	if d.System, err = p.parseString(); err != nil {
		return nil, fmt.Errorf("derivation: system: %w", err)
	}
	if err := p.expect(','); err != nil {
		return nil, err
	}
	if d.Builder, err = p.parseString(); err != nil {
		return nil, fmt.Errorf("derivation: builder: %w", err)
	}
	if err := p.expect(','); err != nil {
		return nil, err
	}
	if d.Args, err = p.parseStringList(); err != nil {
		return nil, fmt.Errorf("derivation: args: %w", err)
	}
	if err := p.expect(','); err != nil {
		return nil, err
	}

	if err := p.parseListRaw(func(p *parser) error {
		if err := p.expect('('); err != nil {
			return err
		}
		key, err := p.parseString()
		if err != nil {
			return err
		}
		if err := p.expect(','); err != nil {
			return err
		}
		value, err := p.parseString()
		if err != nil {
			return err
		}
		if err := p.expect(')'); err != nil {
			return err
		}
		d.Env[key] = value
		return nil
	}); err != nil {
		return nil, fmt.Errorf("derivation: env: %w", err)
	}

	if err := p.expect(')'); err != nil {
		return nil, err
	}
	return d, nil
}

func (p *parser) skipLiteral(lit string) {
	if p.pos+len(lit) <= len(p.buf) && string(p.buf[p.pos:p.pos+len(lit)]) == lit {
		p.pos += len(lit)
	}
}

func (p *parser) expect(c byte) error {
	if p.pos >= len(p.buf) {
		return fmt.Errorf("derivation: unexpected end of input, wanted %q", c)
	}
	if p.buf[p.pos] != c {
		return fmt.Errorf("derivation: at offset %d, wanted %q, got %q", p.pos, c, p.buf[p.pos])
	}
	p.pos++
	return nil
}

func (p *parser) peek() (byte, bool) {
	if p.pos >= len(p.buf) {
		return 0, false
	}
	return p.buf[p.pos], true
}

// parseString parses a double-quoted, backslash-escaped ATerm string,
// preserving the decoded bytes exactly (spec.md §4.5 round-trip requirement).
func (p *parser) parseString() (string, error) {
	if err := p.expect('"'); err != nil {
		return "", err
	}
	out := make([]byte, 0, 32)
	for {
		if p.pos >= len(p.buf) {
			return "", fmt.Errorf("derivation: unterminated string")
		}
		c := p.buf[p.pos]
		if c == '"' {
			p.pos++
			return string(out), nil
		}
		if c == '\\' {
			p.pos++
			if p.pos >= len(p.buf) {
				return "", fmt.Errorf("derivation: unterminated escape")
			}
			e := p.buf[p.pos]
			switch e {
			case 'n':
				out = append(out, '\n')
			case 't':
				out = append(out, '\t')
			case 'r':
				out = append(out, '\r')
			case '"', '\\':
				out = append(out, e)
			default:
				out = append(out, e)
			}
			p.pos++
			continue
		}
		out = append(out, c)
		p.pos++
	}
}

// parseList parses "[" (elem ("," elem)*)? "]" calling elem for each entry.
func (p *parser) parseList(elem func(*parser) error) (int, error) {
	count := 0
	if err := p.expect('['); err != nil {
		return 0, err
	}
	if c, ok := p.peek(); ok && c == ']' {
		p.pos++
		return 0, nil
	}
	for {
		if err := elem(p); err != nil {
			return count, err
		}
		count++
		c, ok := p.peek()
		if !ok {
			return count, fmt.Errorf("derivation: unterminated list")
		}
		if c == ',' {
			p.pos++
			continue
		}
		if c == ']' {
			p.pos++
			return count, nil
		}
		return count, fmt.Errorf("derivation: at offset %d expected ',' or ']', got %q", p.pos, c)
	}
}

func (p *parser) parseListRaw(elem func(*parser) error) error {
	_, err := p.parseList(elem)
	return err
}

func (p *parser) parseStringList() ([]string, error) {
	var out []string
	_, err := p.parseList(func(p *parser) error {
		s, err := p.parseString()
		if err != nil {
			return err
		}
		out = append(out, s)
		return nil
	})
	return out, err
}
