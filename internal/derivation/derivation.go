// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package derivation implements the ATerm derivation format (spec.md §6)
// and the Derivation/DerivationOutput data model (spec.md §3), grounded on
// 256lights-zb's zbstore.Derivation shape and internal/aterm tokenizer,
// but with a from-scratch Parse/Marshal: the teacher's own unmarshalText
// is an explicitly incomplete stub (stubbed InputDerivations loop, "TODO
// (now)" markers for InputSources/System/Builder/Args/Env), so this
// package implements the full grammar directly from spec.md §6 rather
// than finishing that stub.
package derivation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"harmonia.build/daemon/internal/storepath"
)

// Ext is the file extension for a marshalled Derivation.
const Ext = ".drv"

// DefaultOutputName is the name of a derivation's primary output.
const DefaultOutputName = "out"

// OutputKind classifies a [DerivationOutput], per spec.md §3's tagged
// union InputAddressed(path) | CAFixed(ca) | CAFloating(method_algo) |
// Deferred | Impure(method_algo).
type OutputKind int8

const (
	InputAddressed OutputKind = 1 + iota
	CAFixed
	CAFloating
	Deferred
	Impure
)

// DerivationOutput describes one declared output of a [Derivation].
type DerivationOutput struct {
	Kind OutputKind

	// Path is set for InputAddressed and CAFixed; empty otherwise.
	Path storepath.Path

	// Method and HashType are set for CAFixed, CAFloating, and Impure.
	Method   storepath.CAMethod
	HashType storepath.HashType

	// Hash is set only for CAFixed.
	Hash storepath.Hash
}

// ContentAddress returns the output's fixed content address.
// It panics if out.Kind is not CAFixed.
func (out DerivationOutput) ContentAddress() storepath.ContentAddress {
	if out.Kind != CAFixed {
		panic("derivation: ContentAddress called on non-fixed output")
	}
	if out.Method == storepath.TextMethod {
		return storepath.TextContentAddress(out.Hash)
	}
	if out.Method == storepath.RecursiveMethod {
		return storepath.RecursiveFileContentAddress(out.Hash)
	}
	return storepath.FlatFileContentAddress(out.Hash)
}

// Derivation is a single, specific, constant build action (spec.md §3).
type Derivation struct {
	Dir  storepath.Directory
	Name string

	Platform string
	Builder  string
	Args     []string
	Env      map[string]string

	// InputSources is the set of non-derivation store paths this
	// derivation's build depends on.
	InputSources []storepath.Path
	// InputDerivations maps each input derivation's path to the set of
	// its output names this derivation consumes.
	InputDerivations map[storepath.Path][]string

	Outputs map[string]DerivationOutput

	// StructuredAttrs holds the raw __structuredAttrs payload, if any
	// (spec.md §3's "structured_attrs: option<json>").
	StructuredAttrs json.RawMessage
}

// Inputs returns the full set<StorePath> spec.md §3 names as a
// derivation's "inputs": the union of InputSources and the keys of
// InputDerivations.
func (drv *Derivation) Inputs() []storepath.Path {
	out := append([]storepath.Path(nil), drv.InputSources...)
	for p := range drv.InputDerivations {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// References returns the store-path reference set for computing this
// derivation's own store path (spec.md §3, a Derivation's inputs are its
// references when stored as a ".drv" text file).
func (drv *Derivation) References() storepath.References {
	var refs storepath.References
	for _, p := range drv.Inputs() {
		refs.AddOther(p)
	}
	return refs
}

// StorePath computes the derivation's own ".drv" store path: a
// text-content-addressed path over its marshalled ATerm form, referencing
// its full input set, matching spec.md §3's lifecycle note that
// derivations are themselves store objects.
func (drv *Derivation) StorePath() (storepath.Path, []byte, error) {
	data, err := drv.MarshalText()
	if err != nil {
		return "", nil, err
	}
	ctx := storepath.NewContext(storepath.SHA256)
	ctx.Write(data)
	p, err := storepath.FixedCAOutputPath(drv.Dir, drv.Name+Ext, storepath.TextContentAddress(ctx.Sum()), drv.References())
	if err != nil {
		return "", data, err
	}
	return p, data, nil
}

// ResolveOutputPath computes out's final store path per spec.md §4.6
// phase 3: InputAddressed outputs use their declared path verbatim;
// CAFixed outputs derive from the content address with the
// "<drv-name>[-<output-name>]" naming rule. Deferred, CAFloating, and
// Impure outputs have no path until the build runs, so this returns
// ("", false).
func ResolveOutputPath(dir storepath.Directory, drvName, outputName string, out DerivationOutput) (storepath.Path, bool) {
	switch out.Kind {
	case InputAddressed:
		return out.Path, true
	case CAFixed:
		name := drvName
		if outputName != DefaultOutputName {
			name += "-" + outputName
		}
		p, err := storepath.FixedCAOutputPath(dir, name, out.ContentAddress(), storepath.References{})
		if err != nil {
			return "", false
		}
		return p, true
	default:
		return "", false
	}
}

// MarshalText renders drv in the ATerm grammar from spec.md §6:
//
//	Derive([out],[input_drvs],[input_srcs],"platform","builder",[args],[env])
func (drv *Derivation) MarshalText() ([]byte, error) {
	if drv.Name == "" {
		return nil, fmt.Errorf("derivation: marshal: missing name")
	}
	var buf []byte
	buf = append(buf, "Derive(["...)
	outNames := make([]string, 0, len(drv.Outputs))
	for name := range drv.Outputs {
		outNames = append(outNames, name)
	}
	sort.Strings(outNames)
	for i, name := range outNames {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = appendOutputTuple(buf, name, drv.Outputs[name])
	}

	buf = append(buf, "],["...)
	drvPaths := make([]storepath.Path, 0, len(drv.InputDerivations))
	for p := range drv.InputDerivations {
		drvPaths = append(drvPaths, p)
	}
	sort.Slice(drvPaths, func(i, j int) bool { return drvPaths[i] < drvPaths[j] })
	for i, p := range drvPaths {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '(')
		buf = appendString(buf, string(p))
		buf = append(buf, ",["...)
		names := append([]string(nil), drv.InputDerivations[p]...)
		sort.Strings(names)
		for j, n := range names {
			if j > 0 {
				buf = append(buf, ',')
			}
			buf = appendString(buf, n)
		}
		buf = append(buf, "])"...)
	}

	buf = append(buf, "],["...)
	srcs := append([]storepath.Path(nil), drv.InputSources...)
	sort.Slice(srcs, func(i, j int) bool { return srcs[i] < srcs[j] })
	for i, p := range srcs {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = appendString(buf, string(p))
	}

	buf = append(buf, "],"...)
	buf = appendString(buf, drv.Platform)
	buf = append(buf, ',')
	buf = appendString(buf, drv.Builder)

	buf = append(buf, ",["...)
	for i, a := range drv.Args {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = appendString(buf, a)
	}

	buf = append(buf, "],["...)
	envKeys := make([]string, 0, len(drv.Env))
	for k := range drv.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	for i, k := range envKeys {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '(')
		buf = appendString(buf, k)
		buf = append(buf, ',')
		buf = appendString(buf, drv.Env[k])
		buf = append(buf, ')')
	}
	buf = append(buf, "])"...)
	return buf, nil
}

func appendOutputTuple(buf []byte, name string, out DerivationOutput) []byte {
	buf = append(buf, '(')
	buf = appendString(buf, name)
	buf = append(buf, ',')
	buf = appendString(buf, string(out.Path))
	buf = append(buf, ',')
	switch out.Kind {
	case InputAddressed, Deferred:
		buf = appendString(buf, "")
		buf = append(buf, ',')
		buf = appendString(buf, "")
	case CAFixed:
		buf = appendString(buf, out.Method.String())
		buf = append(buf, ',')
		buf = appendString(buf, out.HashType.String()+":"+out.Hash.Base16())
	case CAFloating:
		buf = appendString(buf, out.Method.String())
		buf = append(buf, ',')
		buf = appendString(buf, out.HashType.String())
	case Impure:
		buf = appendString(buf, out.Method.String())
		buf = append(buf, ',')
		buf = appendString(buf, out.HashType.String()+":impure")
	default:
		panic("derivation: unknown output kind")
	}
	buf = append(buf, ')')
	return buf
}

// Parse parses a derivation's ATerm-format text, per spec.md §6. dir and
// name are supplied by the caller because, like the teacher's
// ParseDerivation, they come from the derivation's own store path rather
// than being encoded in the ATerm body.
func Parse(dir storepath.Directory, name string, data []byte) (*Derivation, error) {
	drv := &Derivation{
		Dir:              dir,
		Name:             name,
		Env:              map[string]string{},
		Outputs:          map[string]DerivationOutput{},
		InputDerivations: map[storepath.Path][]string{},
	}
	r := bytes.NewReader(data)
	s := newScanner(r)

	const header = "Derive("
	hdr := make([]byte, len(header))
	if _, err := r.Read(hdr); err != nil || string(hdr) != header {
		return nil, fmt.Errorf("derivation: parse %s: missing %q header", name, header)
	}

	if err := s.readList(func() error {
		return s.readTuple(func() error {
			outName, err := s.readStringToken()
			if err != nil {
				return err
			}
			if err := s.expect(tokComma); err != nil {
				return err
			}
			path, err := s.readStringToken()
			if err != nil {
				return err
			}
			if err := s.expect(tokComma); err != nil {
				return err
			}
			method, err := s.readStringToken()
			if err != nil {
				return err
			}
			if err := s.expect(tokComma); err != nil {
				return err
			}
			hashField, err := s.readStringToken()
			if err != nil {
				return err
			}
			out, err := parseOutput(storepath.Path(path), method, hashField)
			if err != nil {
				return fmt.Errorf("output %q: %w", outName, err)
			}
			drv.Outputs[outName] = out
			return nil
		})
	}); err != nil {
		return nil, fmt.Errorf("derivation: parse %s: outputs: %w", name, err)
	}
	if err := s.expect(tokComma); err != nil {
		return nil, fmt.Errorf("derivation: parse %s: %w", name, err)
	}

	if err := s.readList(func() error {
		return s.readTuple(func() error {
			drvPath, err := s.readStringToken()
			if err != nil {
				return err
			}
			if err := s.expect(tokComma); err != nil {
				return err
			}
			var names []string
			if err := s.readList(func() error {
				n, err := s.readStringToken()
				if err != nil {
					return err
				}
				names = append(names, n)
				return nil
			}); err != nil {
				return err
			}
			drv.InputDerivations[storepath.Path(drvPath)] = names
			return nil
		})
	}); err != nil {
		return nil, fmt.Errorf("derivation: parse %s: input derivations: %w", name, err)
	}
	if err := s.expect(tokComma); err != nil {
		return nil, fmt.Errorf("derivation: parse %s: %w", name, err)
	}

	if err := s.readList(func() error {
		p, err := s.readStringToken()
		if err != nil {
			return err
		}
		drv.InputSources = append(drv.InputSources, storepath.Path(p))
		return nil
	}); err != nil {
		return nil, fmt.Errorf("derivation: parse %s: input sources: %w", name, err)
	}
	if err := s.expect(tokComma); err != nil {
		return nil, fmt.Errorf("derivation: parse %s: %w", name, err)
	}

	platform, err := s.readStringToken()
	if err != nil {
		return nil, fmt.Errorf("derivation: parse %s: platform: %w", name, err)
	}
	drv.Platform = platform
	if err := s.expect(tokComma); err != nil {
		return nil, fmt.Errorf("derivation: parse %s: %w", name, err)
	}

	builder, err := s.readStringToken()
	if err != nil {
		return nil, fmt.Errorf("derivation: parse %s: builder: %w", name, err)
	}
	drv.Builder = builder
	if err := s.expect(tokComma); err != nil {
		return nil, fmt.Errorf("derivation: parse %s: %w", name, err)
	}

	if err := s.readList(func() error {
		a, err := s.readStringToken()
		if err != nil {
			return err
		}
		drv.Args = append(drv.Args, a)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("derivation: parse %s: args: %w", name, err)
	}
	if err := s.expect(tokComma); err != nil {
		return nil, fmt.Errorf("derivation: parse %s: %w", name, err)
	}

	if err := s.readList(func() error {
		return s.readTuple(func() error {
			k, err := s.readStringToken()
			if err != nil {
				return err
			}
			if err := s.expect(tokComma); err != nil {
				return err
			}
			v, err := s.readStringToken()
			if err != nil {
				return err
			}
			drv.Env[k] = v
			return nil
		})
	}); err != nil {
		return nil, fmt.Errorf("derivation: parse %s: env: %w", name, err)
	}

	if err := s.expect(tokRParen); err != nil {
		return nil, fmt.Errorf("derivation: parse %s: %w", name, err)
	}

	if raw, ok := drv.Env["__json"]; ok {
		drv.StructuredAttrs = json.RawMessage(raw)
	}

	return drv, nil
}

// readTuple is a convenience wrapper for "(" elem ")" with elem itself
// responsible for consuming internal commas.
func (s *scanner) readTuple(body func() error) error {
	if err := s.expect(tokLParen); err != nil {
		return err
	}
	if err := body(); err != nil {
		return err
	}
	return s.expect(tokRParen)
}

func parseOutput(path storepath.Path, method, hashField string) (DerivationOutput, error) {
	switch {
	case method == "" && hashField == "":
		if path == "" {
			return DerivationOutput{Kind: Deferred}, nil
		}
		return DerivationOutput{Kind: InputAddressed, Path: path}, nil
	case hashField == "":
		m, err := storepath.ParseCAMethod(method)
		if err != nil {
			return DerivationOutput{}, err
		}
		return DerivationOutput{Kind: Deferred, Method: m}, nil
	default:
		m, err := storepath.ParseCAMethod(method)
		if err != nil {
			return DerivationOutput{}, err
		}
		algo, digest, found := cutHashField(hashField)
		typ, err := storepath.ParseHashType(algo)
		if err != nil {
			return DerivationOutput{}, err
		}
		if !found {
			return DerivationOutput{Kind: CAFloating, Method: m, HashType: typ}, nil
		}
		if digest == "impure" {
			return DerivationOutput{Kind: Impure, Method: m, HashType: typ}, nil
		}
		raw, err := storepath.DecodeBase16(digest)
		if err != nil {
			return DerivationOutput{}, err
		}
		return DerivationOutput{
			Kind: CAFixed, Path: path, Method: m, HashType: typ,
			Hash: storepath.NewHash(typ, raw),
		}, nil
	}
}

func cutHashField(s string) (algo, rest string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}
