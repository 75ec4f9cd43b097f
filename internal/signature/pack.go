package signature

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Format is a signature pack encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatForPath picks the pack format from the file extension.
func FormatForPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	}
	return "", fmt.Errorf("unsupported signature pack extension %q", filepath.Ext(path))
}

//go:embed packs/default.yaml
var defaultPack []byte

// DefaultPack returns the built-in signatures.
func DefaultPack() []Signature {
	sigs, skipped, err := ParsePack(defaultPack, FormatYAML)
	if err != nil || len(skipped) > 0 {
		panic(fmt.Sprintf("signature: built-in pack is invalid: %v %v", err, skipped))
	}
	return sigs
}

// LoadPack reads a pack file. Entries that fail to decode or validate are
// returned in skipped; only an unreadable or unparseable file is an error.
func LoadPack(path string) (sigs []Signature, skipped []error, err error) {
	format, err := FormatForPath(path)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read signature pack: %w", err)
	}
	return ParsePack(data, format)
}

type yamlPack struct {
	Signatures []yaml.Node `yaml:"signatures"`
}

type tomlPack struct {
	Signatures []toml.Primitive `toml:"signatures"`
}

// ParsePack decodes a pack, keeping entry order.
func ParsePack(data []byte, format Format) ([]Signature, []error, error) {
	var (
		sigs    []Signature
		skipped []error
	)
	keep := func(i int, sig Signature, err error) {
		if err == nil {
			err = sig.Validate()
		}
		if err != nil {
			skipped = append(skipped, fmt.Errorf("entry %d (%s): %w", i, sig.ID, err))
			return
		}
		sigs = append(sigs, sig)
	}

	switch format {
	case FormatYAML:
		var doc yamlPack
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, nil, fmt.Errorf("parse yaml pack: %w", err)
		}
		for i := range doc.Signatures {
			var sig Signature
			err := doc.Signatures[i].Decode(&sig)
			keep(i, sig, err)
		}
	case FormatTOML:
		var doc tomlPack
		md, err := toml.Decode(string(data), &doc)
		if err != nil {
			return nil, nil, fmt.Errorf("parse toml pack: %w", err)
		}
		for i, prim := range doc.Signatures {
			var sig Signature
			err := md.PrimitiveDecode(prim, &sig)
			keep(i, sig, err)
		}
	default:
		return nil, nil, fmt.Errorf("unsupported pack format %q", format)
	}
	return sigs, skipped, nil
}

// MarshalPack encodes sigs so that ParsePack reproduces them exactly.
func MarshalPack(sigs []Signature, format Format) ([]byte, error) {
	switch format {
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(struct {
			Signatures []Signature `yaml:"signatures"`
		}{sigs}); err != nil {
			return nil, fmt.Errorf("encode yaml pack: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case FormatTOML:
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(struct {
			Signatures []Signature `toml:"signatures"`
		}{sigs}); err != nil {
			return nil, fmt.Errorf("encode toml pack: %w", err)
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unsupported pack format %q", format)
}

// Signatures returns the plain signatures held in entries.
func Signatures(entries []*Entry) []Signature {
	out := make([]Signature, len(entries))
	for i, e := range entries {
		out[i] = e.Signature
	}
	return out
}
