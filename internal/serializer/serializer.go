package serializer

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"github.com/Masterminds/semver/v3"
)

const (
	// CurrentVersion is stamped on every document written by this package.
	CurrentVersion = "1.0"
	// LegacyVersion is assumed for documents that carry no version marker.
	LegacyVersion = "0.0"
)

var (
	ErrUnsupportedVersion = errors.New("unsupported schema version")
	ErrTypeMismatch       = errors.New("document type mismatch")
)

var current = semver.MustParse(CurrentVersion)

// Versioned is implemented by XML documents that carry their schema version.
type Versioned interface {
	SchemaVersion() string
	SetSchemaVersion(string)
}

// ParseVersion parses a schema version such as "0.1" or "1.0".
func ParseVersion(v string) (*semver.Version, error) {
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, v)
	}
	return parsed, nil
}

// Check rejects versions newer than CurrentVersion.
func Check(v string) error {
	parsed, err := ParseVersion(v)
	if err != nil {
		return err
	}
	if parsed.GreaterThan(current) {
		return fmt.Errorf("%w: %s is newer than %s", ErrUnsupportedVersion, v, CurrentVersion)
	}
	return nil
}

// Less reports whether version a sorts before b. Unparseable versions sort first.
func Less(a, b string) bool {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA != nil || errB != nil {
		return errA != nil && errB == nil
	}
	return va.LessThan(vb)
}

func WriteXML(w io.Writer, v Versioned) error {
	v.SetSchemaVersion(CurrentVersion)
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode xml: %w", err)
	}
	return enc.Flush()
}

// ReadXML decodes a document of any historical version into v and returns that version.
// The version is left on v so that upgrade steps can inspect it.
func ReadXML(r io.Reader, v Versioned) (string, error) {
	if err := xml.NewDecoder(r).Decode(v); err != nil {
		return "", fmt.Errorf("decode xml: %w", err)
	}
	ver := v.SchemaVersion()
	if ver == "" {
		ver = LegacyVersion
		v.SetSchemaVersion(ver)
	}
	if err := Check(ver); err != nil {
		return "", err
	}
	return ver, nil
}

type envelope struct {
	SchemaVersion string          `json:"schemaVersion"`
	Type          string          `json:"type"`
	Object        json.RawMessage `json:"object"`
}

func WriteJSON(w io.Writer, typeName string, v any) error {
	obj, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(envelope{SchemaVersion: CurrentVersion, Type: typeName, Object: obj})
}

// ReadJSON accepts both the versioned envelope and the bare objects written before it existed.
func ReadJSON(r io.Reader, typeName string, v any) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", fmt.Errorf("decode json: %w", err)
	}
	_, hasVersion := fields["schemaVersion"]
	_, hasObject := fields["object"]
	if !hasVersion || !hasObject {
		if err := json.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
			return "", fmt.Errorf("decode json: %w", err)
		}
		return LegacyVersion, nil
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("decode json envelope: %w", err)
	}
	if err := Check(env.SchemaVersion); err != nil {
		return "", err
	}
	if typeName != "" && env.Type != "" && env.Type != typeName {
		return "", fmt.Errorf("%w: got %s, want %s", ErrTypeMismatch, env.Type, typeName)
	}
	if err := json.Unmarshal(env.Object, v); err != nil {
		return "", fmt.Errorf("decode json object: %w", err)
	}
	return env.SchemaVersion, nil
}
