package codec

import (
	_ "embed"
	"fmt"
	"sort"

	"github.com/hamba/avro/v2"
	"github.com/hamba/avro/v2/ocf"

	"github.com/ihippik/flow-radar/internal/sysflow"
)

//go:embed sysflow.avsc
var schemaJSON string

// Schema returns the SysFlow Avro schema.
func Schema() string {
	return schemaJSON
}

// Block compression codecs of the object container file.
const (
	Null      = string(ocf.Null)
	Deflate   = string(ocf.Deflate)
	Snappy    = string(ocf.Snappy)
	ZStandard = string(ocf.ZStandard)
)

// Valid reports whether name is a supported block codec.
func Valid(name string) bool {
	switch name {
	case Null, Deflate, Snappy, ZStandard:
		return true
	}

	return false
}

// Metadata keys written into the container file header.
const (
	MetaExporter = "sysflow.exporter"
	MetaVersion  = "sysflow.version"
)

// Error is a failure of the codec. Framing cannot be trusted after it, so
// it is fatal for the stream.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("codec %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Unknown is a union branch this build has no type for, e.g. written by a
// newer exporter.
type Unknown struct {
	Name string
}

func (*Unknown) Type() sysflow.RecordType { return sysflow.TypeUnknown }

// envelope is the top level SysFlow record.
type envelope struct {
	Rec any `avro:"rec"`
}

var unionNames = map[sysflow.RecordType]string{
	sysflow.TypeHeader:       "sysflow.entity.SFHeader",
	sysflow.TypeContainer:    "sysflow.entity.Container",
	sysflow.TypeProcess:      "sysflow.entity.Process",
	sysflow.TypeFile:         "sysflow.entity.File",
	sysflow.TypeProcessEvent: "sysflow.event.ProcessEvent",
	sysflow.TypeNetworkFlow:  "sysflow.flow.NetworkFlow",
	sysflow.TypeFileFlow:     "sysflow.flow.FileFlow",
	sysflow.TypeFileEvent:    "sysflow.event.FileEvent",
}

// The ocf decoder always resolves union branches through the default
// config, so the record types are registered there.
func init() {
	avro.Register(unionNames[sysflow.TypeHeader], sysflow.Header{})
	avro.Register(unionNames[sysflow.TypeContainer], sysflow.Container{})
	avro.Register(unionNames[sysflow.TypeProcess], sysflow.Process{})
	avro.Register(unionNames[sysflow.TypeFile], sysflow.File{})
	avro.Register(unionNames[sysflow.TypeProcessEvent], sysflow.ProcessEvent{})
	avro.Register(unionNames[sysflow.TypeNetworkFlow], sysflow.NetworkFlow{})
	avro.Register(unionNames[sysflow.TypeFileFlow], sysflow.FileFlow{})
	avro.Register(unionNames[sysflow.TypeFileEvent], sysflow.FileEvent{})
}

// wrap turns a record into the union value the encoder resolves by type.
func wrap(rec sysflow.Record) (any, error) {
	switch r := rec.(type) {
	case *sysflow.Header:
		return *r, nil
	case *sysflow.Container:
		return *r, nil
	case *sysflow.Process:
		return *r, nil
	case *sysflow.File:
		return *r, nil
	case *sysflow.ProcessEvent:
		return *r, nil
	case *sysflow.NetworkFlow:
		return *r, nil
	case *sysflow.FileFlow:
		return *r, nil
	case *sysflow.FileEvent:
		return *r, nil
	default:
		return nil, fmt.Errorf("record %T has no schema", rec)
	}
}

func unwrap(v any) (sysflow.Record, error) {
	switch r := v.(type) {
	case sysflow.Header:
		return &r, nil
	case *sysflow.Header:
		return r, nil
	case sysflow.Container:
		return &r, nil
	case *sysflow.Container:
		return r, nil
	case sysflow.Process:
		return &r, nil
	case *sysflow.Process:
		return r, nil
	case sysflow.File:
		return &r, nil
	case *sysflow.File:
		return r, nil
	case sysflow.ProcessEvent:
		return &r, nil
	case *sysflow.ProcessEvent:
		return r, nil
	case sysflow.NetworkFlow:
		return &r, nil
	case *sysflow.NetworkFlow:
		return r, nil
	case sysflow.FileFlow:
		return &r, nil
	case *sysflow.FileFlow:
		return r, nil
	case sysflow.FileEvent:
		return &r, nil
	case *sysflow.FileEvent:
		return r, nil
	case map[string]any:
		names := make([]string, 0, len(r))
		for name := range r {
			names = append(names, name)
		}

		sort.Strings(names)

		if len(names) == 0 {
			return &Unknown{}, nil
		}

		return &Unknown{Name: names[0]}, nil
	default:
		return nil, fmt.Errorf("unexpected union value %T", v)
	}
}
