package builder

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/nvscore/nvs/entry"
	"github.com/nvscore/nvs/page"
)

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Namespace != recs[j].Namespace {
			return recs[i].Namespace < recs[j].Namespace
		}
		return recs[i].Key < recs[j].Key
	})
}

func TestBuildParseRoundTrip(t *testing.T) {
	records := []Record{
		{Namespace: "wifi", Key: "channel", Type: entry.TypeU32, Uint: 6},
		{Namespace: "wifi", Key: "ssid", Type: entry.TypeString, Str: "lab-network"},
		{Namespace: "device", Key: "temp_offset", Type: entry.TypeI16, Int: -12},
		{Namespace: "device", Key: "cert", Type: entry.TypeBlob, Blob: []byte{0xDE, 0xAD, 0xBE, 0xEF}},
	}

	image, err := Build(records, 4*page.Size)
	require.NoError(t, err)

	got, err := Parse(image)
	require.NoError(t, err)

	sortRecords(records)
	sortRecords(got)

	if diff := cmp.Diff(records, got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestCSVRoundTrip(t *testing.T) {
	records := []Record{
		{Namespace: "wifi", Key: "channel", Type: entry.TypeU32, Uint: 6},
		{Namespace: "wifi", Key: "ssid", Type: entry.TypeString, Str: "lab-network"},
		{Namespace: "device", Key: "cert", Type: entry.TypeBlob, Blob: []byte{0xDE, 0xAD}},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, records))

	got, err := ReadCSV(&buf, t.TempDir())
	require.NoError(t, err)

	sortRecords(records)
	sortRecords(got)

	if diff := cmp.Diff(records, got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("csv round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestCSVNamespaceRowsOpenContext(t *testing.T) {
	doc := "key,type,encoding,value\n" +
		"wifi,namespace,,\n" +
		"channel,data,u32,6\n" +
		"ssid,data,string,lab-network\n" +
		"device,namespace,,\n" +
		"temp_offset,data,i16,-12\n" +
		"cert,data,hex2bin,deadbeef\n"

	got, err := ReadCSV(strings.NewReader(doc), t.TempDir())
	require.NoError(t, err)

	want := []Record{
		{Namespace: "wifi", Key: "channel", Type: entry.TypeU32, Uint: 6},
		{Namespace: "wifi", Key: "ssid", Type: entry.TypeString, Str: "lab-network"},
		{Namespace: "device", Key: "temp_offset", Type: entry.TypeI16, Int: -12},
		{Namespace: "device", Key: "cert", Type: entry.TypeBlob, Blob: []byte{0xDE, 0xAD, 0xBE, 0xEF}},
	}

	sortRecords(want)
	sortRecords(got)
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("namespace-row csv mismatch (-want +got):\n%s", diff)
	}
}

func TestCSVFileRowReadsRelativeToDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cert.der"), []byte{0xCA, 0xFE}, 0o644))

	doc := "key,type,encoding,value\n" +
		"device,namespace,,\n" +
		"cert,file,binary,cert.der\n"

	got, err := ReadCSV(strings.NewReader(doc), dir)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, []byte{0xCA, 0xFE}, got[0].Blob)
}

func TestParseManifest(t *testing.T) {
	doc := []byte(`{
		// fleet provisioning manifest
		"profiles": {
			"lab-unit": [
				{"namespace": "wifi", "key": "channel", "type": "u32", "value": 11},
				{"namespace": "wifi", "key": "ssid", "type": "string", "value": "lab-network"},
				{"namespace": "device", "key": "cert", "type": "blob", "value": "deadbeef"},
			],
		},
	}`)

	profiles, err := ParseManifest(doc)
	require.NoError(t, err)
	require.Len(t, profiles, 1)

	recs := profiles["lab-unit"]
	require.Len(t, recs, 3)

	sortRecords(recs)
	if recs[0].Namespace != "device" || recs[0].Type != entry.TypeBlob {
		t.Fatalf("unexpected first record: %+v", recs[0])
	}
}

func TestBuildThenManifestProvisioning(t *testing.T) {
	doc := []byte(`{"profiles": {"unit-1": [
		{"namespace": "wifi", "key": "channel", "type": "u32", "value": 1}
	]}}`)

	profiles, err := ParseManifest(doc)
	require.NoError(t, err)

	image, err := Build(profiles["unit-1"], 3*page.Size)
	require.NoError(t, err)

	got, err := Parse(image)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, uint64(1), got[0].Uint)
}
