package entry

import (
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	key, err := Key16("wifi_ssid")
	if err != nil {
		t.Fatal(err)
	}

	var data [8]byte
	PutScalar(&data, 4, 42)

	h := Header{
		Namespace:  3,
		Type:       TypeU32,
		Span:       1,
		ChunkIndex: ChunkNone,
		Key:        key,
		Data:       data,
	}

	buf := Encode(h)

	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.Namespace != h.Namespace || got.Type != h.Type || got.Span != h.Span {
		t.Fatalf("header mismatch: %+v", got)
	}

	if KeyString(got.Key) != "wifi_ssid" {
		t.Fatalf("key mismatch: %q", KeyString(got.Key))
	}

	if Scalar(got.Data, 4) != 42 {
		t.Fatalf("scalar mismatch: %d", Scalar(got.Data, 4))
	}
}

func TestDecodeDetectsCorruption(t *testing.T) {
	key, _ := Key16("k")
	buf := Encode(Header{Namespace: 1, Type: TypeU8, Span: 1, ChunkIndex: ChunkNone, Key: key})

	buf[10] ^= 0xFF // flip a byte inside the key

	if _, err := Decode(buf); err == nil {
		t.Fatal("expected corruption error")
	}
}

func TestKeyTooLong(t *testing.T) {
	_, err := Key16("this_key_is_way_too_long_for_sixteen_bytes")
	if err == nil {
		t.Fatal("expected error for oversize key")
	}
}

func TestKeyExactBoundary(t *testing.T) {
	key15 := "123456789012345" // 15 bytes, fits exactly
	if _, err := Key16(key15); err != nil {
		t.Fatalf("15-byte key should fit: %v", err)
	}

	key16 := "1234567890123456"
	if _, err := Key16(key16); err == nil {
		t.Fatal("16-byte key should be rejected")
	}
}

func TestScalarWidths(t *testing.T) {
	tests := []struct {
		typ   Type
		width int
	}{
		{TypeU8, 1}, {TypeI8, 1},
		{TypeU16, 2}, {TypeI16, 2},
		{TypeU32, 4}, {TypeI32, 4},
		{TypeU64, 8}, {TypeI64, 8},
	}

	for _, tt := range tests {
		if got := tt.typ.ScalarWidth(); got != tt.width {
			t.Errorf("%s: ScalarWidth() = %d, want %d", tt.typ, got, tt.width)
		}
	}

	if TypeString.ScalarWidth() != 0 {
		t.Fatal("string is not a scalar")
	}
}

func TestChunkDataRoundTrip(t *testing.T) {
	var data [8]byte
	PutChunkData(&data, 123, 0xDEADBEEF)

	size, crc := ChunkData(data)
	if size != 123 || crc != 0xDEADBEEF {
		t.Fatalf("got size=%d crc=%#x", size, crc)
	}
}

func TestBlobIdxDataRoundTrip(t *testing.T) {
	var data [8]byte
	PutBlobIdxData(&data, 12000, 3, 0xCAFEBABE)

	size, count, crc := BlobIdxData(data)
	if size != 12000 || count != 3 || crc != 0xCAFEBABE {
		t.Fatalf("got size=%d count=%d crc=%#x", size, count, crc)
	}
}

func TestSpanFor(t *testing.T) {
	tests := []struct {
		typ  Type
		n    int
		want uint8
	}{
		{TypeU32, 0, 1},
		{TypeString, 0, 1},
		{TypeString, 1, 2},
		{TypeString, 32, 2},
		{TypeString, 33, 3},
		{TypeBlobData, 4000, 1 + 4000/32 + boolToInt(4000%32 != 0)},
	}

	for _, tt := range tests {
		if got := SpanFor(tt.typ, tt.n); got != tt.want {
			t.Errorf("SpanFor(%s, %d) = %d, want %d", tt.typ, tt.n, got, tt.want)
		}
	}
}

func boolToInt(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
