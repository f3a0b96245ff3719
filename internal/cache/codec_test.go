package cache

import (
	"errors"
	"testing"
	"time"
)

type region struct {
	Markers []string `json:"markers"`
}

func TestBlobRoundTripKeepsHeader(t *testing.T) {
	entry := Entry[region]{Key: "9q8yy", Value: region{Markers: []string{"a", "b"}}, InsertedAt: time.Unix(1700000000, 0).UTC()}
	blob, err := encodeEntry(entry)
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	if blob[0] != blobMagic || blob[1] != blobVersion {
		t.Fatalf("unexpected header %v", blob[:2])
	}
	decoded, err := decodeEntry[region](blob)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if decoded.Key != entry.Key || !decoded.InsertedAt.Equal(entry.InsertedAt) || len(decoded.Value.Markers) != 2 {
		t.Fatalf("unexpected decoded entry %+v", decoded)
	}
}

func TestDecodeRejectsForeignBlobs(t *testing.T) {
	valid, err := encodeEntry(Entry[region]{Key: "k"})
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	future := append([]byte{}, valid...)
	future[1] = blobVersion + 1

	testCases := []struct {
		name   string
		blob   []byte
		target error
	}{
		{name: "empty", blob: nil, target: ErrCorruptBlob},
		{name: "wrong magic", blob: []byte("{}"), target: ErrCorruptBlob},
		{name: "future version", blob: future, target: ErrUnknownBlobVersion},
		{name: "garbage payload", blob: append([]byte{blobMagic, blobVersion}, []byte("not zstd")...), target: ErrCorruptBlob},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := decodeEntry[region](testCase.blob)
			if !errors.Is(err, testCase.target) {
				t.Fatalf("expected %v, got %v", testCase.target, err)
			}
		})
	}
}
