package crypto

import (
	"bytes"
	"testing"
)

func TestBuildLargeBlobAAD(t *testing.T) {
	tests := []struct {
		name     string
		origSize uint64
		want     []byte
	}{
		{
			name:     "zero size",
			origSize: 0,
			want: []byte{
				'b', 'l', 'o', 'b',
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
			},
		},
		{
			name:     "five bytes (hello)",
			origSize: 5,
			want: []byte{
				'b', 'l', 'o', 'b',
				0x05, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
			},
		},
		{
			name:     "large size",
			origSize: 0x0102030405060708,
			want: []byte{
				'b', 'l', 'o', 'b',
				0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01,
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := BuildLargeBlobAAD(tc.origSize)
			if len(got) != LargeBlobAADPrefixSize+8 {
				t.Fatalf("aad length = %d, want %d", len(got), LargeBlobAADPrefixSize+8)
			}
			if !bytes.Equal(got, tc.want) {
				t.Errorf("aad mismatch:\n  got:  %x\n  want: %x", got, tc.want)
			}
		})
	}
}

func TestLargeBlobConstants(t *testing.T) {
	if LargeBlobKeySize != 32 {
		t.Errorf("LargeBlobKeySize = %d, want 32", LargeBlobKeySize)
	}
	if LargeBlobNonceSize != 12 {
		t.Errorf("LargeBlobNonceSize = %d, want 12", LargeBlobNonceSize)
	}
	if LargeBlobTagSize != 16 {
		t.Errorf("LargeBlobTagSize = %d, want 16", LargeBlobTagSize)
	}
}
