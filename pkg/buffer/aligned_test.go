package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAligned(t *testing.T) {
	tests := []struct {
		name      string
		size      int
		alignment int
		wantErr   error
	}{
		{"block", 512, 512, nil},
		{"page", 4096, 4096, nil},
		{"multiple blocks", 8192, 512, nil},
		{"huge alignment", 1 << 16, 1 << 16, nil},
		{"size not multiple", 100, 512, ErrInvalidArgument},
		{"zero size", 0, 512, ErrInvalidArgument},
		{"negative size", -4096, 4096, ErrInvalidArgument},
		{"zero alignment", 4096, 0, ErrInvalidArgument},
		{"alignment not power of two", 3000, 1000, ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewAligned(tt.size, tt.alignment)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, b)
				return
			}
			require.NoError(t, err)
			defer Free(b)

			assert.Equal(t, tt.size, b.Len())
			assert.Equal(t, tt.alignment, b.Alignment())
			assert.Zero(t, b.Addr()%uintptr(tt.alignment), "address %#x not aligned", b.Addr())
			assert.True(t, IsAligned(b.Bytes(), tt.alignment))

			// the whole range must be writable
			b.Buf[0] = 1
			b.Buf[len(b.Buf)-1] = 2
		})
	}
}

func TestNewZeroFilled(t *testing.T) {
	b, err := New(10000)
	require.NoError(t, err)
	defer Free(b)

	assert.Equal(t, 10000, b.Len())
	assert.Zero(t, b.Addr()%uintptr(pageSize))
	for i, v := range b.Bytes() {
		if v != 0 {
			t.Fatalf("byte %d = %d, want 0", i, v)
		}
	}

	_, err = New(0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestFree(t *testing.T) {
	assert.ErrorIs(t, Free(nil), ErrInvalidArgument)

	b, err := NewAligned(4096, 4096)
	require.NoError(t, err)
	require.NoError(t, Free(b))
	assert.True(t, b.Freed())
	assert.Zero(t, b.Addr())
	assert.Zero(t, b.Len())

	assert.NoError(t, Free(b), "second free is a no-op")
}

func TestIsAligned(t *testing.T) {
	b, err := NewAligned(8192, 4096)
	require.NoError(t, err)
	defer Free(b)

	assert.True(t, IsAligned(b.Buf, 4096))
	assert.True(t, IsAligned(b.Buf[512:], 512))
	assert.False(t, IsAligned(b.Buf[1:], 512))
	assert.False(t, IsAligned(nil, 512))
}
