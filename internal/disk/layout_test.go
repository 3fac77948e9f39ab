package disk

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/danferreira/gtorrentd/internal/metadata"
)

func threeFiles() *Layout {
	return NewLayout(&metadata.Info{
		PieceLength: 5,
		Pieces:      make([][20]byte, 3),
		Files: []metadata.FileInfo{
			{Path: "write_1.txt", Length: 5},
			{Path: "write_2.txt", Length: 5},
			{Path: "write_3.txt", Length: 5},
		},
	}, "/dl")
}

func TestNewLayout(t *testing.T) {
	l := threeFiles()

	assert.Equal(t, int64(15), l.Total)
	assert.Equal(t, filepath.Join("/dl", "write_2.txt"), l.Files[1].Path)
	assert.Equal(t, int64(10), l.Files[2].Offset)
	assert.Equal(t, 3, l.PieceCount())
}

func TestSpans(t *testing.T) {
	l := threeFiles()

	tests := map[string]struct {
		start int64
		n     int
		want  []Span
	}{
		"inside first file": {0, 5, []Span{
			{Path: "/dl/write_1.txt", Size: 5, Offset: 0, Start: 0, End: 5},
		}},
		"across all files": {2, 12, []Span{
			{Path: "/dl/write_1.txt", Size: 5, Offset: 2, Start: 0, End: 3},
			{Path: "/dl/write_2.txt", Size: 5, Offset: 0, Start: 3, End: 8},
			{Path: "/dl/write_3.txt", Size: 5, Offset: 0, Start: 8, End: 12},
		}},
		"partially both": {3, 5, []Span{
			{Path: "/dl/write_1.txt", Size: 5, Offset: 3, Start: 0, End: 2},
			{Path: "/dl/write_2.txt", Size: 5, Offset: 0, Start: 2, End: 5},
		}},
		"clipped at end": {13, 10, []Span{
			{Path: "/dl/write_3.txt", Size: 5, Offset: 3, Start: 0, End: 2},
		}},
		"past end": {15, 1, nil},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, l.Spans(tt.start, tt.n))
		})
	}
}

func TestSpansSkipEmptyFiles(t *testing.T) {
	l := NewLayout(&metadata.Info{
		PieceLength: 4,
		Pieces:      make([][20]byte, 1),
		Files: []metadata.FileInfo{
			{Path: "a", Length: 2},
			{Path: "empty", Length: 0},
			{Path: "b", Length: 2},
		},
	}, "/")

	spans := l.Spans(0, 4)

	assert.Len(t, spans, 2)
	assert.Equal(t, "/b", spans[1].Path)
}

func TestLayoutPieceLen(t *testing.T) {
	l := NewLayout(&metadata.Info{
		PieceLength: 32768,
		Pieces:      make([][20]byte, 2),
		Files:       []metadata.FileInfo{{Path: "f", Length: 49152}},
	}, "/")

	assert.Equal(t, 32768, l.PieceLen(0))
	assert.Equal(t, 16384, l.PieceLen(1))
	assert.Equal(t, 0, l.PieceLen(2))
}
