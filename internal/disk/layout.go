package disk

import (
	"path/filepath"

	"github.com/danferreira/gtorrentd/internal/metadata"
)

type File struct {
	Path   string
	Length int64
	Offset int64
}

// Layout maps the torrent's byte stream onto its files.
type Layout struct {
	Files       []File
	PieceLength int
	Total       int64
	Hashes      [][20]byte
}

// Span is the part of a torrent byte range that falls inside one file.
// Buffer positions [Start, End) map to [Offset, Offset+End-Start) in Path.
type Span struct {
	Path   string
	Size   int64
	Offset int64
	Start  int
	End    int
}

func NewLayout(info *metadata.Info, dir string) *Layout {
	l := &Layout{
		PieceLength: info.PieceLength,
		Hashes:      info.Pieces,
	}

	for _, f := range info.Files {
		l.Files = append(l.Files, File{
			Path:   filepath.Join(dir, f.Path),
			Length: f.Length,
			Offset: l.Total,
		})
		l.Total += f.Length
	}

	return l
}

func (l *Layout) PieceCount() int {
	return len(l.Hashes)
}

func (l *Layout) PieceLen(index int) int {
	begin := int64(index) * int64(l.PieceLength)
	end := begin + int64(l.PieceLength)

	if end > l.Total {
		end = l.Total
	}

	if end < begin {
		return 0
	}

	return int(end - begin)
}

// Spans splits [start, start+n) into per-file pieces, clipped to the torrent.
// Zero length files never produce a span.
func (l *Layout) Spans(start int64, n int) []Span {
	var spans []Span

	end := start + int64(n)
	if end > l.Total {
		end = l.Total
	}

	for _, file := range l.Files {
		next := file.Offset + file.Length
		if start >= next || file.Length == 0 {
			continue
		}
		if end <= file.Offset {
			break
		}

		from := max(start, file.Offset)
		to := min(end, next)

		spans = append(spans, Span{
			Path:   file.Path,
			Size:   file.Length,
			Offset: from - file.Offset,
			Start:  int(from - start),
			End:    int(to - start),
		})
	}

	return spans
}
