package metadata

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"slices"

	"github.com/jackpal/bencode-go"
)

const BlockSize = 16 * 1024 // 16 KB

var ErrInvalid = errors.New("invalid torrent metadata")

type Metadata struct {
	Announce     *url.URL
	AnnounceList []*url.URL
	Info         Info
}

type Info struct {
	Name        string
	Pieces      [][20]byte
	PieceLength int
	Files       []FileInfo
	InfoHash    [20]byte
	Private     bool
}

type FileInfo struct {
	Path   string
	Length int64
}

type torrentFile struct {
	Announce     string          `bencode:"announce"`
	AnnounceList [][]string      `bencode:"announce-list"`
	Info         torrentFileInfo `bencode:"info"`
}

type torrentFileInfo struct {
	Name        string                `bencode:"name"`
	Pieces      string                `bencode:"pieces"`
	PieceLength int                   `bencode:"piece length"`
	Length      int64                 `bencode:"length"`
	Private     int                   `bencode:"private"`
	Files       []torrentFileInfoFile `bencode:"files"`
}

type torrentFileInfoFile struct {
	Path   []string `bencode:"path"`
	Length int64    `bencode:"length"`
}

func Parse(path string) (*Metadata, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return Read(file)
}

// Read decodes a metainfo dictionary. The info hash is computed over the
// re-encoded info dictionary, which matches the file bytes for any
// canonically encoded torrent.
func Read(r io.Reader) (*Metadata, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	tf := torrentFile{}
	if err = bencode.Unmarshal(bytes.NewReader(raw), &tf); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	generic, err := bencode.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	dict, ok := generic.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: top level is not a dictionary", ErrInvalid)
	}

	info, ok := dict["info"]
	if !ok {
		return nil, fmt.Errorf("%w: missing info dictionary", ErrInvalid)
	}

	var buf bytes.Buffer
	if err = bencode.Marshal(&buf, info); err != nil {
		return nil, err
	}

	if tf.Info.PieceLength <= 0 || len(tf.Info.Pieces)%20 != 0 {
		return nil, fmt.Errorf("%w: bad piece layout", ErrInvalid)
	}

	m := &Metadata{
		Info: Info{
			Name:        tf.Info.Name,
			PieceLength: tf.Info.PieceLength,
			InfoHash:    sha1.Sum(buf.Bytes()),
			Private:     tf.Info.Private == 1,
		},
	}

	if tf.Announce != "" {
		if m.Announce, err = url.Parse(tf.Announce); err != nil {
			return nil, err
		}
	}

	for _, tier := range tf.AnnounceList {
		for _, a := range tier {
			u, err := url.Parse(a)
			if err != nil {
				continue
			}
			m.AnnounceList = append(m.AnnounceList, u)
		}
	}

	if len(tf.Info.Files) > 0 {
		for _, file := range tf.Info.Files {
			m.Info.Files = append(m.Info.Files, FileInfo{
				Path:   filepath.Join(append([]string{tf.Info.Name}, file.Path...)...),
				Length: file.Length,
			})
		}
	} else {
		m.Info.Files = append(m.Info.Files, FileInfo{
			Path:   tf.Info.Name,
			Length: tf.Info.Length,
		})
	}

	for chunk := range slices.Chunk([]byte(tf.Info.Pieces), 20) {
		var arr [20]byte
		copy(arr[:], chunk)
		m.Info.Pieces = append(m.Info.Pieces, arr)
	}

	if want := m.Info.PieceCount(); want != len(m.Info.Pieces) {
		return nil, fmt.Errorf("%w: %d piece hashes for %d pieces", ErrInvalid, len(m.Info.Pieces), want)
	}

	return m, nil
}

// Trackers returns every announce URL, primary first, without duplicates.
func (m *Metadata) Trackers() []*url.URL {
	var out []*url.URL
	seen := make(map[string]struct{})

	for _, u := range append([]*url.URL{m.Announce}, m.AnnounceList...) {
		if u == nil {
			continue
		}
		if _, ok := seen[u.String()]; ok {
			continue
		}
		seen[u.String()] = struct{}{}
		out = append(out, u)
	}

	return out
}

func (t *Info) TotalLength() int64 {
	var total int64
	for _, file := range t.Files {
		total += file.Length
	}

	return total
}

// PieceCount is ceil(total length / piece length).
func (t *Info) PieceCount() int {
	if t.PieceLength <= 0 {
		return 0
	}

	total := t.TotalLength()
	return int((total + int64(t.PieceLength) - 1) / int64(t.PieceLength))
}

// PieceLen returns the length of piece index; only the last one may be short.
func (t *Info) PieceLen(index int) int {
	begin := int64(index) * int64(t.PieceLength)
	end := begin + int64(t.PieceLength)

	if total := t.TotalLength(); end > total {
		end = total
	}

	if end < begin {
		return 0
	}

	return int(end - begin)
}
