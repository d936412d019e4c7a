package archivefs

import (
	"errors"
	"fmt"
	"io"
)

// errNonSeekableRewind occurs when an attempt is made to rewind a
// non-seekable archive member reader.
var errNonSeekableRewind = errors.New("archivefs: cannot rewind non-seekable member")

// memberReader wraps an open archive-member [io.ReadCloser] with the
// forward-seek-or-discard behaviour compression formats require: a
// compressed (non-Store) member has no random access, so seeking forward
// means discarding bytes, and seeking backward is only possible when
// the underlying reader happens to also be an [io.Seeker].
type memberReader struct {
	r   io.Reader
	c   io.Closer
	pos int64
}

func newMemberReader(rc io.ReadCloser) *memberReader {
	return &memberReader{r: rc, c: rc}
}

func (m *memberReader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	m.pos += int64(n)

	return n, err
}

// ForwardTo advances the reader to offset, by seeking directly when the
// underlying reader supports it and otherwise by discarding bytes.
func (m *memberReader) ForwardTo(offset int64) (int64, error) {
	if offset == m.pos {
		return m.pos, nil
	}

	if seeker, ok := m.r.(io.Seeker); ok {
		n, err := seeker.Seek(offset, io.SeekStart)
		m.pos = n
		if err != nil {
			return m.pos, fmt.Errorf("seek: %w", err)
		}

		return m.pos, nil
	}

	if offset < m.pos {
		return m.pos, fmt.Errorf("%w (want %d, current %d)", errNonSeekableRewind, offset, m.pos)
	}

	n, err := io.CopyN(io.Discard, m.r, offset-m.pos)
	m.pos += n
	if err != nil && !errors.Is(err, io.EOF) {
		return m.pos, fmt.Errorf("discard: %w", err)
	}

	return m.pos, nil
}

func (m *memberReader) Close() error {
	return m.c.Close()
}
