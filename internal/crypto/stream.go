package crypto

import (
	"bufio"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// ChunkSize is the plaintext size of one authenticated chunk.
	ChunkSize = 64 * 1024

	// StreamSaltSize is the size of the per-stream salt written before
	// the first chunk.
	StreamSaltSize = 16

	streamInfo = "coffre/v1/payload"

	lastChunkFlag = 0x01
)

var errNonceExhausted = errors.New("stream chunk counter exhausted")

// streamKey derives the per-stream AEAD key from the content key and salt.
func streamKey(contentKey, salt []byte) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, contentKey, salt, []byte(streamInfo)), key); err != nil {
		return nil, fmt.Errorf("stream key derivation failed: %w", err)
	}
	return key, nil
}

// chunkNonce holds an 11-byte big-endian counter plus a final-chunk flag
// in the last byte.
type chunkNonce [NonceSize]byte

func (n *chunkNonce) increment() error {
	for i := NonceSize - 2; i >= 0; i-- {
		n[i]++
		if n[i] != 0 {
			return nil
		}
	}
	return errNonceExhausted
}

func (n *chunkNonce) setLast() {
	n[NonceSize-1] = lastChunkFlag
}

// StreamWriter encrypts a plaintext stream into authenticated chunks.
// Close must be called to flush and mark the final chunk; the stream is
// not decryptable without it.
type StreamWriter struct {
	aead   interface{ Seal([]byte, []byte, []byte, []byte) []byte }
	w      io.Writer
	buf    []byte
	n      int
	nonce  chunkNonce
	closed bool
}

// NewStreamWriter derives a stream key from contentKey, writes the
// random stream salt to w, and returns a writer producing sealed chunks.
func NewStreamWriter(w io.Writer, contentKey []byte) (*StreamWriter, error) {
	salt := make([]byte, StreamSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate stream salt: %w", err)
	}

	key, err := streamKey(contentKey, salt)
	if err != nil {
		return nil, err
	}
	defer ClearBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if _, err := w.Write(salt); err != nil {
		return nil, fmt.Errorf("failed to write stream salt: %w", err)
	}

	return &StreamWriter{
		aead: aead,
		w:    w,
		buf:  make([]byte, ChunkSize),
	}, nil
}

func (sw *StreamWriter) Write(p []byte) (int, error) {
	if sw.closed {
		return 0, errors.New("write to closed stream")
	}

	written := 0
	for len(p) > 0 {
		n := copy(sw.buf[sw.n:], p)
		sw.n += n
		p = p[n:]
		written += n

		if sw.n == ChunkSize && len(p) > 0 {
			// Only flush when more data is coming; a full final
			// chunk must still be sealed with the last-chunk flag.
			if err := sw.flush(false); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// Close seals the final chunk. An empty stream still produces one empty
// final chunk so truncation is always detectable.
func (sw *StreamWriter) Close() error {
	if sw.closed {
		return nil
	}
	sw.closed = true
	return sw.flush(true)
}

func (sw *StreamWriter) flush(last bool) error {
	if last {
		sw.nonce.setLast()
	}

	sealed := sw.aead.Seal(nil, sw.nonce[:], sw.buf[:sw.n], nil)
	sw.n = 0

	if _, err := sw.w.Write(sealed); err != nil {
		return fmt.Errorf("failed to write chunk: %w", err)
	}
	if !last {
		return sw.nonce.increment()
	}
	return nil
}

// StreamReader decrypts a stream produced by StreamWriter. Any modified,
// reordered, truncated or appended chunk fails with ErrAuthFailed.
type StreamReader struct {
	aead  interface{ Open([]byte, []byte, []byte, []byte) ([]byte, error) }
	r     *bufio.Reader
	chunk []byte
	buf   []byte
	nonce chunkNonce
	done  bool
}

// NewStreamReader reads the stream salt from r and prepares chunked
// decryption with the key derived from contentKey.
func NewStreamReader(r io.Reader, contentKey []byte) (*StreamReader, error) {
	salt := make([]byte, StreamSaltSize)
	if _, err := io.ReadFull(r, salt); err != nil {
		return nil, ErrInvalidCiphertext
	}

	key, err := streamKey(contentKey, salt)
	if err != nil {
		return nil, err
	}
	defer ClearBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	return &StreamReader{
		aead: aead,
		r:    bufio.NewReaderSize(r, ChunkSize+TagSize),
		buf:  make([]byte, ChunkSize+TagSize),
	}, nil
}

func (sr *StreamReader) Read(p []byte) (int, error) {
	for len(sr.chunk) == 0 {
		if sr.done {
			return 0, io.EOF
		}
		if err := sr.readChunk(); err != nil {
			return 0, err
		}
	}

	n := copy(p, sr.chunk)
	sr.chunk = sr.chunk[n:]
	return n, nil
}

func (sr *StreamReader) readChunk() error {
	n, err := io.ReadFull(sr.r, sr.buf)
	switch {
	case err == io.EOF:
		// The writer always emits a final chunk, even when empty, so
		// a clean EOF here means the stream was truncated.
		return ErrAuthFailed
	case err == io.ErrUnexpectedEOF:
		sr.nonce.setLast()
		sr.done = true
	case err != nil:
		return fmt.Errorf("failed to read chunk: %w", err)
	default:
		// A full chunk is final only when nothing follows it.
		if _, peekErr := sr.r.Peek(1); peekErr == io.EOF {
			sr.nonce.setLast()
			sr.done = true
		}
	}

	if n < TagSize {
		return ErrAuthFailed
	}

	plain, err := sr.aead.Open(sr.buf[:0], sr.nonce[:], sr.buf[:n], nil)
	if err != nil {
		return ErrAuthFailed
	}
	sr.chunk = plain

	if !sr.done {
		if err := sr.nonce.increment(); err != nil {
			return err
		}
	}
	return nil
}
