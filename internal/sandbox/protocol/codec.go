package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/zstd"
)

// codec is the JSON implementation used for every frame body.
var codec = sonic.ConfigStd

const (
	headerSize = 5

	flagZstd byte = 1 << 0

	// DefaultCompressThreshold is the body size above which frames are zstd compressed.
	DefaultCompressThreshold = 16 << 10

	// MaxFrameSize bounds a single frame body.
	MaxFrameSize = 64 << 20
)

// ErrFrameTooLarge is returned for frames whose declared size exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	decoderOnce sync.Once
	decoder     *zstd.Decoder
)

func zstdEncoder() *zstd.Encoder {
	encoderOnce.Do(func() {
		encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	})
	return encoder
}

func zstdDecoder() *zstd.Decoder {
	decoderOnce.Do(func() {
		decoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxFrameSize))
	})
	return decoder
}

// Writer writes length-prefixed frames. It is safe for concurrent use.
type Writer struct {
	mu        sync.Mutex
	w         io.Writer
	threshold int
}

// NewWriter returns a frame writer. threshold <= 0 uses DefaultCompressThreshold.
func NewWriter(w io.Writer, threshold int) *Writer {
	if threshold <= 0 {
		threshold = DefaultCompressThreshold
	}
	return &Writer{w: w, threshold: threshold}
}

// Write encodes msg as a single frame.
func (fw *Writer) Write(msg *Message) error {
	body, err := codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	var flags byte
	if len(body) > fw.threshold {
		body = zstdEncoder().EncodeAll(body, make([]byte, 0, len(body)/2))
		flags |= flagZstd
	}
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	var header [headerSize]byte
	binary.BigEndian.PutUint32(header[:4], uint32(len(body)))
	header[4] = flags

	fw.mu.Lock()
	defer fw.mu.Unlock()

	if _, err := fw.w.Write(header[:]); err != nil {
		return err
	}
	_, err = fw.w.Write(body)
	return err
}

// Reader reads frames written by Writer. It is not safe for concurrent use.
type Reader struct {
	r *bufio.Reader
}

// NewReader returns a frame reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64<<10)}
}

// Read returns the next message. io.EOF is returned only on a clean frame boundary.
func (fr *Reader) Read() (*Message, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(fr.r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("truncated frame header: %w", err)
		}
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:4])
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return nil, fmt.Errorf("truncated frame body: %w", err)
	}

	if header[4]&flagZstd != 0 {
		plain, err := zstdDecoder().DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress frame: %w", err)
		}
		body = plain
	}

	msg := &Message{}
	if err := codec.Unmarshal(body, msg); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return msg, nil
}
