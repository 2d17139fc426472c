package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxRawFrame is the largest payload a raw frame may carry.
	MaxRawFrame = 65535
	// MaxCiphertextChunk is the largest ciphertext chunk a message frame
	// may carry (Noise tag included).
	MaxCiphertextChunk = 65535
	// noiseTagLen is the ChaChaPoly authentication tag size flynn/noise
	// appends to every encrypted chunk.
	noiseTagLen = 16
	// MaxPlaintextChunk is the largest plaintext chunk that still fits
	// in MaxCiphertextChunk once encrypted.
	MaxPlaintextChunk = MaxCiphertextChunk - noiseTagLen
	// MaxMessageSize is the largest outer KernelMessage payload sovrnet
	// will send or accept.
	MaxMessageSize = 10_485_800
)

// ErrMessageTooLarge is returned by the sender when a serialized
// KernelMessage exceeds MaxMessageSize. Kept as a stable sentinel string
// because callers match on it to decide whether to surface a loud,
// user-visible warning.
var ErrMessageTooLarge = errors.New("message too large")

// Cipher is the subset of *noise.CipherState used by the message-frame
// codec. Declaring it as an interface here keeps wire independent of
// flynn/noise and lets tests substitute a trivial fake.
type Cipher interface {
	Encrypt(out, ad, plaintext []byte) ([]byte, error)
	Decrypt(out, ad, ciphertext []byte) ([]byte, error)
}

// EncodeRawFrame prepends a 2-byte big-endian length to payload.
func EncodeRawFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxRawFrame {
		return nil, fmt.Errorf("wire: raw frame payload too large: %d bytes", len(payload))
	}
	out := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(out, uint16(len(payload)))
	copy(out[2:], payload)
	return out, nil
}

// DecodeRawFrame strips and validates the 2-byte length prefix of a
// complete raw frame already held in memory. WebSocket carriers do not
// use it: they send handshake and routing frames as bare Binary
// messages with no length prefix.
func DecodeRawFrame(frame []byte) ([]byte, error) {
	if len(frame) < 2 {
		return nil, fmt.Errorf("wire: raw frame too short")
	}
	n := binary.BigEndian.Uint16(frame[:2])
	if len(frame) != int(n)+2 {
		return nil, fmt.Errorf("wire: raw frame length mismatch: header says %d, got %d", n, len(frame)-2)
	}
	return frame[2:], nil
}

// WriteRawFrame writes payload to w as a raw frame. Used directly on a
// TCP byte stream.
func WriteRawFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeRawFrame(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadRawFrame reads one raw frame from a continuous TCP byte stream.
func ReadRawFrame(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteMessageStream writes plaintext as a message frame over a
// continuous TCP byte stream: a clear 4-byte outer length, then each
// ciphertext chunk prefixed by its own 2-byte length.
func WriteMessageStream(w io.Writer, cipher Cipher, plaintext []byte) error {
	if len(plaintext) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	var outerLen [4]byte
	binary.BigEndian.PutUint32(outerLen[:], uint32(len(plaintext)))
	if _, err := w.Write(outerLen[:]); err != nil {
		return err
	}
	for len(plaintext) > 0 {
		n := len(plaintext)
		if n > MaxPlaintextChunk {
			n = MaxPlaintextChunk
		}
		chunk := plaintext[:n]
		plaintext = plaintext[n:]
		ct, err := cipher.Encrypt(nil, nil, chunk)
		if err != nil {
			return fmt.Errorf("wire: encrypt chunk: %w", err)
		}
		var ctLen [2]byte
		binary.BigEndian.PutUint16(ctLen[:], uint16(len(ct)))
		if _, err := w.Write(ctLen[:]); err != nil {
			return err
		}
		if _, err := w.Write(ct); err != nil {
			return err
		}
	}
	return nil
}

// ReadMessageStream reads one message frame from a continuous TCP byte
// stream, decrypting and reassembling its chunks.
func ReadMessageStream(r io.Reader, cipher Cipher) ([]byte, error) {
	var outerLenBuf [4]byte
	if _, err := io.ReadFull(r, outerLenBuf[:]); err != nil {
		return nil, err
	}
	outerLen := binary.BigEndian.Uint32(outerLenBuf[:])
	if outerLen > MaxMessageSize {
		return nil, fmt.Errorf("wire: message exceeds max size: %d", outerLen)
	}
	out := make([]byte, 0, outerLen)
	for uint32(len(out)) < outerLen {
		var ctLenBuf [2]byte
		if _, err := io.ReadFull(r, ctLenBuf[:]); err != nil {
			return nil, err
		}
		ctLen := binary.BigEndian.Uint16(ctLenBuf[:])
		ct := make([]byte, ctLen)
		if _, err := io.ReadFull(r, ct); err != nil {
			return nil, err
		}
		pt, err := cipher.Decrypt(nil, nil, ct)
		if err != nil {
			return nil, fmt.Errorf("wire: decrypt chunk: %w", err)
		}
		out = append(out, pt...)
	}
	if uint32(len(out)) != outerLen {
		return nil, fmt.Errorf("wire: message length mismatch: header %d, assembled %d", outerLen, len(out))
	}
	return out, nil
}

// FrameWriter writes one ciphertext chunk as a single carrier-level
// frame. WebSocket carriers implement this as one Binary message.
type FrameWriter interface {
	WriteBinary([]byte) error
}

// FrameReader reads one ciphertext chunk as a single carrier-level
// frame.
type FrameReader interface {
	ReadBinary() ([]byte, error)
}

// WriteMessageFramed writes plaintext as a message frame over a
// carrier that preserves message boundaries (WebSocket). Per the
// canonical framing, the 4-byte outer length is prepended to the
// plaintext stream itself rather than sent as a separate frame.
func WriteMessageFramed(w FrameWriter, cipher Cipher, plaintext []byte) error {
	if len(plaintext) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	var outerLen [4]byte
	binary.BigEndian.PutUint32(outerLen[:], uint32(len(plaintext)))
	stream := make([]byte, 0, 4+len(plaintext))
	stream = append(stream, outerLen[:]...)
	stream = append(stream, plaintext...)
	for len(stream) > 0 {
		n := len(stream)
		if n > MaxPlaintextChunk {
			n = MaxPlaintextChunk
		}
		chunk := stream[:n]
		stream = stream[n:]
		ct, err := cipher.Encrypt(nil, nil, chunk)
		if err != nil {
			return fmt.Errorf("wire: encrypt chunk: %w", err)
		}
		if err := w.WriteBinary(ct); err != nil {
			return err
		}
	}
	return nil
}

// ReadMessageFramed reads one message frame from a carrier that
// preserves message boundaries, reassembling plaintext chunks until the
// outer length embedded in the first four plaintext bytes is satisfied.
func ReadMessageFramed(r FrameReader, cipher Cipher) ([]byte, error) {
	var plain []byte
	for {
		ct, err := r.ReadBinary()
		if err != nil {
			return nil, err
		}
		pt, err := cipher.Decrypt(nil, nil, ct)
		if err != nil {
			return nil, fmt.Errorf("wire: decrypt chunk: %w", err)
		}
		plain = append(plain, pt...)
		if len(plain) < 4 {
			continue
		}
		outerLen := binary.BigEndian.Uint32(plain[:4])
		if outerLen > MaxMessageSize {
			return nil, fmt.Errorf("wire: message exceeds max size: %d", outerLen)
		}
		total := uint64(outerLen) + 4
		if uint64(len(plain)) < total {
			continue
		}
		if uint64(len(plain)) != total {
			return nil, fmt.Errorf("wire: message length mismatch: header %d, assembled %d", outerLen, len(plain)-4)
		}
		return plain[4:], nil
	}
}
