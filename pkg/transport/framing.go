package transport

import (
    "bufio"
    "encoding/json"
    "fmt"

    "github.com/amirimatin/go-lanchat/pkg/protocol"
)

// FrameTooLargeError reports a wire frame exceeding the protocol cap.
// Oversize frames are a protocol violation, never a silent truncation.
type FrameTooLargeError struct {
    Size int
    Max  int
}

func (e *FrameTooLargeError) Error() string {
    return fmt.Sprintf("transport: frame of %d bytes exceeds cap of %d", e.Size, e.Max)
}

// readEnvelope reads one newline-terminated JSON envelope. It counts
// bytes while reading so an oversize frame is rejected before it is
// buffered whole.
func readEnvelope(r *bufio.Reader, max int) (*protocol.Envelope, error) {
    buf := make([]byte, 0, 256)
    for {
        b, err := r.ReadByte()
        if err != nil { return nil, err }
        if b == '\n' { break }
        if b == '\r' { continue }
        if len(buf) >= max { return nil, &FrameTooLargeError{Size: len(buf) + 1, Max: max} }
        buf = append(buf, b)
    }
    var env protocol.Envelope
    if err := json.Unmarshal(buf, &env); err != nil {
        return nil, fmt.Errorf("transport: decode frame: %w", err)
    }
    return &env, nil
}

// writeEnvelope serializes env as one line. The caller is responsible for
// write serialization and deadlines.
func writeEnvelope(w *bufio.Writer, env *protocol.Envelope, max int) error {
    b, err := json.Marshal(env)
    if err != nil { return fmt.Errorf("transport: encode frame: %w", err) }
    if len(b) > max { return &FrameTooLargeError{Size: len(b), Max: max} }
    if _, err := w.Write(b); err != nil { return err }
    if err := w.WriteByte('\n'); err != nil { return err }
    return w.Flush()
}
