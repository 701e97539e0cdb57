package transport

import (
    "bufio"
    "bytes"
    "errors"
    "strings"
    "testing"

    "github.com/amirimatin/go-lanchat/pkg/protocol"
)

func TestFramingRoundTrip(t *testing.T) {
    var buf bytes.Buffer
    w := bufio.NewWriter(&buf)
    env := protocol.NewEnvelope(protocol.TypeChat, protocol.NodeRef{NodeID: "n1"}).
        WithPayload(protocol.ChatPayload{ChatType: protocol.ChatPrivate, Content: "hello"})
    if err := writeEnvelope(w, env, protocol.MaxFrameBytes); err != nil { t.Fatalf("write: %v", err) }

    got, err := readEnvelope(bufio.NewReader(&buf), protocol.MaxFrameBytes)
    if err != nil { t.Fatalf("read: %v", err) }
    if got.Type != protocol.TypeChat || got.MsgID != env.MsgID {
        t.Fatalf("mismatch: %+v", got)
    }
}

func TestReadRejectsOversizeFrame(t *testing.T) {
    line := strings.Repeat("x", 200) + "\n"
    _, err := readEnvelope(bufio.NewReader(strings.NewReader(line)), 100)
    var tooBig *FrameTooLargeError
    if !errors.As(err, &tooBig) { t.Fatalf("want FrameTooLargeError, got %v", err) }
}

func TestWriteRejectsOversizeFrame(t *testing.T) {
    var buf bytes.Buffer
    env := protocol.NewEnvelope(protocol.TypeChat, protocol.NodeRef{NodeID: "n1"}).
        WithPayload(protocol.ChatPayload{Content: strings.Repeat("x", 1024)})
    err := writeEnvelope(bufio.NewWriter(&buf), env, 100)
    var tooBig *FrameTooLargeError
    if !errors.As(err, &tooBig) { t.Fatalf("want FrameTooLargeError, got %v", err) }
    if buf.Len() != 0 { t.Fatalf("oversize frame must not be written") }
}

func TestReadToleratesCarriageReturn(t *testing.T) {
    var buf bytes.Buffer
    w := bufio.NewWriter(&buf)
    env := protocol.NewEnvelope(protocol.TypeAck, protocol.NodeRef{NodeID: "n1"})
    _ = writeEnvelope(w, env, protocol.MaxFrameBytes)
    crlf := strings.Replace(buf.String(), "\n", "\r\n", 1)
    got, err := readEnvelope(bufio.NewReader(strings.NewReader(crlf)), protocol.MaxFrameBytes)
    if err != nil { t.Fatalf("read: %v", err) }
    if got.Type != protocol.TypeAck { t.Fatalf("mismatch: %+v", got) }
}
