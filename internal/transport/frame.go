package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// 帧格式: 4 字节大端长度 + 1 字节帧类型 + 消息体
const (
	FrameHeaderSize = 5
	MaxFrameSize    = 1 << 20
)

// FrameType 帧类型
type FrameType byte

const (
	FrameHeartbeat FrameType = 0
	FrameAuth      FrameType = 1
	FrameAuthAck   FrameType = 2
	FrameMessage   FrameType = 10
	FrameClose     FrameType = 11
)

// EncodeFrame 编码一帧
func EncodeFrame(t FrameType, body []byte) []byte {
	frame := make([]byte, FrameHeaderSize+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	frame[4] = byte(t)
	copy(frame[FrameHeaderSize:], body)
	return frame
}

// WriteFrame 写入一帧，头和体一次写出
func WriteFrame(w io.Writer, t FrameType, body []byte) error {
	if len(body) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(body))
	}
	_, err := w.Write(EncodeFrame(t, body))
	return err
}

// ReadFrame 读取一帧
func ReadFrame(r io.Reader) (FrameType, []byte, error) {
	header := make([]byte, FrameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}

	length := binary.BigEndian.Uint32(header[:4])
	if length > MaxFrameSize {
		return 0, nil, fmt.Errorf("frame too large: %d bytes", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return FrameType(header[4]), body, nil
}
