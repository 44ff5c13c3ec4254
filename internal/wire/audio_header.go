package wire

import "encoding/binary"

// AudioHeaderSize is the fixed on-wire size of AudioHeader.
const AudioHeaderSize = 4 + 2 + 4 + 4 + 8 + 4 + 2 + 2 + 4 + 4 + 4 + 1 + 4 + 1 + 2 + 2 + 2

// AudioHeader is the audio analogue of Header (spec.md §6): identical
// transport fields, with contentRect replaced by codec/sampleRate/
// channelCount/samplesPerFrame.
type AudioHeader struct {
	StreamID       uint32
	SequenceNumber uint32
	Timestamp      uint64
	FrameNumber    uint32
	FragmentIndex  uint16
	FragmentCount  uint16
	PayloadLength  uint32
	FrameByteCount uint32
	Checksum       uint32
	Codec          uint8
	SampleRate     uint32
	ChannelCount   uint8
	SamplesPerFrame uint16
	DimensionToken uint16
	Epoch          uint16
	Flags          uint16
}

// Encode writes the fixed-size audio header to buf, allocating if needed.
func (h *AudioHeader) Encode(buf []byte) []byte {
	if cap(buf) < AudioHeaderSize {
		buf = make([]byte, AudioHeaderSize)
	}
	buf = buf[:AudioHeaderSize]

	off := 0
	copy(buf[off:], Magic[:])
	off += 4
	binary.LittleEndian.PutUint16(buf[off:], h.Flags)
	off += 2
	binary.LittleEndian.PutUint32(buf[off:], h.StreamID)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], h.SequenceNumber)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], h.Timestamp)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], h.FrameNumber)
	off += 4
	binary.LittleEndian.PutUint16(buf[off:], h.FragmentIndex)
	off += 2
	binary.LittleEndian.PutUint16(buf[off:], h.FragmentCount)
	off += 2
	binary.LittleEndian.PutUint32(buf[off:], h.PayloadLength)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], h.FrameByteCount)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], h.Checksum)
	off += 4
	buf[off] = h.Codec
	off += 1
	binary.LittleEndian.PutUint32(buf[off:], h.SampleRate)
	off += 4
	buf[off] = h.ChannelCount
	off += 1
	binary.LittleEndian.PutUint16(buf[off:], h.SamplesPerFrame)
	off += 2
	binary.LittleEndian.PutUint16(buf[off:], h.DimensionToken)
	off += 2
	binary.LittleEndian.PutUint16(buf[off:], h.Epoch)
	off += 2

	return buf
}

// DecodeAudio parses an AudioHeader from the first AudioHeaderSize bytes of buf.
func DecodeAudio(buf []byte) (AudioHeader, error) {
	var h AudioHeader
	if len(buf) < AudioHeaderSize {
		return h, ErrShortHeader
	}
	if buf[0] != Magic[0] || buf[1] != Magic[1] || buf[2] != Magic[2] || buf[3] != Magic[3] {
		return h, ErrBadMagic
	}
	off := 4
	h.Flags = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	h.StreamID = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.SequenceNumber = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.Timestamp = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	h.FrameNumber = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.FragmentIndex = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	h.FragmentCount = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	h.PayloadLength = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.FrameByteCount = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.Checksum = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.Codec = buf[off]
	off += 1
	h.SampleRate = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.ChannelCount = buf[off]
	off += 1
	h.SamplesPerFrame = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	h.DimensionToken = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	h.Epoch = binary.LittleEndian.Uint16(buf[off:])
	off += 2

	return h, nil
}
