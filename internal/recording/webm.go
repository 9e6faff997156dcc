package recording

// Minimal audio-only WebM writer. Every track is Opus; blocks are stored
// as SimpleBlocks in clusters of at most clusterSpan.

import (
	"bytes"
	"encoding/binary"
	"math"
)

const clusterSpan = 1000 // ms

// ebmlVint encodes v as an EBML variable-length size.
func ebmlVint(v uint64) []byte {
	switch {
	case v < 0x7F:
		return []byte{byte(0x80 | v)}
	case v < 0x3FFF:
		return []byte{byte(0x40 | (v >> 8)), byte(v)}
	case v < 0x1FFFFF:
		return []byte{byte(0x20 | (v >> 16)), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(0x10 | (v >> 24)), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// ebmlUnknownSize marks a Segment whose length is not known up front.
var ebmlUnknownSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func ebmlElem(id, data []byte) []byte {
	b := make([]byte, 0, len(id)+8+len(data))
	b = append(b, id...)
	b = append(b, ebmlVint(uint64(len(data)))...)
	return append(b, data...)
}

// ebmlUint encodes v in the fewest big-endian bytes.
func ebmlUint(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	n := 0
	for x := v; x > 0; x >>= 8 {
		n++
	}
	b := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func ebmlFloat(f float32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, math.Float32bits(f))
	return b
}

func ebmlConcat(parts ...[]byte) []byte {
	var b bytes.Buffer
	for _, p := range parts {
		b.Write(p)
	}
	return b.Bytes()
}

var (
	idEBML         = []byte{0x1A, 0x45, 0xDF, 0xA3}
	idEBMLVersion  = []byte{0x42, 0x86}
	idEBMLReadVer  = []byte{0x42, 0xF7}
	idEBMLMaxIDLen = []byte{0x42, 0xF2}
	idEBMLMaxSzLen = []byte{0x42, 0xF3}
	idDocType      = []byte{0x42, 0x82}
	idDocTypeVer   = []byte{0x42, 0x87}
	idDocTypeRdVer = []byte{0x42, 0x85}
	idSegment      = []byte{0x18, 0x53, 0x80, 0x67}
	idInfo         = []byte{0x15, 0x49, 0xA9, 0x66}
	idTcScale      = []byte{0x2A, 0xD7, 0xB1}
	idMuxApp       = []byte{0x4D, 0x80}
	idWrtApp       = []byte{0x57, 0x41}
	idTracks       = []byte{0x16, 0x54, 0xAE, 0x6B}
	idTrackEntry   = []byte{0xAE}
	idTrackNum     = []byte{0xD7}
	idTrackUID     = []byte{0x73, 0xC5}
	idTrackType    = []byte{0x83}
	idTrackName    = []byte{0x53, 0x6E}
	idCodecID      = []byte{0x86}
	idCodecPrv     = []byte{0x63, 0xA2}
	idAudio        = []byte{0xE1}
	idSampFreq     = []byte{0xB5}
	idChannels     = []byte{0x9F}
	idCluster      = []byte{0x1F, 0x43, 0xB6, 0x75}
	idTimecode     = []byte{0xE7}
	idSimpleBlock  = []byte{0xA3}
)

// opusHead is the OpusHead codec private data for 48 kHz Opus.
var opusHead = []byte{
	'O', 'p', 'u', 's', 'H', 'e', 'a', 'd',
	// version, channels
	0x01, 0x02,
	// pre-skip 312
	0x38, 0x01,
	// 48000 Hz
	0x80, 0xBB, 0x00, 0x00,
	// gain, mapping family
	0x00, 0x00, 0x00,
}

// webmHeader returns the EBML header, an unknown-size Segment, Info and
// one Opus track per name.
func webmHeader(trackNames ...string) []byte {
	var buf bytes.Buffer

	buf.Write(ebmlElem(idEBML, ebmlConcat(
		ebmlElem(idEBMLVersion, ebmlUint(1)),
		ebmlElem(idEBMLReadVer, ebmlUint(1)),
		ebmlElem(idEBMLMaxIDLen, ebmlUint(4)),
		ebmlElem(idEBMLMaxSzLen, ebmlUint(8)),
		ebmlElem(idDocType, []byte("webm")),
		ebmlElem(idDocTypeVer, ebmlUint(4)),
		ebmlElem(idDocTypeRdVer, ebmlUint(2)),
	)))

	buf.Write(idSegment)
	buf.Write(ebmlUnknownSize)

	buf.Write(ebmlElem(idInfo, ebmlConcat(
		ebmlElem(idTcScale, ebmlUint(1000000)),
		ebmlElem(idMuxApp, []byte("callguard")),
		ebmlElem(idWrtApp, []byte("callguard")),
	)))

	var tracks []byte
	for i, name := range trackNames {
		num := uint64(i + 1)
		tracks = append(tracks, ebmlElem(idTrackEntry, ebmlConcat(
			ebmlElem(idTrackNum, ebmlUint(num)),
			ebmlElem(idTrackUID, ebmlUint(num)),
			ebmlElem(idTrackType, ebmlUint(2)), // audio
			ebmlElem(idTrackName, []byte(name)),
			ebmlElem(idCodecID, []byte("A_OPUS")),
			ebmlElem(idCodecPrv, opusHead),
			ebmlElem(idAudio, ebmlConcat(
				ebmlElem(idSampFreq, ebmlFloat(48000)),
				ebmlElem(idChannels, ebmlUint(2)),
			)),
		))...)
	}
	buf.Write(ebmlElem(idTracks, tracks))
	return buf.Bytes()
}

// simpleBlock encodes one keyframe SimpleBlock. Every Opus packet decodes
// on its own.
func simpleBlock(track int, relMs int16, data []byte) []byte {
	trackVint := ebmlVint(uint64(track))
	content := make([]byte, len(trackVint)+3+len(data))
	copy(content, trackVint)
	binary.BigEndian.PutUint16(content[len(trackVint):], uint16(relMs))
	content[len(trackVint)+2] = 0x80
	copy(content[len(trackVint)+3:], data)
	return ebmlElem(idSimpleBlock, content)
}

// webmWriter accumulates a WebM file in memory. It is not safe for
// concurrent use.
type webmWriter struct {
	buf          bytes.Buffer
	blocks       bytes.Buffer
	clusterStart int64
	clusterOpen  bool
	frames       int
	lastMs       int64
}

func newWebmWriter(trackNames ...string) *webmWriter {
	w := &webmWriter{}
	w.buf.Write(webmHeader(trackNames...))
	return w
}

// writeFrame stores one Opus packet at ms since the start of the file.
// Timecodes that go backwards are clamped to the last one written.
func (w *webmWriter) writeFrame(track int, ms int64, data []byte) {
	if ms < w.lastMs {
		ms = w.lastMs
	}
	w.lastMs = ms

	rel := ms - w.clusterStart
	if !w.clusterOpen || rel >= clusterSpan || rel > math.MaxInt16 {
		w.flushCluster()
		w.clusterStart = ms
		w.clusterOpen = true
		rel = 0
	}
	w.blocks.Write(simpleBlock(track, int16(rel), data))
	w.frames++
}

func (w *webmWriter) flushCluster() {
	if !w.clusterOpen {
		return
	}
	if w.blocks.Len() > 0 {
		w.buf.Write(ebmlElem(idCluster, ebmlConcat(
			ebmlElem(idTimecode, ebmlUint(uint64(w.clusterStart))),
			w.blocks.Bytes(),
		)))
	}
	w.blocks.Reset()
	w.clusterOpen = false
}

// Frames is the number of packets written so far.
func (w *webmWriter) Frames() int { return w.frames }

// DurationMs is the timecode of the last packet.
func (w *webmWriter) DurationMs() int64 { return w.lastMs }

// Bytes closes the open cluster and returns the file. The writer must not
// be used afterwards.
func (w *webmWriter) Bytes() []byte {
	w.flushCluster()
	return w.buf.Bytes()
}
