package heap

// Object layout inside a space's word array:
//
//	word 0   header
//	word 1   back-pointer to the owning handle
//	word 2.. fields
//
// Header bits:
//
//	 0..31  type id
//	32..35  age (young collections survived)
//	36      mark
//	37      remembered (old object in the remembered set)
//	38      forwarded (evacuated during a young collection)
//	40..63  size in words, header included
const (
	headerWords = 2

	hdrAgeShift  = 32
	hdrAgeMask   = 0xF
	hdrMark      = uint64(1) << 36
	hdrRemember  = uint64(1) << 37
	hdrForwarded = uint64(1) << 38
	hdrSizeShift = 40

	maxObjectWords = 1<<24 - 1
	MaxAge         = hdrAgeMask
)

// Header is an object's first word.
type Header uint64

func makeHeader(typeID uint32, words int) Header {
	return Header(uint64(typeID) | uint64(words)<<hdrSizeShift)
}

func (h Header) TypeID() uint32   { return uint32(h) }
func (h Header) Size() int        { return int(uint64(h) >> hdrSizeShift) }
func (h Header) Age() int         { return int(uint64(h)>>hdrAgeShift) & hdrAgeMask }
func (h Header) Marked() bool     { return uint64(h)&hdrMark != 0 }
func (h Header) Remembered() bool { return uint64(h)&hdrRemember != 0 }
func (h Header) Forwarded() bool  { return uint64(h)&hdrForwarded != 0 }
func (h Header) IsFiller() bool   { return h.TypeID() == FillerTypeID }

// Fields returns the number of field words.
func (h Header) Fields() int {
	if n := h.Size() - headerWords; n > 0 {
		return n
	}
	return 0
}

// WithAge returns the header with its age replaced, saturating at MaxAge.
func (h Header) WithAge(age int) Header {
	if age > MaxAge {
		age = MaxAge
	}
	cleared := uint64(h) &^ (uint64(hdrAgeMask) << hdrAgeShift)
	return Header(cleared | uint64(age)<<hdrAgeShift)
}

// WithRemembered returns the header with the remembered bit set or cleared.
func (h Header) WithRemembered(on bool) Header {
	if on {
		return Header(uint64(h) | hdrRemember)
	}
	return Header(uint64(h) &^ hdrRemember)
}

// Clean returns the header with mark, remembered and forwarded cleared.
func (h Header) Clean() Header {
	return Header(uint64(h) &^ (hdrMark | hdrRemember | hdrForwarded))
}

// fillerHeader formats a free range of the given size. A one-word filler has
// no back-pointer.
func fillerHeader(words int) Header {
	return makeHeader(FillerTypeID, words)
}

// packHandle encodes a handle as the object back-pointer word.
func packHandle(h Handle) uint64 {
	return uint64(h.Gen)<<32 | uint64(h.Index)
}

func unpackHandle(w uint64) Handle {
	return Handle{Index: uint32(w), Gen: uint16(w >> 32)}
}
