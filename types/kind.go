package types

// Kind is the discriminant of the structural type union.
type Kind uint8

const (
	KindBool Kind = iota
	KindS8
	KindU8
	KindS16
	KindU16
	KindS32
	KindU32
	KindS64
	KindU64
	KindF32
	KindF64
	KindChar
	KindString
	KindOption
	KindResult
	KindList
	KindTuple
	KindRecord
	KindVariant
	KindEnum
	KindFlags
	KindResource
)

var kindNames = [...]string{
	KindBool:     "bool",
	KindS8:       "s8",
	KindU8:       "u8",
	KindS16:      "s16",
	KindU16:      "u16",
	KindS32:      "s32",
	KindU32:      "u32",
	KindS64:      "s64",
	KindU64:      "u64",
	KindF32:      "f32",
	KindF64:      "f64",
	KindChar:     "char",
	KindString:   "string",
	KindOption:   "option",
	KindResult:   "result",
	KindList:     "list",
	KindTuple:    "tuple",
	KindRecord:   "record",
	KindVariant:  "variant",
	KindEnum:     "enum",
	KindFlags:    "flags",
	KindResource: "resource",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// IsInteger reports whether k is one of the eight integer kinds.
func (k Kind) IsInteger() bool {
	return k >= KindS8 && k <= KindU64
}

// IsSigned reports whether k is a signed integer kind.
func (k Kind) IsSigned() bool {
	switch k {
	case KindS8, KindS16, KindS32, KindS64:
		return true
	}
	return false
}

// IsFloat reports whether k is f32 or f64.
func (k Kind) IsFloat() bool {
	return k == KindF32 || k == KindF64
}

// Bits returns the width of integer and float kinds, 0 otherwise.
func (k Kind) Bits() int {
	switch k {
	case KindS8, KindU8:
		return 8
	case KindS16, KindU16:
		return 16
	case KindS32, KindU32, KindF32:
		return 32
	case KindS64, KindU64, KindF64:
		return 64
	}
	return 0
}
