package canopen

// ODR is the return code of every Object Dictionary read/write access. It is
// a small negative/positive enum, not a Go error, because it must map
// 1:1 onto the fixed SDO abort code space (see sdo_common.go).
type ODR int8

const (
	ODR_PARTIAL        ODR = -1 // read/write is only partial, caller must call again
	ODR_OK             ODR = 0
	ODR_OUT_OF_MEM     ODR = 1
	ODR_UNSUPP_ACCESS  ODR = 2
	ODR_WRITEONLY      ODR = 3
	ODR_READONLY       ODR = 4
	ODR_IDX_NOT_EXIST  ODR = 5
	ODR_NO_MAP         ODR = 6
	ODR_MAP_LEN        ODR = 7
	ODR_PAR_INCOMPAT   ODR = 8
	ODR_DEV_INCOMPAT   ODR = 9
	ODR_HW             ODR = 10
	ODR_TYPE_MISMATCH  ODR = 11
	ODR_DATA_LONG      ODR = 12
	ODR_DATA_SHORT     ODR = 13
	ODR_SUB_NOT_EXIST  ODR = 14
	ODR_INVALID_VALUE  ODR = 15
	ODR_VALUE_HIGH     ODR = 16
	ODR_VALUE_LOW      ODR = 17
	ODR_MAX_LESS_MIN   ODR = 18
	ODR_NO_RESOURCE    ODR = 19
	ODR_GENERAL        ODR = 20
	ODR_DATA_TRANSF    ODR = 21
	ODR_DATA_LOC_CTRL  ODR = 22
	ODR_DATA_DEV_STATE ODR = 23
	ODR_OD_MISSING     ODR = 24
	ODR_NO_DATA        ODR = 25
)

// Error implements the error interface so an ODR can be returned wherever an
// error is expected (e.g. when bubbling an OD failure up through the SDO
// server); the human text mirrors the SDO abort explanation it maps to.
func (r ODR) Error() string {
	return r.SDOAbortCode().Error()
}

// SDOAbortCode maps an ODR onto the corresponding 32-bit SDO abort code.
// Unmapped codes (ODR_PARTIAL is never an error) fall back to the general
// device-incompatibility abort.
func (r ODR) SDOAbortCode() SDOAbortCode {
	if code, ok := odrToAbort[r]; ok {
		return code
	}
	return AbortDeviceIncompat
}

var odrToAbort = map[ODR]SDOAbortCode{
	ODR_OUT_OF_MEM:     AbortOutOfMem,
	ODR_UNSUPP_ACCESS:  AbortUnsupportedAccess,
	ODR_WRITEONLY:      AbortWriteOnly,
	ODR_READONLY:       AbortReadOnly,
	ODR_IDX_NOT_EXIST:  AbortNotExist,
	ODR_NO_MAP:         AbortNoMap,
	ODR_MAP_LEN:        AbortMapLen,
	ODR_PAR_INCOMPAT:   AbortParamIncompat,
	ODR_DEV_INCOMPAT:   AbortDeviceIncompat,
	ODR_HW:             AbortHardware,
	ODR_TYPE_MISMATCH:  AbortTypeMismatch,
	ODR_DATA_LONG:      AbortDataLong,
	ODR_DATA_SHORT:     AbortDataShort,
	ODR_SUB_NOT_EXIST:  AbortSubUnknown,
	ODR_INVALID_VALUE:  AbortInvalidValue,
	ODR_VALUE_HIGH:     AbortValueHigh,
	ODR_VALUE_LOW:      AbortValueLow,
	ODR_MAX_LESS_MIN:   AbortMaxLessMin,
	ODR_NO_RESOURCE:    AbortNoResource,
	ODR_GENERAL:        AbortGeneral,
	ODR_DATA_TRANSF:    AbortDataTransf,
	ODR_DATA_LOC_CTRL:  AbortDataLocalCtrl,
	ODR_DATA_DEV_STATE: AbortDataDevState,
	ODR_OD_MISSING:     AbortDataOD,
	ODR_NO_DATA:        AbortNoData,
}

// ODA is the per-subindex attribute bitfield.
type ODA uint16

const (
	ODA_SDO_R  ODA = 0x01 // SDO server may read
	ODA_SDO_W  ODA = 0x02 // SDO server may write
	ODA_SDO_RW ODA = ODA_SDO_R | ODA_SDO_W
	ODA_TPDO   ODA = 0x04 // mappable into a TPDO (readable by PDO)
	ODA_RPDO   ODA = 0x08 // mappable into an RPDO (writable by PDO)
	ODA_TRPDO  ODA = ODA_TPDO | ODA_RPDO
	ODA_COS    ODA = 0x10 // "detect change of state" - written-by-RPDO / send-TPDO-now bookkeeping
	ODA_MB     ODA = 0x20 // multi-byte (endianness sensitive), (u)int16..(u)int64 and reals
	ODA_STR    ODA = 0x40 // shorter value than declared length may be written (visible/octet string)
)

// ObjectType is the OD entry shape.
type ObjectType uint8

const (
	ObjectVar ObjectType = iota
	ObjectArray
	ObjectRecord
	ObjectDomain
)

// CANopen basic data types, as used by the "DataType" EDS field and by the
// gateway's datatype table.
const (
	BOOLEAN        uint8 = 0x01
	INTEGER8       uint8 = 0x02
	INTEGER16      uint8 = 0x03
	INTEGER32      uint8 = 0x04
	UNSIGNED8      uint8 = 0x05
	UNSIGNED16     uint8 = 0x06
	UNSIGNED32     uint8 = 0x07
	REAL32         uint8 = 0x08
	VISIBLE_STRING uint8 = 0x09
	OCTET_STRING   uint8 = 0x0A
	UNICODE_STRING uint8 = 0x0B
	DOMAIN         uint8 = 0x0F
	REAL64         uint8 = 0x11
	INTEGER64      uint8 = 0x15
	UNSIGNED64     uint8 = 0x1B
)
